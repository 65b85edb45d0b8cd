// Package dispatcher consumes command rows queued for this device and
// executes each one exactly once. Commands arrive through the record
// change feed when it is healthy and through plain polling when it is
// not; both paths can observe the same row, so execution is keyed on
// the durable handled flag rather than on which path saw it first.
package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/homeglance/liveview/internal/domain"
	"github.com/homeglance/liveview/internal/repository"
	"github.com/homeglance/liveview/pkg/log"
	"github.com/homeglance/liveview/pkg/pubsub"
)

// Executor runs the action a command requests. It is implemented by
// the device session coordinator for the live-view commands and may
// fan out to other subsystems for future command names.
type Executor interface {
	Execute(ctx context.Context, cmd *domain.Command) error
}

// Config holds dispatcher tuning.
type Config struct {
	// FeedRetries bounds subscription attempts before falling back to
	// polling.
	FeedRetries int `mapstructure:"feed_retries"`
	// FeedBackoff is the fixed delay between subscription attempts.
	FeedBackoff time.Duration `mapstructure:"feed_backoff"`
	// PollInterval is the polling cadence once the feed is given up.
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

func (c *Config) applyDefaults() {
	if c.FeedRetries <= 0 {
		c.FeedRetries = 3
	}
	if c.FeedBackoff <= 0 {
		c.FeedBackoff = 2 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
}

var errFeedClosed = errors.New("command feed closed")

// Dispatcher consumes commands for one device.
type Dispatcher struct {
	deviceID string
	commands repository.CommandRepository
	sub      pubsub.Subscriber
	executor Executor
	cfg      Config
}

// New creates a command dispatcher for the device.
func New(deviceID string, commands repository.CommandRepository, sub pubsub.Subscriber, executor Executor, cfg Config) *Dispatcher {
	cfg.applyDefaults()
	return &Dispatcher{
		deviceID: deviceID,
		commands: commands,
		sub:      sub,
		executor: executor,
		cfg:      cfg,
	}
}

// Run consumes commands until ctx is done. It drains the unhandled
// backlog once at startup, then prefers the change feed, retrying a
// dropped subscription a bounded number of times before settling into
// the polling fallback.
func (d *Dispatcher) Run(ctx context.Context) error {
	l := log.Ctx(ctx).With().Str(log.FieldDeviceID, d.deviceID).Logger()
	ctx = log.WithLogger(ctx, l)

	// Commands created while the device was down are only visible by
	// polling.
	d.pollOnce(ctx)

	attempt := 0
	for attempt < d.cfg.FeedRetries {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		started := time.Now()
		err := d.consumeFeed(ctx)
		if err == nil || ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Since(started) >= d.cfg.FeedBackoff {
			// A feed that ran healthily before dropping is not a
			// consecutive failure; the retry budget starts over.
			attempt = 0
		}
		attempt++

		l.Warn().Err(err).Int("attempt", attempt).Msg("command feed subscription failed")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.cfg.FeedBackoff):
		}
	}

	l.Warn().Msg("command feed unavailable, falling back to polling")
	return d.pollLoop(ctx)
}

// consumeFeed processes feed events until the subscription breaks.
func (d *Dispatcher) consumeFeed(ctx context.Context) error {
	channel := repository.CommandFeedChannel(d.deviceID)
	events, err := d.sub.Subscribe(ctx, channel)
	if err != nil {
		return err
	}
	defer d.sub.Unsubscribe(ctx, channel)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				// Subscription dropped underneath us; let Run retry.
				return errFeedClosed
			}
			if event.Type != repository.EventCommandCreated {
				continue
			}
			var cmd domain.Command
			if err := event.UnmarshalPayload(&cmd); err != nil {
				log.Ctx(ctx).Warn().Err(err).Msg("malformed command feed event")
				continue
			}
			d.handle(ctx, &cmd)
		}
	}
}

// pollLoop polls the record store for unhandled commands.
func (d *Dispatcher) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.pollOnce(ctx)
		}
	}
}

func (d *Dispatcher) pollOnce(ctx context.Context) {
	cmds, err := d.commands.ListUnhandled(ctx, d.deviceID)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("failed to poll unhandled commands")
		return
	}
	for i := range cmds {
		if ctx.Err() != nil {
			return
		}
		d.handle(ctx, &cmds[i])
	}
}

// handle executes one command and resolves it. Resolution happens on
// every path out of the executor so no command is left pending, and
// the guarded update keeps a feed/poll double delivery from resolving
// twice.
func (d *Dispatcher) handle(ctx context.Context, cmd *domain.Command) {
	l := log.Ctx(ctx).With().
		Str(log.FieldCommandID, cmd.ID).
		Str(log.FieldCommand, cmd.Name).
		Str(log.FieldSessionID, cmd.SessionID).
		Logger()

	if cmd.Handled {
		l.Debug().Msg("skipping already handled command")
		return
	}

	// Re-read the row: the in-flight copy from the feed may be stale
	// if the polling path already resolved it.
	if current, err := d.commands.GetByID(ctx, cmd.ID); err == nil && current.Handled {
		l.Debug().Msg("command resolved while queued, skipping")
		return
	}

	execErr := d.executor.Execute(ctx, cmd)

	status := domain.CommandStatusCompleted
	errMsg := ""
	if execErr != nil {
		status = domain.CommandStatusFailed
		errMsg = execErr.Error()
	}

	resolved, err := d.commands.Resolve(ctx, cmd.ID, status, errMsg)
	if err != nil {
		l.Error().Err(err).Msg("failed to resolve command")
		return
	}
	if !resolved {
		l.Debug().Msg("command already resolved by concurrent observer")
		return
	}

	if execErr != nil {
		l.Warn().Err(execErr).Msg("command failed")
	} else {
		l.Info().Msg("command completed")
	}
}
