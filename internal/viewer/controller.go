// Package viewer holds the watching side of the live-view core: a
// per-viewer controller that drives one viewing attempt through
// negotiation to a connected stream or a terminal error, surviving
// duplicate starts, bounded auto-retry, and overlapping cleanup paths.
package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/homeglance/liveview/internal/domain"
	"github.com/homeglance/liveview/internal/repository"
	"github.com/homeglance/liveview/internal/signal"
	"github.com/homeglance/liveview/pkg/log"
)

// State is the viewer-visible connection state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateRetrying   State = "retrying"
	StateError      State = "error"
	StateEnded      State = "ended"
)

// ErrDeviceOffline is returned by Start when the device's last-seen
// heartbeat is older than the freshness threshold.
var ErrDeviceOffline = errors.New("device is offline")

// PresenceChecker answers whether a device is fresh enough to contact.
type PresenceChecker interface {
	Online(ctx context.Context, deviceID string) (bool, error)
}

// Config holds controller tuning.
type Config struct {
	// RetryCap bounds automatic reconnect attempts after the first.
	RetryCap int `mapstructure:"retry_cap"`
	// RetryDelay is the fixed pause between attempts.
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	// ConnectTimeout bounds the wait from attempt start to first
	// media delivery.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

func (c *Config) applyDefaults() {
	if c.RetryCap <= 0 {
		c.RetryCap = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
}

// StartOptions tunes a start request.
type StartOptions struct {
	// SessionID adopts a session the caller already created and
	// commanded; the controller then only arms negotiation and does
	// not write duplicate rows.
	SessionID string
}

// StopOptions tunes a stop request.
type StopOptions struct {
	// SuppressCommand skips the STOP_LIVE_VIEW command, for stops
	// that were observed externally and must not be echoed back.
	SuppressCommand bool
}

// Snapshot is a point-in-time view of the controller.
type Snapshot struct {
	State     State
	SessionID string
	DeviceID  string
	Attempt   int
	Err       string
}

// Controller drives live-view attempts for one viewer.
type Controller struct {
	viewerID  string
	sessions  repository.SessionRepository
	commands  repository.CommandRepository
	bus       *signal.Bus
	presence  PresenceChecker
	negotiate NegotiatorFactory
	cfg       Config

	mu            sync.Mutex
	state         State
	sessionID     string
	deviceID      string
	attempt       int
	lastErr       string
	inFlight      bool // start-lock
	stopSent      bool
	manualStop    bool
	attemptCancel context.CancelFunc
	negotiator    Negotiator
}

// NewController creates a viewer session controller.
func NewController(viewerID string, sessions repository.SessionRepository, commands repository.CommandRepository, bus *signal.Bus, presence PresenceChecker, negotiate NegotiatorFactory, cfg Config) *Controller {
	cfg.applyDefaults()
	return &Controller{
		viewerID:  viewerID,
		sessions:  sessions,
		commands:  commands,
		bus:       bus,
		presence:  presence,
		negotiate: negotiate,
		cfg:       cfg,
		state:     StateIdle,
	}
}

// Snapshot returns the current controller state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		State:     c.state,
		SessionID: c.sessionID,
		DeviceID:  c.deviceID,
		Attempt:   c.attempt,
		Err:       c.lastErr,
	}
}

// Start begins a viewing attempt against the device. A second start
// while one is in flight is a no-op. When the device is known stale it
// fails fast with ErrDeviceOffline instead of entering a connect loop;
// an adopted pre-created session is then ended with host_offline.
func (c *Controller) Start(ctx context.Context, deviceID string, opts StartOptions) error {
	l := log.Ctx(ctx)

	c.mu.Lock()
	if c.inFlight || c.state == StateConnecting || c.state == StateConnected || c.state == StateRetrying {
		c.mu.Unlock()
		l.Debug().Str(log.FieldDeviceID, deviceID).Msg("start ignored, attempt already in flight")
		return nil
	}
	c.inFlight = true
	c.mu.Unlock()

	online, err := c.presence.Online(ctx, deviceID)
	if err != nil {
		l.Warn().Err(err).Str(log.FieldDeviceID, deviceID).Msg("presence check failed, proceeding anyway")
		online = true
	}
	if !online {
		if opts.SessionID != "" {
			if _, err := c.sessions.End(ctx, opts.SessionID, domain.FailReasonHostOffline); err != nil {
				l.Warn().Err(err).Str(log.FieldSessionID, opts.SessionID).Msg("failed to end session for offline device")
			}
		}
		c.mu.Lock()
		c.inFlight = false
		c.state = StateError
		c.lastErr = "device is offline"
		c.deviceID = deviceID
		c.mu.Unlock()
		return ErrDeviceOffline
	}

	attemptCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	attemptCtx = log.WithLogger(attemptCtx, l.With().Str(log.FieldDeviceID, deviceID).Str(log.FieldViewerID, c.viewerID).Logger())

	c.mu.Lock()
	c.state = StateConnecting
	c.deviceID = deviceID
	c.sessionID = opts.SessionID
	c.attempt = 1
	c.lastErr = ""
	c.stopSent = false
	c.manualStop = false
	c.attemptCancel = cancel
	c.mu.Unlock()

	go c.runAttempts(attemptCtx, deviceID, opts.SessionID)
	return nil
}

// Stop ends the current attempt. Local media is released first so
// hardware is freed even if the record updates fail; the stop command
// goes out at most once per attempt regardless of how many cleanup
// paths race here. A manual stop always lands on ended, never error;
// stopping a controller that never started anything is a no-op.
func (c *Controller) Stop(ctx context.Context, opts StopOptions) error {
	l := log.Ctx(ctx)

	c.mu.Lock()
	if c.state == StateIdle && !c.inFlight {
		// Nothing was ever started.
		c.mu.Unlock()
		return nil
	}
	c.manualStop = true
	sessionID := c.sessionID
	deviceID := c.deviceID
	cancel := c.attemptCancel
	neg := c.negotiator
	sendCommand := !opts.SuppressCommand && !c.stopSent && sessionID != ""
	if sendCommand {
		c.stopSent = true
	}
	c.attemptCancel = nil
	c.negotiator = nil
	c.state = StateEnded
	c.inFlight = false
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	// Hardware first.
	if neg != nil {
		if err := neg.Close(); err != nil {
			l.Warn().Err(err).Msg("media teardown failed")
		}
	}

	if sessionID != "" {
		if _, err := c.sessions.End(ctx, sessionID, ""); err != nil {
			l.Warn().Err(err).Str(log.FieldSessionID, sessionID).Msg("failed to end session row on stop")
		}
		if err := c.bus.Unsubscribe(ctx, sessionID); err != nil {
			l.Debug().Err(err).Msg("signal unsubscribe failed")
		}
	}

	if sendCommand {
		cmd := &domain.Command{
			DeviceID:  deviceID,
			Name:      domain.CommandStopLiveView,
			SessionID: sessionID,
		}
		if err := c.commands.Create(ctx, cmd); err != nil {
			l.Warn().Err(err).Msg("failed to queue stop command")
			return err
		}
	}

	l.Info().Str(log.FieldSessionID, sessionID).Msg("live view stopped")
	return nil
}

// NotifyLeave sends a best-effort stop hint for abrupt page teardown.
// Fire-and-forget: no acknowledgement, a short deadline, errors
// dropped. It never blocks the caller.
func (c *Controller) NotifyLeave() {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	if sessionID == "" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.bus.PublishStop(ctx, sessionID, signal.StopReasonPageLeave)
	}()
}

// runAttempts owns the retry loop: each pass is one negotiation
// attempt with its own session. adoptID seeds the first attempt with a
// caller-created session; retries always mint a fresh one.
func (c *Controller) runAttempts(ctx context.Context, deviceID, adoptID string) {
	l := log.Ctx(ctx)

	attempt := 0
	for {
		attempt++
		c.mu.Lock()
		c.attempt = attempt
		c.state = StateConnecting
		c.mu.Unlock()

		connected, err := c.runAttempt(ctx, deviceID, adoptID)
		adoptID = "" // only the first attempt may adopt

		if err == nil {
			// Attempt finished by an external stop; state already set.
			return
		}
		if ctx.Err() != nil || c.isManualStop() {
			// Manual stop wins over whatever the transport reported.
			return
		}
		if connected {
			// A stream was delivered this attempt; the retry budget
			// starts over.
			attempt = 0
		}

		l.Warn().Err(err).Int("attempt", attempt).Msg("negotiation attempt failed")

		if attempt > c.cfg.RetryCap {
			c.finish(StateError, fmt.Sprintf("could not connect after %d retries: %v", c.cfg.RetryCap, err))
			return
		}

		c.mu.Lock()
		c.state = StateRetrying
		c.mu.Unlock()

		// Cancellable pause so a manual stop prevents the retry.
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.RetryDelay):
		}
	}
}

// runAttempt drives a single negotiation cycle. It returns a nil
// error only when the attempt was ended on purpose; every failure path
// returns an error for the retry loop to weigh, plus whether a stream
// was delivered before the failure.
func (c *Controller) runAttempt(ctx context.Context, deviceID, adoptID string) (connected bool, err error) {
	sessionID := adoptID
	if sessionID == "" {
		session := &domain.Session{DeviceID: deviceID, ViewerID: c.viewerID}
		if err := c.sessions.Create(ctx, session); err != nil {
			return false, fmt.Errorf("failed to create session: %w", err)
		}
		sessionID = session.ID

		cmd := &domain.Command{
			DeviceID:  deviceID,
			Name:      domain.CommandStartLiveView,
			SessionID: sessionID,
		}
		if err := c.commands.Create(ctx, cmd); err != nil {
			c.endSession(ctx, sessionID, domain.FailReasonStartFailed)
			return false, fmt.Errorf("failed to queue start command: %w", err)
		}
	}

	c.mu.Lock()
	c.sessionID = sessionID
	stopped := c.manualStop
	c.mu.Unlock()
	if stopped || ctx.Err() != nil {
		// Stop raced the row creation and read an empty session id, so
		// its cleanup missed these rows. They are ours to end.
		c.endSession(ctx, sessionID, "")
		return false, nil
	}
	l := log.Ctx(ctx).With().Str(log.FieldSessionID, sessionID).Logger()
	ctx = log.WithLogger(ctx, l)

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	msgs, err := c.bus.Subscribe(attemptCtx, sessionID)
	if err != nil {
		c.endSession(ctx, sessionID, domain.FailReasonNegotiation)
		return false, fmt.Errorf("failed to subscribe session signals: %w", err)
	}
	defer c.bus.Unsubscribe(ctx, sessionID)

	neg, err := c.negotiate(attemptCtx, sessionID)
	if err != nil {
		c.endSession(ctx, sessionID, domain.FailReasonNegotiation)
		return false, fmt.Errorf("failed to create negotiator: %w", err)
	}
	c.mu.Lock()
	c.negotiator = neg
	c.mu.Unlock()

	teardown := func(reason string) {
		c.mu.Lock()
		if c.negotiator == neg {
			c.negotiator = nil
		}
		c.mu.Unlock()
		neg.Close()
		c.endSession(ctx, sessionID, reason)
	}

	// Candidates can outrun the offer on the unordered bus; hold them
	// until the answer exists.
	var pendingCandidates []json.RawMessage
	offerSeen := false

	deadline := time.NewTimer(c.cfg.ConnectTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			// Stop() already did the cleanup.
			return connected, nil

		case <-deadline.C:
			teardown(domain.FailReasonNegotiation)
			return connected, fmt.Errorf("no stream within %s", c.cfg.ConnectTimeout)

		case msg, ok := <-msgs:
			if !ok {
				teardown(domain.FailReasonNegotiation)
				return connected, errors.New("signal subscription dropped")
			}
			switch msg.Kind {
			case signal.KindOffer:
				if offerSeen {
					l.Debug().Msg("duplicate offer ignored")
					continue
				}
				offerSeen = true
				answer, err := neg.HandleOffer(ctx, msg.Payload)
				if err != nil {
					teardown(domain.FailReasonNegotiation)
					return connected, fmt.Errorf("failed to answer offer: %w", err)
				}
				if err := c.bus.PublishAnswer(ctx, sessionID, answer); err != nil {
					teardown(domain.FailReasonNegotiation)
					return connected, fmt.Errorf("failed to publish answer: %w", err)
				}
				for _, cand := range pendingCandidates {
					if err := neg.AddCandidate(ctx, cand); err != nil {
						l.Debug().Err(err).Msg("failed to apply buffered candidate")
					}
				}
				pendingCandidates = nil

			case signal.KindCandidate:
				if !offerSeen {
					pendingCandidates = append(pendingCandidates, msg.Payload)
					continue
				}
				if err := neg.AddCandidate(ctx, msg.Payload); err != nil {
					l.Debug().Err(err).Msg("failed to apply candidate")
				}

			case signal.KindStop:
				// Externally-observed stop; do not echo a command back.
				l.Info().Str("reason", msg.StopReason()).Msg("stop observed on signaling channel")
				c.mu.Lock()
				c.manualStop = true
				c.mu.Unlock()
				teardown("")
				c.finish(StateEnded, "")
				return connected, nil

			case signal.KindAnswer:
				// Our own answer echoed back.
			}

		case ev, ok := <-neg.Events():
			if !ok {
				teardown(domain.FailReasonNegotiation)
				return connected, errors.New("negotiator event stream closed")
			}
			switch ev.Kind {
			case NegotiationCandidate:
				if err := c.bus.PublishCandidate(ctx, sessionID, ev.Candidate); err != nil {
					l.Debug().Err(err).Msg("failed to publish local candidate")
				}

			case NegotiationConnected:
				connected = true
				c.mu.Lock()
				c.state = StateConnected
				c.mu.Unlock()
				l.Info().Msg("stream connected")
				// Stay in the loop: candidates keep trickling and a
				// failure or stop can still arrive.
				if !deadline.Stop() {
					select {
					case <-deadline.C:
					default:
					}
				}

			case NegotiationFailed:
				teardown(domain.FailReasonNegotiation)
				return connected, fmt.Errorf("negotiation failed: %w", ev.Err)
			}
		}
	}
}

// finish records a terminal state unless a manual stop already won.
func (c *Controller) finish(state State, errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.manualStop && state == StateError {
		return
	}
	c.state = state
	c.lastErr = errMsg
	c.inFlight = false
}

func (c *Controller) isManualStop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.manualStop
}

func (c *Controller) endSession(ctx context.Context, sessionID, failReason string) {
	if sessionID == "" {
		return
	}
	// Cleanup runs on attempt contexts that a stop may already have
	// cancelled; the End write must still land.
	ctx = context.WithoutCancel(ctx)
	if _, err := c.sessions.End(ctx, sessionID, failReason); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str(log.FieldSessionID, sessionID).Msg("failed to end session row")
	}
}
