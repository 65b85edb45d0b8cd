// Package device holds the home-device side of the live-view core:
// the session coordinator that owns the single-active-session
// invariant and executes start/stop commands against the local capture
// subsystem.
package device

import (
	"context"
	"fmt"
	"time"

	"github.com/homeglance/liveview/internal/domain"
	"github.com/homeglance/liveview/internal/repository"
	"github.com/homeglance/liveview/internal/signal"
	"github.com/homeglance/liveview/pkg/log"
	"github.com/homeglance/liveview/pkg/pubsub"
)

// Config holds coordinator tuning.
type Config struct {
	// StartTimeout bounds the wait for the local offer after a start
	// request.
	StartTimeout time.Duration `mapstructure:"start_timeout"`
	// CleanupWait bounds the wait for local teardown before a new
	// session takes over a busy device.
	CleanupWait time.Duration `mapstructure:"cleanup_wait"`
}

func (c *Config) applyDefaults() {
	if c.StartTimeout <= 0 {
		c.StartTimeout = 30 * time.Second
	}
	if c.CleanupWait <= 0 {
		c.CleanupWait = 3 * time.Second
	}
}

type coordinatorState int

const (
	stateIdle coordinatorState = iota
	stateStarting
	stateActive
)

type triggerKind int

const (
	triggerStart triggerKind = iota
	triggerStop
	triggerSignal
)

// trigger is the single entry point into the coordinator loop. Command
// execution, session feed rows, and bus messages all become one of
// these.
type trigger struct {
	kind      triggerKind
	sessionID string
	msg       *signal.Message // for triggerSignal
	reply     chan error      // nil for fire-and-forget triggers
}

// Coordinator keeps exactly one live-view session active per device
// and reports a session started only once the local side has actually
// sent negotiation data. All state lives in the Run goroutine; the
// tracked-session guard is the only mutual exclusion in the design.
type Coordinator struct {
	deviceID string
	sessions repository.SessionRepository
	bus      *signal.Bus
	capture  Capture
	cfg      Config

	triggers chan trigger

	// Loop-owned state. Never touched outside Run.
	state      coordinatorState
	tracked    string
	reloaded   bool
	sessionCtx context.Context
	sessionEnd context.CancelFunc
}

// NewCoordinator creates a device session coordinator.
func NewCoordinator(deviceID string, sessions repository.SessionRepository, bus *signal.Bus, capture Capture, cfg Config) *Coordinator {
	cfg.applyDefaults()
	return &Coordinator{
		deviceID: deviceID,
		sessions: sessions,
		bus:      bus,
		capture:  capture,
		cfg:      cfg,
		triggers: make(chan trigger, 32),
	}
}

// Execute implements dispatcher.Executor for the live-view commands.
func (c *Coordinator) Execute(ctx context.Context, cmd *domain.Command) error {
	switch cmd.Name {
	case domain.CommandStartLiveView:
		if cmd.SessionID == "" {
			return fmt.Errorf("%s command %s carries no session id", cmd.Name, cmd.ID)
		}
		return c.StartSession(ctx, cmd.SessionID)
	case domain.CommandStopLiveView:
		return c.StopSession(ctx, cmd.SessionID)
	default:
		return fmt.Errorf("unknown command %q", cmd.Name)
	}
}

// StartSession requests a live-view start and waits for the outcome:
// nil once the offer went out (or the session is already tracked),
// an error when capture failed or the start timed out.
func (c *Coordinator) StartSession(ctx context.Context, sessionID string) error {
	reply := make(chan error, 1)
	select {
	case c.triggers <- trigger{kind: triggerStart, sessionID: sessionID, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopSession requests teardown of the given session (or whatever is
// tracked when sessionID is empty). Stopping a session that is not
// tracked is a no-op, not an error.
func (c *Coordinator) StopSession(ctx context.Context, sessionID string) error {
	reply := make(chan error, 1)
	select {
	case c.triggers <- trigger{kind: triggerStop, sessionID: sessionID, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WatchSessions converts pending session rows from the record feed
// into start triggers. A row observed here and the matching
// START_LIVE_VIEW command observed by the dispatcher collapse to one
// start sequence through the tracked-session guard.
func (c *Coordinator) WatchSessions(ctx context.Context, sub pubsub.Subscriber) error {
	channel := repository.SessionFeedChannel(c.deviceID)
	events, err := sub.Subscribe(ctx, channel)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe(ctx, channel)

	l := log.Ctx(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if event.Type != repository.EventSessionCreated {
				continue
			}
			var session domain.Session
			if err := event.UnmarshalPayload(&session); err != nil {
				l.Warn().Err(err).Msg("malformed session feed event")
				continue
			}
			if session.Status != domain.SessionStatusPending {
				continue
			}
			select {
			case c.triggers <- trigger{kind: triggerStart, sessionID: session.ID}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Run is the coordinator event loop. It owns all session state and
// must be the only goroutine mutating it.
func (c *Coordinator) Run(ctx context.Context) error {
	l := log.Ctx(ctx).With().Str(log.FieldDeviceID, c.deviceID).Logger()
	ctx = log.WithLogger(ctx, l)

	for {
		select {
		case <-ctx.Done():
			if c.tracked != "" {
				c.teardown(context.WithoutCancel(ctx), signal.StopReasonManual, "")
			}
			return ctx.Err()

		case t := <-c.triggers:
			c.dispatchTrigger(ctx, t)

		case ev, ok := <-c.capture.Events():
			if !ok {
				return fmt.Errorf("capture event stream closed")
			}
			c.handleCaptureEvent(ctx, ev)
		}
	}
}

func (c *Coordinator) dispatchTrigger(ctx context.Context, t trigger) {
	var err error
	switch t.kind {
	case triggerStart:
		err = c.handleStart(ctx, t.sessionID)
	case triggerStop:
		err = c.handleStop(ctx, t.sessionID, "")
	case triggerSignal:
		c.handleSignal(ctx, t.msg)
	}
	if t.reply != nil {
		t.reply <- err
	}
}

// handleStart runs the cleanup-then-start sequence for a new session.
func (c *Coordinator) handleStart(ctx context.Context, sessionID string) error {
	l := log.Ctx(ctx)

	// Dedup guard: the same session id never triggers a second start,
	// whichever of the feed, the poll, or the command got here first.
	if c.tracked == sessionID && c.state != stateIdle {
		l.Debug().Str(log.FieldSessionID, sessionID).Msg("start already handled for session")
		return nil
	}

	if c.tracked != "" {
		c.cleanupTracked(ctx)
	}

	return c.startSession(ctx, sessionID)
}

// cleanupTracked signals local teardown of the current session and
// waits a bounded time for confirmation. On timeout the new start
// proceeds anyway.
func (c *Coordinator) cleanupTracked(ctx context.Context) {
	l := log.Ctx(ctx)
	old := c.tracked

	l.Info().Str(log.FieldSessionID, old).Msg("cleaning up session before new start")
	if err := c.capture.RequestStop(ctx, old); err != nil {
		l.Warn().Err(err).Str(log.FieldSessionID, old).Msg("capture stop request failed during cleanup")
	}

	deadline := time.NewTimer(c.cfg.CleanupWait)
	defer deadline.Stop()
waiting:
	for {
		select {
		case <-ctx.Done():
			break waiting
		case <-deadline.C:
			l.Warn().Str(log.FieldSessionID, old).Msg("cleanup confirmation timed out, proceeding with new start")
			break waiting
		case ev := <-c.capture.Events():
			if ev.Kind == CaptureStopped && ev.SessionID == old {
				break waiting
			}
		}
	}

	c.teardown(ctx, "", domain.FailReasonSuperseded)
}

// startSession drives one start attempt to offer-sent or failure.
func (c *Coordinator) startSession(ctx context.Context, sessionID string) error {
	l := log.Ctx(ctx)

	c.tracked = sessionID
	c.state = stateStarting
	c.reloaded = false
	c.sessionCtx, c.sessionEnd = context.WithCancel(ctx)

	if err := c.subscribeSignals(sessionID); err != nil {
		l.Warn().Err(err).Str(log.FieldSessionID, sessionID).Msg("failed to subscribe session signals")
		// Negotiation answers would be lost; fail the start rather
		// than produce a session nobody can answer.
		c.failStart(ctx, sessionID, domain.FailReasonStartFailed)
		return fmt.Errorf("session signal subscription failed: %w", err)
	}

	if err := c.capture.RequestStart(ctx, sessionID); err != nil {
		c.failStart(ctx, sessionID, domain.FailReasonStartFailed)
		return fmt.Errorf("capture start request failed: %w", err)
	}

	return c.waitForOffer(ctx, sessionID)
}

// waitForOffer blocks the loop (bounded) until capture confirms the
// offer, fails, or the timeout fires. Triggers keep draining meanwhile
// so a stop cancels the attempt immediately instead of queueing behind
// the full start timeout.
func (c *Coordinator) waitForOffer(ctx context.Context, sessionID string) error {
	l := log.Ctx(ctx)

	timeout := time.NewTimer(c.cfg.StartTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			c.failStart(ctx, sessionID, domain.FailReasonStartFailed)
			return ctx.Err()

		case t := <-c.triggers:
			if abort, err := c.interruptStart(ctx, sessionID, t); abort {
				return err
			}

		case <-timeout.C:
			l.Warn().Str(log.FieldSessionID, sessionID).Msg("no offer within start timeout")
			if err := c.capture.RequestStop(ctx, sessionID); err != nil {
				l.Debug().Err(err).Msg("capture stop after timeout failed")
			}
			c.failStart(ctx, sessionID, domain.FailReasonStartTimeout)
			return fmt.Errorf("no offer sent for session %s within %s", sessionID, c.cfg.StartTimeout)

		case ev := <-c.capture.Events():
			switch {
			case ev.SessionID != sessionID:
				l.Debug().Str(log.FieldSessionID, ev.SessionID).Msg("ignoring capture event for stale session")

			case ev.Kind == CaptureOfferReady:
				return c.completeStart(ctx, sessionID, ev)

			case ev.Kind == CaptureStartFailed:
				l.Warn().Err(ev.Err).Str(log.FieldSessionID, sessionID).Msg("capture start failed")
				c.failStart(ctx, sessionID, domain.FailReasonStartFailed)
				return fmt.Errorf("capture start failed: %w", ev.Err)

			case ev.Kind == CaptureCrashed:
				if err := c.recoverCrash(ctx, sessionID, ev); err != nil {
					c.failStart(ctx, sessionID, domain.FailReasonStartFailed)
					return err
				}
				// Retry underway; keep waiting on the same timer.
			}
		}
	}
}

// interruptStart weighs a trigger arriving while a start waits for its
// offer. A stop for the starting session cancels the attempt, a start
// for a different session supersedes it, everything else is handled in
// place.
func (c *Coordinator) interruptStart(ctx context.Context, sessionID string, t trigger) (bool, error) {
	l := log.Ctx(ctx)

	switch t.kind {
	case triggerStop:
		if t.sessionID != "" && t.sessionID != sessionID {
			l.Debug().Str(log.FieldSessionID, t.sessionID).Msg("stop for untracked session, nothing to do")
			if t.reply != nil {
				t.reply <- nil
			}
			return false, nil
		}
		l.Info().Str(log.FieldSessionID, sessionID).Msg("stop received, cancelling start attempt")
		if err := c.capture.RequestStop(ctx, sessionID); err != nil {
			l.Warn().Err(err).Str(log.FieldSessionID, sessionID).Msg("capture stop request failed")
		}
		c.teardown(ctx, "", "")
		if t.reply != nil {
			t.reply <- nil
		}
		return true, fmt.Errorf("start of session %s cancelled by stop", sessionID)

	case triggerStart:
		if t.sessionID == sessionID {
			// Collapses with the attempt underway.
			if t.reply != nil {
				t.reply <- nil
			}
			return false, nil
		}
		// A newer session takes the device. Abort this attempt and hand
		// the start back to the loop.
		l.Info().Str(log.FieldSessionID, t.sessionID).Msg("new start supersedes starting session")
		if err := c.capture.RequestStop(ctx, sessionID); err != nil {
			l.Warn().Err(err).Str(log.FieldSessionID, sessionID).Msg("capture stop request failed")
		}
		c.teardown(ctx, "", domain.FailReasonSuperseded)
		select {
		case c.triggers <- t:
		default:
			if t.reply != nil {
				t.reply <- fmt.Errorf("coordinator overloaded, start of %s dropped", t.sessionID)
			}
		}
		return true, fmt.Errorf("session %s superseded during start", sessionID)

	case triggerSignal:
		if t.msg != nil && t.msg.SessionID == sessionID && t.msg.Kind == signal.KindStop {
			reason := ""
			if t.msg.StopReason() == signal.StopReasonFailure {
				reason = domain.FailReasonNegotiation
			}
			l.Info().Str(log.FieldSessionID, sessionID).Str("reason", t.msg.StopReason()).Msg("stop observed during start")
			if err := c.capture.RequestStop(ctx, sessionID); err != nil {
				l.Warn().Err(err).Str(log.FieldSessionID, sessionID).Msg("capture stop request failed")
			}
			c.teardown(ctx, "", reason)
			return true, fmt.Errorf("start of session %s cancelled over signaling", sessionID)
		}
		c.handleSignal(ctx, t.msg)
	}
	return false, nil
}

// completeStart flips the session to active and publishes the offer.
// The durable row is authoritative: a row that ended while capture was
// starting aborts the attempt instead of going live without a record.
func (c *Coordinator) completeStart(ctx context.Context, sessionID string, ev CaptureEvent) error {
	l := log.Ctx(ctx)

	active, err := c.sessions.MarkActive(ctx, sessionID)
	if err != nil {
		l.Warn().Err(err).Str(log.FieldSessionID, sessionID).Msg("failed to mark session active")
	} else if !active {
		// Ended underneath us, e.g. the viewer stopped or a newer
		// session superseded this one before the offer went out.
		l.Warn().Str(log.FieldSessionID, sessionID).Msg("session ended before activation, aborting start")
		if err := c.capture.RequestStop(ctx, sessionID); err != nil {
			l.Debug().Err(err).Msg("capture stop after aborted activation failed")
		}
		c.teardown(ctx, "", "")
		return fmt.Errorf("session %s ended before activation", sessionID)
	}

	if err := c.bus.PublishOffer(ctx, sessionID, ev.Offer); err != nil {
		l.Error().Err(err).Str(log.FieldSessionID, sessionID).Msg("failed to publish offer")
		c.failStart(ctx, sessionID, domain.FailReasonStartFailed)
		return fmt.Errorf("failed to publish offer: %w", err)
	}

	if n, err := c.sessions.EndOlderForDevice(ctx, c.deviceID, sessionID); err != nil {
		l.Warn().Err(err).Msg("failed to end superseded sessions")
	} else if n > 0 {
		l.Info().Int("count", n).Msg("ended superseded sessions")
	}

	c.state = stateActive
	l.Info().Str(log.FieldSessionID, sessionID).Msg("live view active, offer sent")
	return nil
}

// recoverCrash performs the single bounded reload-and-retry after an
// abnormal loss of the local execution context.
func (c *Coordinator) recoverCrash(ctx context.Context, sessionID string, ev CaptureEvent) error {
	l := log.Ctx(ctx)

	if c.reloaded {
		l.Error().Err(ev.Err).Str(log.FieldSessionID, sessionID).Msg("capture crashed again after reload, giving up")
		return fmt.Errorf("capture crashed after reload: %w", ev.Err)
	}
	c.reloaded = true

	l.Warn().Err(ev.Err).Str(log.FieldSessionID, sessionID).Msg("capture crashed, reloading once")
	if err := c.capture.Reload(ctx); err != nil {
		return fmt.Errorf("capture reload failed: %w", err)
	}
	if err := c.capture.RequestStart(ctx, sessionID); err != nil {
		return fmt.Errorf("capture restart after reload failed: %w", err)
	}
	return nil
}

// handleStop tears down the tracked session. The reply is sent once
// teardown is requested; confirmation is best-effort.
func (c *Coordinator) handleStop(ctx context.Context, sessionID, failReason string) error {
	l := log.Ctx(ctx)

	if c.tracked == "" || (sessionID != "" && sessionID != c.tracked) {
		l.Debug().Str(log.FieldSessionID, sessionID).Msg("stop for untracked session, nothing to do")
		return nil
	}

	if err := c.capture.RequestStop(ctx, c.tracked); err != nil {
		l.Warn().Err(err).Str(log.FieldSessionID, c.tracked).Msg("capture stop request failed")
	}
	c.teardown(ctx, "", failReason)
	return nil
}

// handleSignal processes a bus message for the tracked session.
func (c *Coordinator) handleSignal(ctx context.Context, msg *signal.Message) {
	l := log.Ctx(ctx)

	if msg == nil || msg.SessionID != c.tracked || c.state == stateIdle {
		return
	}

	switch msg.Kind {
	case signal.KindAnswer:
		if err := c.capture.HandleAnswer(ctx, msg.SessionID, msg.Payload); err != nil {
			l.Warn().Err(err).Str(log.FieldSessionID, msg.SessionID).Msg("failed to apply answer")
		}
	case signal.KindCandidate:
		if err := c.capture.AddCandidate(ctx, msg.SessionID, msg.Payload); err != nil {
			l.Warn().Err(err).Str(log.FieldSessionID, msg.SessionID).Msg("failed to apply candidate")
		}
	case signal.KindStop:
		reason := ""
		if msg.StopReason() == signal.StopReasonFailure {
			reason = domain.FailReasonNegotiation
		}
		if err := c.handleStop(ctx, msg.SessionID, reason); err != nil {
			l.Warn().Err(err).Msg("bus stop handling failed")
		}
	case signal.KindOffer:
		// Our own offer echoed back.
	}
}

// handleCaptureEvent processes capture signals arriving outside a
// start wait, i.e. while idle or active.
func (c *Coordinator) handleCaptureEvent(ctx context.Context, ev CaptureEvent) {
	l := log.Ctx(ctx)

	if ev.SessionID != c.tracked || c.tracked == "" {
		return
	}

	switch ev.Kind {
	case CaptureCrashed:
		if err := c.recoverCrash(ctx, c.tracked, ev); err != nil {
			l.Error().Err(err).Str(log.FieldSessionID, c.tracked).Msg("session lost to capture crash")
			c.teardown(ctx, signal.StopReasonFailure, domain.FailReasonStartFailed)
			return
		}
		// The retry behaves like a fresh start attempt.
		c.state = stateStarting
		if err := c.waitForOffer(ctx, c.tracked); err != nil {
			l.Warn().Err(err).Msg("restart after crash failed")
		}

	case CaptureStartFailed:
		l.Warn().Err(ev.Err).Str(log.FieldSessionID, c.tracked).Msg("capture reported failure")
		c.teardown(ctx, signal.StopReasonFailure, domain.FailReasonStartFailed)

	case CaptureStopped:
		l.Debug().Str(log.FieldSessionID, c.tracked).Msg("capture confirmed teardown")
	}
}

// teardown clears the tracked session, ends its row, announces the
// stop on the bus when stopReason is set, and drops the signal
// subscription.
func (c *Coordinator) teardown(ctx context.Context, stopReason, failReason string) {
	l := log.Ctx(ctx)
	sessionID := c.tracked
	if sessionID == "" {
		return
	}

	if stopReason != "" {
		if err := c.bus.PublishStop(ctx, sessionID, stopReason); err != nil {
			l.Debug().Err(err).Str(log.FieldSessionID, sessionID).Msg("failed to publish stop")
		}
	}
	if _, err := c.sessions.End(ctx, sessionID, failReason); err != nil {
		l.Warn().Err(err).Str(log.FieldSessionID, sessionID).Msg("failed to end session row")
	}

	if c.sessionEnd != nil {
		c.sessionEnd()
		c.sessionEnd = nil
	}
	if err := c.bus.Unsubscribe(ctx, sessionID); err != nil {
		l.Debug().Err(err).Msg("signal unsubscribe failed")
	}

	c.tracked = ""
	c.state = stateIdle
	c.reloaded = false
	l.Info().Str(log.FieldSessionID, sessionID).Msg("session cleared")
}

// failStart is teardown for a start attempt that never went active.
func (c *Coordinator) failStart(ctx context.Context, sessionID, failReason string) {
	if c.tracked != sessionID {
		return
	}
	c.teardown(ctx, "", failReason)
}

// subscribeSignals forwards bus messages for the session into the
// trigger channel so the loop stays the single consumer of state.
func (c *Coordinator) subscribeSignals(sessionID string) error {
	sessionCtx := c.sessionCtx
	msgs, err := c.bus.Subscribe(sessionCtx, sessionID)
	if err != nil {
		return err
	}

	go func() {
		for msg := range msgs {
			select {
			case c.triggers <- trigger{kind: triggerSignal, sessionID: msg.SessionID, msg: msg}:
			case <-sessionCtx.Done():
				return
			}
		}
	}()
	return nil
}
