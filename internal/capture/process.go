package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/homeglance/liveview/internal/device"
	"github.com/homeglance/liveview/pkg/log"
)

// ProcessCapture drives the media helper as the home device's capture
// subsystem. One helper process serves consecutive sessions; an
// unexpected exit surfaces as CaptureCrashed and Reload replaces the
// process.
type ProcessCapture struct {
	cfg    Config
	events chan device.CaptureEvent

	mu      sync.Mutex
	proc    *proc
	current string // session the helper was last asked to start
	closed  bool
}

var _ device.Capture = (*ProcessCapture)(nil)

// NewProcessCapture launches the helper and returns the capture
// adapter. Close releases the process.
func NewProcessCapture(cfg Config) (*ProcessCapture, error) {
	c := &ProcessCapture{
		cfg:    cfg,
		events: make(chan device.CaptureEvent, 16),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.spawnLocked(); err != nil {
		return nil, err
	}
	return c, nil
}

// spawnLocked launches a fresh helper. Caller holds c.mu.
func (c *ProcessCapture) spawnLocked() error {
	p, err := startProc(c.cfg, c.handleWire, c.handleExit)
	if err != nil {
		return err
	}
	c.proc = p
	return nil
}

func (c *ProcessCapture) handleWire(ev wireEvent) {
	var out device.CaptureEvent
	switch ev.Event {
	case evOfferReady:
		out = device.CaptureEvent{Kind: device.CaptureOfferReady, SessionID: ev.SessionID, Offer: ev.Payload}
	case evStartFailed:
		out = device.CaptureEvent{Kind: device.CaptureStartFailed, SessionID: ev.SessionID, Err: helperError(ev.Error)}
	case evStopped:
		out = device.CaptureEvent{Kind: device.CaptureStopped, SessionID: ev.SessionID}
		c.mu.Lock()
		if c.current == ev.SessionID {
			c.current = ""
		}
		c.mu.Unlock()
	default:
		log.L().Debug().Str("event", ev.Event).Msg("unhandled media helper event")
		return
	}
	c.events <- out
}

// handleExit converts an unexpected process death into a crash event
// for whichever session the helper was serving. Exits caused by Reload
// or Close are silent.
func (c *ProcessCapture) handleExit(p *proc, exitErr error) {
	c.mu.Lock()
	if c.closed || c.proc != p {
		c.mu.Unlock()
		return
	}
	c.proc = nil
	session := c.current
	c.mu.Unlock()

	if exitErr == nil {
		exitErr = errHelperGone
	}
	c.events <- device.CaptureEvent{
		Kind:      device.CaptureCrashed,
		SessionID: session,
		Err:       fmt.Errorf("media helper exited: %w", exitErr),
	}
}

// send writes one request, respawning the helper if it died while the
// device was idle.
func (c *ProcessCapture) send(req wireRequest) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errHelperGone
	}
	if c.proc == nil {
		if err := c.spawnLocked(); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	p := c.proc
	c.mu.Unlock()
	return p.send(req)
}

func (c *ProcessCapture) RequestStart(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.current = sessionID
	c.mu.Unlock()
	return c.send(wireRequest{Op: opStart, SessionID: sessionID})
}

func (c *ProcessCapture) RequestStop(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.send(wireRequest{Op: opStop, SessionID: sessionID})
}

func (c *ProcessCapture) HandleAnswer(ctx context.Context, sessionID string, answer json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.send(wireRequest{Op: opAnswer, SessionID: sessionID, Payload: answer})
}

func (c *ProcessCapture) AddCandidate(ctx context.Context, sessionID string, candidate json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.send(wireRequest{Op: opCandidate, SessionID: sessionID, Payload: candidate})
}

// Reload replaces the helper process after a crash. The caller issues
// its own RequestStart afterwards.
func (c *ProcessCapture) Reload(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errHelperGone
	}
	if c.proc != nil {
		old := c.proc
		c.proc = nil
		old.kill()
	}
	return c.spawnLocked()
}

func (c *ProcessCapture) Events() <-chan device.CaptureEvent {
	return c.events
}

// Close terminates the helper. Safe to call more than once.
func (c *ProcessCapture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.proc != nil {
		c.proc.kill()
		c.proc = nil
	}
	return nil
}
