// Package capture bridges the session daemons to the external media
// helper that owns WebRTC negotiation and media transport. The daemons
// treat offers, answers, and candidates as opaque blobs; the helper is
// driven over its stdio with one JSON object per line.
package capture

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/homeglance/liveview/pkg/log"
)

// Config selects the media helper process. Args are passed verbatim.
type Config struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
}

// Operations sent to the helper.
const (
	opStart     = "start"
	opStop      = "stop"
	opOffer     = "offer"
	opAnswer    = "answer"
	opCandidate = "candidate"
)

// Events read from the helper.
const (
	evOfferReady  = "offer_ready"
	evAnswerReady = "answer"
	evCandidate   = "candidate"
	evConnected   = "connected"
	evStartFailed = "start_failed"
	evStopped     = "stopped"
	evFailed      = "failed"
)

type wireRequest struct {
	Op        string          `json:"op"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type wireEvent struct {
	Event     string          `json:"event"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

var errHelperGone = errors.New("media helper process exited")

func helperError(msg string) error {
	if msg == "" {
		msg = "unspecified media helper error"
	}
	return errors.New(msg)
}

// proc is one running helper process.
type proc struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	wmu   sync.Mutex // serializes stdin writes
	done  chan struct{}
}

// startProc launches the helper and pumps its stdout lines into
// onEvent. onExit fires exactly once when the process ends, with the
// Wait error if any.
func startProc(cfg Config, onEvent func(wireEvent), onExit func(*proc, error)) (*proc, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("helper stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("helper stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start media helper %q: %w", cfg.Command, err)
	}

	p := &proc{cmd: cmd, stdin: stdin, done: make(chan struct{})}

	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var ev wireEvent
			if err := json.Unmarshal(line, &ev); err != nil {
				log.L().Warn().Err(err).Msg("malformed media helper event")
				continue
			}
			onEvent(ev)
		}
	}()

	go func() {
		err := cmd.Wait()
		close(p.done)
		onExit(p, err)
	}()

	return p, nil
}

func (p *proc) send(req wireRequest) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	select {
	case <-p.done:
		return errHelperGone
	default:
	}
	if err := json.NewEncoder(p.stdin).Encode(req); err != nil {
		return fmt.Errorf("media helper write: %w", err)
	}
	return nil
}

// kill closes stdin to let the helper finish, then kills it.
func (p *proc) kill() {
	p.stdin.Close()
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
}
