package device

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/homeglance/liveview/internal/domain"
	"github.com/homeglance/liveview/internal/repository"
	"github.com/homeglance/liveview/internal/signal"
	"github.com/homeglance/liveview/pkg/pubsub"
)

type fakeCapture struct {
	mu      sync.Mutex
	starts  []string
	stops   []string
	answers []string
	reloads int

	events chan CaptureEvent
	// autoOffer answers every start request with an offer event.
	autoOffer bool
}

func newFakeCapture() *fakeCapture {
	return &fakeCapture{events: make(chan CaptureEvent, 16)}
}

func (f *fakeCapture) RequestStart(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	f.starts = append(f.starts, sessionID)
	auto := f.autoOffer
	f.mu.Unlock()
	if auto {
		f.events <- CaptureEvent{Kind: CaptureOfferReady, SessionID: sessionID, Offer: json.RawMessage(`{"sdp":"v=0"}`)}
	}
	return nil
}

func (f *fakeCapture) RequestStop(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	f.stops = append(f.stops, sessionID)
	f.mu.Unlock()
	f.events <- CaptureEvent{Kind: CaptureStopped, SessionID: sessionID}
	return nil
}

func (f *fakeCapture) HandleAnswer(ctx context.Context, sessionID string, answer json.RawMessage) error {
	f.mu.Lock()
	f.answers = append(f.answers, sessionID)
	f.mu.Unlock()
	return nil
}

func (f *fakeCapture) AddCandidate(ctx context.Context, sessionID string, candidate json.RawMessage) error {
	return nil
}

func (f *fakeCapture) Reload(ctx context.Context) error {
	f.mu.Lock()
	f.reloads++
	f.mu.Unlock()
	return nil
}

func (f *fakeCapture) Events() <-chan CaptureEvent { return f.events }

func (f *fakeCapture) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

type fakeSessionRepo struct {
	mu   sync.Mutex
	rows map[string]*domain.Session
	seq  map[string]int
	next int
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{rows: make(map[string]*domain.Session), seq: make(map[string]int)}
}

func (r *fakeSessionRepo) put(s domain.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := s
	r.rows[s.ID] = &cp
	if _, ok := r.seq[s.ID]; !ok {
		r.next++
		r.seq[s.ID] = r.next
	}
}

func (r *fakeSessionRepo) get(id string) domain.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.rows[id]
}

func (r *fakeSessionRepo) Create(ctx context.Context, s *domain.Session) error {
	r.put(*s)
	return nil
}

func (r *fakeSessionRepo) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	cp := *row
	return &cp, nil
}

func (r *fakeSessionRepo) MarkActive(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok || row.Status != domain.SessionStatusPending {
		return false, nil
	}
	row.Status = domain.SessionStatusActive
	return true, nil
}

func (r *fakeSessionRepo) End(ctx context.Context, id, failReason string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok || row.Status == domain.SessionStatusEnded {
		return false, nil
	}
	now := time.Now()
	row.Status = domain.SessionStatusEnded
	row.FailReason = failReason
	row.EndedAt = &now
	return true, nil
}

func (r *fakeSessionRepo) ActiveByDevice(ctx context.Context, deviceID string) ([]domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Session
	for _, row := range r.rows {
		if row.DeviceID == deviceID && row.IsLive() {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (r *fakeSessionRepo) EndOlderForDevice(ctx context.Context, deviceID, keepID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, row := range r.rows {
		if row.DeviceID == deviceID && row.ID != keepID && row.IsLive() && r.seq[row.ID] < r.seq[keepID] {
			row.Status = domain.SessionStatusEnded
			row.FailReason = domain.FailReasonSuperseded
			n++
		}
	}
	return n, nil
}

type coordFixture struct {
	repo    *fakeSessionRepo
	capture *fakeCapture
	ps      *pubsub.MemoryPubSub
	bus     *signal.Bus
	coord   *Coordinator
	cancel  context.CancelFunc
	done    chan struct{}
}

func startCoordinator(t *testing.T, cfg Config) *coordFixture {
	t.Helper()
	f := &coordFixture{
		repo:    newFakeSessionRepo(),
		capture: newFakeCapture(),
		ps:      pubsub.NewMemoryPubSub(),
		done:    make(chan struct{}),
	}
	f.bus = signal.NewBus(f.ps)
	f.coord = NewCoordinator("dev1", f.repo, f.bus, f.capture, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() {
		f.coord.Run(ctx)
		close(f.done)
	}()
	t.Cleanup(func() {
		cancel()
		<-f.done
	})
	return f
}

func subscribeTopic(t *testing.T, ps *pubsub.MemoryPubSub, sessionID string) <-chan *pubsub.Event {
	t.Helper()
	events, err := ps.Subscribe(context.Background(), signal.SessionTopic(sessionID))
	if err != nil {
		t.Fatal(err)
	}
	return events
}

func waitSignal(t *testing.T, events <-chan *pubsub.Event, kind signal.Kind) *signal.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-events:
			var msg signal.Message
			if err := event.UnmarshalPayload(&msg); err != nil {
				continue
			}
			if msg.Kind == kind {
				return &msg
			}
		case <-deadline:
			t.Fatalf("no %s signal observed", kind)
		}
	}
}

func TestStartPublishesOfferAndActivates(t *testing.T) {
	f := startCoordinator(t, Config{})
	f.capture.autoOffer = true
	f.repo.put(domain.Session{ID: "s1", DeviceID: "dev1", Status: domain.SessionStatusPending})

	offers := subscribeTopic(t, f.ps, "s1")

	if err := f.coord.StartSession(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}

	waitSignal(t, offers, signal.KindOffer)
	if got := f.repo.get("s1").Status; got != domain.SessionStatusActive {
		t.Fatalf("session status = %s, want active", got)
	}
}

func TestDuplicateStartTriggersCollapse(t *testing.T) {
	f := startCoordinator(t, Config{})
	f.capture.autoOffer = true
	f.repo.put(domain.Session{ID: "s1", DeviceID: "dev1", Status: domain.SessionStatusPending})

	// The command path and the feed path both request the same start.
	if err := f.coord.StartSession(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	if err := f.coord.StartSession(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}

	if n := f.capture.startCount(); n != 1 {
		t.Fatalf("capture started %d times, want 1", n)
	}
}

func TestStartTimeoutFailsSession(t *testing.T) {
	f := startCoordinator(t, Config{StartTimeout: 50 * time.Millisecond})
	f.repo.put(domain.Session{ID: "s1", DeviceID: "dev1", Status: domain.SessionStatusPending})

	err := f.coord.StartSession(context.Background(), "s1")
	if err == nil {
		t.Fatal("start must fail when no offer arrives in time")
	}

	row := f.repo.get("s1")
	if row.Status != domain.SessionStatusEnded || row.FailReason != domain.FailReasonStartTimeout {
		t.Fatalf("session not ended with start_timeout: %+v", row)
	}
}

func TestNewStartSupersedesTrackedSession(t *testing.T) {
	f := startCoordinator(t, Config{CleanupWait: 200 * time.Millisecond})
	f.capture.autoOffer = true
	f.repo.put(domain.Session{ID: "s1", DeviceID: "dev1", Status: domain.SessionStatusPending})
	f.repo.put(domain.Session{ID: "s2", DeviceID: "dev1", Status: domain.SessionStatusPending})

	if err := f.coord.StartSession(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	if err := f.coord.StartSession(context.Background(), "s2"); err != nil {
		t.Fatal(err)
	}

	s1 := f.repo.get("s1")
	if s1.Status != domain.SessionStatusEnded || s1.FailReason != domain.FailReasonSuperseded {
		t.Fatalf("old session not superseded: %+v", s1)
	}
	if got := f.repo.get("s2").Status; got != domain.SessionStatusActive {
		t.Fatalf("new session status = %s, want active", got)
	}

	f.capture.mu.Lock()
	stoppedOld := len(f.capture.stops) > 0 && f.capture.stops[0] == "s1"
	f.capture.mu.Unlock()
	if !stoppedOld {
		t.Fatal("capture was not asked to stop the old session before the new start")
	}
}

func TestActivationAbortsWhenRowEnded(t *testing.T) {
	f := startCoordinator(t, Config{StartTimeout: 2 * time.Second})
	f.repo.put(domain.Session{ID: "s1", DeviceID: "dev1", Status: domain.SessionStatusPending})

	go func() {
		f.waitStarts(1)
		// The viewer side ended the row while capture was starting.
		f.repo.End(context.Background(), "s1", "")
		f.capture.events <- CaptureEvent{Kind: CaptureOfferReady, SessionID: "s1", Offer: json.RawMessage(`{"sdp":"v=0"}`)}
	}()

	if err := f.coord.StartSession(context.Background(), "s1"); err == nil {
		t.Fatal("start must fail when the session row ended before activation")
	}

	f.capture.mu.Lock()
	stopped := len(f.capture.stops)
	f.capture.mu.Unlock()
	if stopped == 0 {
		t.Fatal("capture was not asked to stop the aborted session")
	}

	// The device is free again for the next session.
	f.capture.autoOffer = true
	f.repo.put(domain.Session{ID: "s2", DeviceID: "dev1", Status: domain.SessionStatusPending})
	if err := f.coord.StartSession(context.Background(), "s2"); err != nil {
		t.Fatal(err)
	}
	if got := f.repo.get("s2").Status; got != domain.SessionStatusActive {
		t.Fatalf("followup session status = %s, want active", got)
	}
}

func TestStopCancelsStartInProgress(t *testing.T) {
	f := startCoordinator(t, Config{StartTimeout: 5 * time.Second})
	f.repo.put(domain.Session{ID: "s1", DeviceID: "dev1", Status: domain.SessionStatusPending})

	startErr := make(chan error, 1)
	go func() {
		startErr <- f.coord.StartSession(context.Background(), "s1")
	}()
	f.waitStarts(1)

	begin := time.Now()
	if err := f.coord.StopSession(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	if waited := time.Since(begin); waited > time.Second {
		t.Fatalf("stop waited %s behind the start attempt", waited)
	}

	select {
	case err := <-startErr:
		if err == nil {
			t.Fatal("cancelled start must report an error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("start did not return after the stop")
	}

	row := f.repo.get("s1")
	if row.Status != domain.SessionStatusEnded || row.FailReason != "" {
		t.Fatalf("session not ended cleanly: %+v", row)
	}
}

func TestStopEndsTrackedSession(t *testing.T) {
	f := startCoordinator(t, Config{})
	f.capture.autoOffer = true
	f.repo.put(domain.Session{ID: "s1", DeviceID: "dev1", Status: domain.SessionStatusPending})

	if err := f.coord.StartSession(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	if err := f.coord.StopSession(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}

	if got := f.repo.get("s1").Status; got != domain.SessionStatusEnded {
		t.Fatalf("session status = %s, want ended", got)
	}

	// A stop for a session nobody tracks is a quiet no-op.
	if err := f.coord.StopSession(context.Background(), "s-unknown"); err != nil {
		t.Fatal(err)
	}
}

func TestCrashDuringStartReloadsOnce(t *testing.T) {
	f := startCoordinator(t, Config{StartTimeout: 2 * time.Second})
	f.repo.put(domain.Session{ID: "s1", DeviceID: "dev1", Status: domain.SessionStatusPending})

	go func() {
		// First start attempt crashes; the retry gets its offer.
		f.waitStarts(1)
		f.capture.events <- CaptureEvent{Kind: CaptureCrashed, SessionID: "s1", Err: errors.New("renderer gone")}
		f.waitStarts(2)
		f.capture.events <- CaptureEvent{Kind: CaptureOfferReady, SessionID: "s1", Offer: json.RawMessage(`{"sdp":"v=0"}`)}
	}()

	if err := f.coord.StartSession(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}

	f.capture.mu.Lock()
	reloads, starts := f.capture.reloads, len(f.capture.starts)
	f.capture.mu.Unlock()
	if reloads != 1 || starts != 2 {
		t.Fatalf("reloads = %d starts = %d, want 1 reload and 2 starts", reloads, starts)
	}

	if got := f.repo.get("s1").Status; got != domain.SessionStatusActive {
		t.Fatalf("session status = %s, want active", got)
	}
}

func TestSecondCrashFailsStart(t *testing.T) {
	f := startCoordinator(t, Config{StartTimeout: 2 * time.Second})
	f.repo.put(domain.Session{ID: "s1", DeviceID: "dev1", Status: domain.SessionStatusPending})

	go func() {
		f.waitStarts(1)
		f.capture.events <- CaptureEvent{Kind: CaptureCrashed, SessionID: "s1", Err: errors.New("renderer gone")}
		f.waitStarts(2)
		f.capture.events <- CaptureEvent{Kind: CaptureCrashed, SessionID: "s1", Err: errors.New("renderer gone again")}
	}()

	if err := f.coord.StartSession(context.Background(), "s1"); err == nil {
		t.Fatal("start must fail after a second crash")
	}

	row := f.repo.get("s1")
	if row.Status != domain.SessionStatusEnded || row.FailReason != domain.FailReasonStartFailed {
		t.Fatalf("session not ended with start_failed: %+v", row)
	}
}

func TestBusStopWithFailureRecordsReason(t *testing.T) {
	f := startCoordinator(t, Config{})
	f.capture.autoOffer = true
	f.repo.put(domain.Session{ID: "s1", DeviceID: "dev1", Status: domain.SessionStatusPending})

	if err := f.coord.StartSession(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}

	if err := f.bus.PublishStop(context.Background(), "s1", signal.StopReasonFailure); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		row := f.repo.get("s1")
		if row.Status == domain.SessionStatusEnded {
			if row.FailReason != domain.FailReasonNegotiation {
				t.Fatalf("fail reason = %q, want %q", row.FailReason, domain.FailReasonNegotiation)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("bus stop never ended the session")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// waitStarts blocks until the capture has seen n start requests.
func (f *coordFixture) waitStarts(n int) {
	for {
		if f.capture.startCount() >= n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
}
