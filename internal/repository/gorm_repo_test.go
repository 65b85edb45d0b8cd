package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/homeglance/liveview/internal/domain"
	"github.com/homeglance/liveview/pkg/pubsub"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=private"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.SessionModel{}, &domain.CommandModel{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func TestSessionLifecycleGuards(t *testing.T) {
	ctx := context.Background()
	repo := NewGormSessionRepository(testDB(t), nil)

	session := &domain.Session{DeviceID: "dev1", ViewerID: "viewer1"}
	if err := repo.Create(ctx, session); err != nil {
		t.Fatal(err)
	}
	if session.ID == "" {
		t.Fatal("create did not assign an id")
	}

	got, err := repo.GetByID(ctx, session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.SessionStatusPending {
		t.Fatalf("fresh session status = %s, want pending", got.Status)
	}

	// pending -> active exactly once.
	if ok, err := repo.MarkActive(ctx, session.ID); err != nil || !ok {
		t.Fatalf("MarkActive() = %v, %v, want true", ok, err)
	}
	if ok, _ := repo.MarkActive(ctx, session.ID); ok {
		t.Fatal("second MarkActive must be a no-op")
	}

	// First end wins; the recorded fail reason is never overwritten.
	if ok, err := repo.End(ctx, session.ID, domain.FailReasonNegotiation); err != nil || !ok {
		t.Fatalf("End() = %v, %v, want true", ok, err)
	}
	if ok, _ := repo.End(ctx, session.ID, domain.FailReasonStartTimeout); ok {
		t.Fatal("second End must be a no-op")
	}
	got, _ = repo.GetByID(ctx, session.ID)
	if got.Status != domain.SessionStatusEnded || got.FailReason != domain.FailReasonNegotiation {
		t.Fatalf("ended session = %+v, want negotiation_failed kept", got)
	}
	if got.EndedAt == nil {
		t.Fatal("ended session has no ended_at")
	}

	// Ending an ended session cannot resurrect activation either.
	if ok, _ := repo.MarkActive(ctx, session.ID); ok {
		t.Fatal("MarkActive after End must be a no-op")
	}
}

func TestEndOlderForDeviceSupersedes(t *testing.T) {
	ctx := context.Background()
	repo := NewGormSessionRepository(testDB(t), nil)

	old1 := &domain.Session{DeviceID: "dev1", ViewerID: "viewer1"}
	old2 := &domain.Session{DeviceID: "dev1", ViewerID: "viewer2"}
	other := &domain.Session{DeviceID: "dev2", ViewerID: "viewer3"}
	keep := &domain.Session{DeviceID: "dev1", ViewerID: "viewer1"}
	newer := &domain.Session{DeviceID: "dev1", ViewerID: "viewer2"}
	for _, s := range []*domain.Session{old1, old2, other, keep, newer} {
		if err := repo.Create(ctx, s); err != nil {
			t.Fatal(err)
		}
		// Distinct created_at values; the sweep orders by creation time.
		time.Sleep(time.Millisecond)
	}
	repo.MarkActive(ctx, old1.ID)

	n, err := repo.EndOlderForDevice(ctx, "dev1", keep.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("EndOlderForDevice ended %d sessions, want 2", n)
	}

	for _, id := range []string{old1.ID, old2.ID} {
		got, _ := repo.GetByID(ctx, id)
		if got.Status != domain.SessionStatusEnded || got.FailReason != domain.FailReasonSuperseded {
			t.Fatalf("session %s = %+v, want ended superseded", id, got)
		}
	}
	if got, _ := repo.GetByID(ctx, keep.ID); got.Status != domain.SessionStatusPending {
		t.Fatal("kept session must stay untouched")
	}
	if got, _ := repo.GetByID(ctx, other.ID); got.Status != domain.SessionStatusPending {
		t.Fatal("other device's session must stay untouched")
	}
	// A session created after the kept one is not superseded by it.
	if got, _ := repo.GetByID(ctx, newer.ID); got.Status != domain.SessionStatusPending {
		t.Fatal("newer session must survive the sweep")
	}

	live, err := repo.ActiveByDevice(ctx, "dev1")
	if err != nil {
		t.Fatal(err)
	}
	if len(live) != 2 || live[0].ID != newer.ID || live[1].ID != keep.ID {
		t.Fatalf("ActiveByDevice = %+v, want the newer then the kept session", live)
	}
}

func TestCommandResolveOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewGormCommandRepository(testDB(t), nil)

	cmd := &domain.Command{DeviceID: "dev1", Name: domain.CommandStartLiveView, SessionID: "s1"}
	if err := repo.Create(ctx, cmd); err != nil {
		t.Fatal(err)
	}

	unhandled, err := repo.ListUnhandled(ctx, "dev1")
	if err != nil {
		t.Fatal(err)
	}
	if len(unhandled) != 1 || unhandled[0].ID != cmd.ID {
		t.Fatalf("ListUnhandled = %+v", unhandled)
	}

	if ok, err := repo.Resolve(ctx, cmd.ID, domain.CommandStatusFailed, "start timed out"); err != nil || !ok {
		t.Fatalf("Resolve() = %v, %v, want true", ok, err)
	}
	// The losing observer of a feed/poll race changes nothing.
	if ok, _ := repo.Resolve(ctx, cmd.ID, domain.CommandStatusCompleted, ""); ok {
		t.Fatal("second Resolve must be a no-op")
	}

	got, err := repo.GetByID(ctx, cmd.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Handled || got.Status != domain.CommandStatusFailed || got.ErrorMessage != "start timed out" {
		t.Fatalf("resolved command = %+v", got)
	}
	if got.HandledAt == nil {
		t.Fatal("resolved command has no handled_at")
	}

	if list, _ := repo.ListUnhandled(ctx, "dev1"); len(list) != 0 {
		t.Fatalf("resolved command still listed as unhandled: %+v", list)
	}

	if _, err := repo.GetByID(ctx, "no-such-command"); !errors.Is(err, ErrCommandNotFound) {
		t.Fatalf("GetByID missing = %v, want ErrCommandNotFound", err)
	}
}

func TestCreatePublishesChangeFeedEvent(t *testing.T) {
	ctx := context.Background()
	ps := pubsub.NewMemoryPubSub()

	events, err := ps.Subscribe(ctx, CommandFeedChannel("dev1"))
	if err != nil {
		t.Fatal(err)
	}

	repo := NewGormCommandRepository(testDB(t), ps)
	cmd := &domain.Command{DeviceID: "dev1", Name: domain.CommandStopLiveView}
	if err := repo.Create(ctx, cmd); err != nil {
		t.Fatal(err)
	}

	select {
	case event := <-events:
		if event.Type != EventCommandCreated || event.Key != "dev1" {
			t.Fatalf("unexpected feed event: %+v", event)
		}
		var got domain.Command
		if err := event.UnmarshalPayload(&got); err != nil {
			t.Fatal(err)
		}
		if got.ID != cmd.ID {
			t.Fatalf("feed carried command %q, want %q", got.ID, cmd.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no change feed event published")
	}
}
