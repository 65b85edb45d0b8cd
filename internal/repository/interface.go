package repository

import (
	"context"
	"errors"

	"github.com/homeglance/liveview/internal/domain"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrCommandNotFound = errors.New("command not found")
)

// SessionRepository provides durable access to session rows.
// Update operations are conditional on the current status so that
// re-applying a transition is a no-op, never an error.
type SessionRepository interface {
	Create(ctx context.Context, session *domain.Session) error
	GetByID(ctx context.Context, id string) (*domain.Session, error)

	// MarkActive moves a pending session to active. It returns false
	// without error when the session is no longer pending.
	MarkActive(ctx context.Context, id string) (bool, error)

	// End moves a session to ended, recording failReason when the end
	// is abnormal. Ending an already-ended session is a no-op.
	End(ctx context.Context, id, failReason string) (bool, error)

	// ActiveByDevice returns pending or active sessions for a device,
	// newest first.
	ActiveByDevice(ctx context.Context, deviceID string) ([]domain.Session, error)

	// EndOlderForDevice ends every pending or active session for the
	// device except keepID, marking them superseded.
	EndOlderForDevice(ctx context.Context, deviceID, keepID string) (int, error)
}

// CommandRepository provides durable access to command rows.
type CommandRepository interface {
	Create(ctx context.Context, cmd *domain.Command) error
	GetByID(ctx context.Context, id string) (*domain.Command, error)

	// ListUnhandled returns unresolved commands for a device, oldest
	// first, for the polling fallback.
	ListUnhandled(ctx context.Context, deviceID string) ([]domain.Command, error)

	// Resolve marks a command completed or failed. The update is
	// guarded on handled = false; a second resolution returns false
	// and changes nothing.
	Resolve(ctx context.Context, id string, status domain.CommandStatus, errMsg string) (bool, error)
}
