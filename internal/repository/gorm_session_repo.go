package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/homeglance/liveview/internal/domain"
	"github.com/homeglance/liveview/pkg/log"
	"github.com/homeglance/liveview/pkg/pubsub"
)

// GormSessionRepository implements SessionRepository using GORM.
type GormSessionRepository struct {
	db  *gorm.DB
	pub pubsub.Publisher
}

// NewGormSessionRepository creates a new GORM-based session repository.
// pub may be nil when no change feed is wired.
func NewGormSessionRepository(db *gorm.DB, pub pubsub.Publisher) *GormSessionRepository {
	return &GormSessionRepository{db: db, pub: pub}
}

// Create creates a new session row in pending state and announces it
// on the session change feed.
func (r *GormSessionRepository) Create(ctx context.Context, session *domain.Session) error {
	l := log.Ctx(ctx)

	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	session.Status = domain.SessionStatusPending

	model := domain.SessionToModel(session)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		l.Error().Err(err).Str(log.FieldDeviceID, session.DeviceID).Msg("failed to create session in db")
		return err
	}
	session.CreatedAt = model.CreatedAt

	notifySessionCreated(ctx, r.pub, session)
	l.Debug().Str(log.FieldSessionID, session.ID).Msg("session created in db")
	return nil
}

// GetByID retrieves a session by ID.
func (r *GormSessionRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	var model domain.SessionModel
	result := r.db.WithContext(ctx).First(&model, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		log.Ctx(ctx).Error().Err(result.Error).Str(log.FieldSessionID, id).Msg("failed to get session by id")
		return nil, result.Error
	}
	return model.ToDomain(), nil
}

// MarkActive moves a pending session to active. The guard on the
// current status makes a second activation, or activation after the
// session ended, a silent no-op.
func (r *GormSessionRepository) MarkActive(ctx context.Context, id string) (bool, error) {
	result := r.db.WithContext(ctx).Model(&domain.SessionModel{}).
		Where("id = ? AND status = ?", id, string(domain.SessionStatusPending)).
		Update("status", string(domain.SessionStatusActive))
	if result.Error != nil {
		log.Ctx(ctx).Error().Err(result.Error).Str(log.FieldSessionID, id).Msg("failed to mark session active")
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// End moves a session to ended. Repeated ends are no-ops; the first
// writer wins and later fail reasons are not recorded over it.
func (r *GormSessionRepository) End(ctx context.Context, id, failReason string) (bool, error) {
	now := time.Now()
	updates := map[string]interface{}{
		"status":   string(domain.SessionStatusEnded),
		"ended_at": now,
	}
	if failReason != "" {
		updates["fail_reason"] = failReason
	}

	result := r.db.WithContext(ctx).Model(&domain.SessionModel{}).
		Where("id = ? AND status <> ?", id, string(domain.SessionStatusEnded)).
		Updates(updates)
	if result.Error != nil {
		log.Ctx(ctx).Error().Err(result.Error).Str(log.FieldSessionID, id).Msg("failed to end session")
		return false, result.Error
	}
	if result.RowsAffected > 0 {
		log.Ctx(ctx).Debug().Str(log.FieldSessionID, id).Str("fail_reason", failReason).Msg("session ended in db")
	}
	return result.RowsAffected > 0, nil
}

// ActiveByDevice returns pending or active sessions for a device,
// newest first.
func (r *GormSessionRepository) ActiveByDevice(ctx context.Context, deviceID string) ([]domain.Session, error) {
	var models []domain.SessionModel
	result := r.db.WithContext(ctx).
		Where("device_id = ? AND status IN ?", deviceID,
			[]string{string(domain.SessionStatusPending), string(domain.SessionStatusActive)}).
		Order("created_at DESC").
		Find(&models)
	if result.Error != nil {
		log.Ctx(ctx).Error().Err(result.Error).Str(log.FieldDeviceID, deviceID).Msg("failed to list active sessions")
		return nil, result.Error
	}

	sessions := make([]domain.Session, len(models))
	for i, model := range models {
		sessions[i] = *model.ToDomain()
	}
	return sessions, nil
}

// EndOlderForDevice ends live sessions for the device created before
// keepID. Used when a newer session supersedes the ones before it; a
// session created after keepID is never touched, it will supersede
// keepID itself in due course.
func (r *GormSessionRepository) EndOlderForDevice(ctx context.Context, deviceID, keepID string) (int, error) {
	now := time.Now()
	keptCreatedAt := r.db.Model(&domain.SessionModel{}).
		Select("created_at").Where("id = ?", keepID)
	result := r.db.WithContext(ctx).Model(&domain.SessionModel{}).
		Where("device_id = ? AND id <> ? AND status IN ? AND created_at < (?)", deviceID, keepID,
			[]string{string(domain.SessionStatusPending), string(domain.SessionStatusActive)},
			keptCreatedAt).
		Updates(map[string]interface{}{
			"status":      string(domain.SessionStatusEnded),
			"fail_reason": domain.FailReasonSuperseded,
			"ended_at":    now,
		})
	if result.Error != nil {
		log.Ctx(ctx).Error().Err(result.Error).Str(log.FieldDeviceID, deviceID).Msg("failed to end superseded sessions")
		return 0, result.Error
	}
	return int(result.RowsAffected), nil
}
