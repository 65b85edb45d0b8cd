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

// GormCommandRepository implements CommandRepository using GORM.
type GormCommandRepository struct {
	db  *gorm.DB
	pub pubsub.Publisher
}

// NewGormCommandRepository creates a new GORM-based command repository.
// pub may be nil when no change feed is wired.
func NewGormCommandRepository(db *gorm.DB, pub pubsub.Publisher) *GormCommandRepository {
	return &GormCommandRepository{db: db, pub: pub}
}

// Create creates a new command row in pending state and announces it
// on the command change feed.
func (r *GormCommandRepository) Create(ctx context.Context, cmd *domain.Command) error {
	l := log.Ctx(ctx)

	if cmd.ID == "" {
		cmd.ID = uuid.New().String()
	}
	cmd.Status = domain.CommandStatusPending
	cmd.Handled = false

	model := domain.CommandToModel(cmd)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		l.Error().Err(err).Str(log.FieldDeviceID, cmd.DeviceID).Str(log.FieldCommand, cmd.Name).Msg("failed to create command in db")
		return err
	}
	cmd.CreatedAt = model.CreatedAt

	notifyCommandCreated(ctx, r.pub, cmd)
	l.Debug().Str(log.FieldCommandID, cmd.ID).Str(log.FieldCommand, cmd.Name).Msg("command created in db")
	return nil
}

// GetByID retrieves a command by ID.
func (r *GormCommandRepository) GetByID(ctx context.Context, id string) (*domain.Command, error) {
	var model domain.CommandModel
	result := r.db.WithContext(ctx).First(&model, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrCommandNotFound
		}
		log.Ctx(ctx).Error().Err(result.Error).Str(log.FieldCommandID, id).Msg("failed to get command by id")
		return nil, result.Error
	}
	return model.ToDomain(), nil
}

// ListUnhandled returns unresolved commands for a device, oldest first.
func (r *GormCommandRepository) ListUnhandled(ctx context.Context, deviceID string) ([]domain.Command, error) {
	var models []domain.CommandModel
	result := r.db.WithContext(ctx).
		Where("device_id = ? AND handled = ?", deviceID, false).
		Order("created_at ASC").
		Find(&models)
	if result.Error != nil {
		log.Ctx(ctx).Error().Err(result.Error).Str(log.FieldDeviceID, deviceID).Msg("failed to list unhandled commands")
		return nil, result.Error
	}

	commands := make([]domain.Command, len(models))
	for i, model := range models {
		commands[i] = *model.ToDomain()
	}
	return commands, nil
}

// Resolve marks a command completed or failed exactly once. The feed
// and the polling fallback may both try to resolve the same row; the
// guard on handled = false lets the loser see false and move on.
func (r *GormCommandRepository) Resolve(ctx context.Context, id string, status domain.CommandStatus, errMsg string) (bool, error) {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&domain.CommandModel{}).
		Where("id = ? AND handled = ?", id, false).
		Updates(map[string]interface{}{
			"handled":       true,
			"status":        string(status),
			"error_message": errMsg,
			"handled_at":    now,
		})
	if result.Error != nil {
		log.Ctx(ctx).Error().Err(result.Error).Str(log.FieldCommandID, id).Msg("failed to resolve command")
		return false, result.Error
	}
	if result.RowsAffected > 0 {
		log.Ctx(ctx).Debug().Str(log.FieldCommandID, id).Str("resolution", string(status)).Msg("command resolved in db")
	}
	return result.RowsAffected > 0, nil
}
