package domain

import "time"

// SessionModel is the GORM model for the sessions table.
type SessionModel struct {
	ID         string    `gorm:"type:varchar(36);primaryKey"`
	DeviceID   string    `gorm:"type:varchar(36);index;not null"`
	ViewerID   string    `gorm:"type:varchar(36);not null"`
	Status     string    `gorm:"type:varchar(20);index;not null;default:'pending'"`
	FailReason string    `gorm:"type:varchar(100)"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
	EndedAt    *time.Time
}

// TableName specifies the table name for SessionModel.
func (SessionModel) TableName() string {
	return "sessions"
}

// ToDomain converts SessionModel to a domain Session.
func (m *SessionModel) ToDomain() *Session {
	return &Session{
		ID:         m.ID,
		DeviceID:   m.DeviceID,
		ViewerID:   m.ViewerID,
		Status:     SessionStatus(m.Status),
		FailReason: m.FailReason,
		CreatedAt:  m.CreatedAt,
		EndedAt:    m.EndedAt,
	}
}

// SessionToModel converts a domain Session to SessionModel.
func SessionToModel(s *Session) *SessionModel {
	return &SessionModel{
		ID:         s.ID,
		DeviceID:   s.DeviceID,
		ViewerID:   s.ViewerID,
		Status:     string(s.Status),
		FailReason: s.FailReason,
		CreatedAt:  s.CreatedAt,
		EndedAt:    s.EndedAt,
	}
}

// CommandModel is the GORM model for the commands table.
type CommandModel struct {
	ID           string    `gorm:"type:varchar(36);primaryKey"`
	DeviceID     string    `gorm:"type:varchar(36);index;not null"`
	Name         string    `gorm:"column:command;type:varchar(50);not null"`
	SessionID    string    `gorm:"type:varchar(36);index"`
	Handled      bool      `gorm:"index;not null;default:false"`
	Status       string    `gorm:"type:varchar(20);not null;default:'pending'"`
	ErrorMessage string    `gorm:"type:text"`
	CreatedAt    time.Time `gorm:"autoCreateTime"`
	HandledAt    *time.Time
}

// TableName specifies the table name for CommandModel.
func (CommandModel) TableName() string {
	return "commands"
}

// ToDomain converts CommandModel to a domain Command.
func (m *CommandModel) ToDomain() *Command {
	return &Command{
		ID:           m.ID,
		DeviceID:     m.DeviceID,
		Name:         m.Name,
		SessionID:    m.SessionID,
		Handled:      m.Handled,
		Status:       CommandStatus(m.Status),
		ErrorMessage: m.ErrorMessage,
		CreatedAt:    m.CreatedAt,
		HandledAt:    m.HandledAt,
	}
}

// CommandToModel converts a domain Command to CommandModel.
func CommandToModel(c *Command) *CommandModel {
	return &CommandModel{
		ID:           c.ID,
		DeviceID:     c.DeviceID,
		Name:         c.Name,
		SessionID:    c.SessionID,
		Handled:      c.Handled,
		Status:       string(c.Status),
		ErrorMessage: c.ErrorMessage,
		CreatedAt:    c.CreatedAt,
		HandledAt:    c.HandledAt,
	}
}
