package repository

import (
	"context"
	"fmt"

	"github.com/homeglance/liveview/internal/domain"
	"github.com/homeglance/liveview/pkg/log"
	"github.com/homeglance/liveview/pkg/pubsub"
)

// Change-feed event types published by the repositories.
const (
	EventCommandCreated = "command_created"
	EventSessionCreated = "session_created"
)

// CommandFeedChannel returns the change-feed channel carrying new
// command rows for a device.
func CommandFeedChannel(deviceID string) string {
	return fmt.Sprintf("records:commands:%s", deviceID)
}

// SessionFeedChannel returns the change-feed channel carrying new
// session rows for a device.
func SessionFeedChannel(deviceID string) string {
	return fmt.Sprintf("records:sessions:%s", deviceID)
}

// notifyCommandCreated publishes a change-feed event for a freshly
// created command. The feed is a hint, not truth: publish failures are
// logged and swallowed so the durable write never fails on them, and
// consumers fall back to polling.
func notifyCommandCreated(ctx context.Context, pub pubsub.Publisher, cmd *domain.Command) {
	if pub == nil {
		return
	}
	event, err := pubsub.NewEvent(EventCommandCreated, cmd.DeviceID, cmd)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str(log.FieldCommandID, cmd.ID).Msg("failed to build command feed event")
		return
	}
	if err := pub.Publish(ctx, CommandFeedChannel(cmd.DeviceID), event); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str(log.FieldCommandID, cmd.ID).Msg("failed to publish command feed event")
	}
}

// notifySessionCreated publishes a change-feed event for a freshly
// created session.
func notifySessionCreated(ctx context.Context, pub pubsub.Publisher, session *domain.Session) {
	if pub == nil {
		return
	}
	event, err := pubsub.NewEvent(EventSessionCreated, session.DeviceID, session)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str(log.FieldSessionID, session.ID).Msg("failed to build session feed event")
		return
	}
	if err := pub.Publish(ctx, SessionFeedChannel(session.DeviceID), event); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str(log.FieldSessionID, session.ID).Msg("failed to publish session feed event")
	}
}
