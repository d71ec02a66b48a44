package reader

import (
	"context"
	"encoding/json"

	"readaloud/internal/redis"

	"github.com/sirupsen/logrus"
)

const invalidateChannel = "reader:invalidate"

const (
	scopeReset = "reset"
	scopeClose = "close"
)

type invalidateMessage struct {
	UserID string `json:"user_id"`
	Scope  string `json:"scope"`
	Origin string `json:"origin"`
}

type invalidationBus struct {
	client *redis.Client
}

// AttachRedis fans ResetUser and CloseUser out to other instances and
// applies theirs here, until ctx ends.
func (m *Manager) AttachRedis(ctx context.Context, client *redis.Client) {
	if client == nil {
		return
	}
	m.bus = &invalidationBus{client: client}
	client.Subscribe(ctx, invalidateChannel, func(payload []byte) {
		var msg invalidateMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			logrus.WithError(err).Warn("reader invalidation decode failed")
			return
		}
		m.handleInvalidation(msg)
	})
}

func (m *Manager) handleInvalidation(msg invalidateMessage) {
	if msg.Origin == m.origin || msg.UserID == "" {
		return
	}
	switch msg.Scope {
	case scopeReset:
		m.resetLocal(msg.UserID)
	case scopeClose:
		m.closeLocal(msg.UserID)
	default:
		logrus.WithField("scope", msg.Scope).Debug("unknown reader invalidation")
	}
}

func (b *invalidationBus) publish(msg invalidateMessage) {
	if b == nil || b.client == nil {
		return
	}
	if err := b.client.Publish(context.Background(), invalidateChannel, msg); err != nil {
		logrus.WithError(err).WithField("user_id", msg.UserID).Warn("reader invalidation publish failed")
	}
}
