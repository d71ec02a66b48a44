package documents

import (
	"context"
	"encoding/json"
	"sync"

	"readaloud/internal/models"
	"readaloud/internal/redis"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const redisChangeChannel = "documents:changed"

type changeMessage struct {
	OwnerID string `json:"owner_id"`
	Origin  string `json:"origin"`
}

// Hub fans document changes out to live queries. With redis attached,
// changes made on other instances are delivered too.
type Hub struct {
	mu       sync.Mutex
	subs     map[string]map[uint64]chan struct{}
	next     uint64
	rdb      *redis.Client
	instance string
}

func NewHub() *Hub {
	return &Hub{
		subs:     make(map[string]map[uint64]chan struct{}),
		instance: uuid.NewString(),
	}
}

// AttachRedis publishes local changes and listens for remote ones until ctx ends.
func (h *Hub) AttachRedis(ctx context.Context, client *redis.Client) {
	if client == nil {
		return
	}
	h.mu.Lock()
	h.rdb = client
	h.mu.Unlock()
	client.Subscribe(ctx, redisChangeChannel, func(payload []byte) {
		var msg changeMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			logrus.WithError(err).Warn("document change decode failed")
			return
		}
		if msg.Origin == h.instance {
			return
		}
		h.fanout(msg.OwnerID)
	})
}

// Notify marks the owner's live queries dirty.
func (h *Hub) Notify(ownerID string) {
	h.fanout(ownerID)
	h.mu.Lock()
	rdb := h.rdb
	h.mu.Unlock()
	if rdb == nil {
		return
	}
	if err := rdb.Publish(context.Background(), redisChangeChannel, changeMessage{OwnerID: ownerID, Origin: h.instance}); err != nil {
		logrus.WithError(err).WithField("owner_id", ownerID).Warn("publish document change failed")
	}
}

func (h *Hub) fanout(ownerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[ownerID] {
		// one pending signal is enough; the next query sees every change
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (h *Hub) subscribe(ownerID string) (<-chan struct{}, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	id := h.next
	ch := make(chan struct{}, 1)
	if h.subs[ownerID] == nil {
		h.subs[ownerID] = make(map[uint64]chan struct{})
	}
	h.subs[ownerID][id] = ch
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs[ownerID], id)
		if len(h.subs[ownerID]) == 0 {
			delete(h.subs, ownerID)
		}
	}
}

// Watch runs a live query over the owner's documents. fn receives the full
// ordered set once immediately and again after every change. Calls to fn are
// serialized. The returned func stops the query; a snapshot already being
// delivered may still arrive after it returns.
func (r *Repository) Watch(ctx context.Context, ownerID string, fn func([]models.Document)) (func(), error) {
	signals, unsubscribe := r.hub.subscribe(ownerID)
	initial, err := r.List(ctx, ownerID)
	if err != nil {
		unsubscribe()
		return nil, err
	}
	watchCtx, cancel := context.WithCancel(context.Background())

	go func() {
		defer unsubscribe()
		fn(initial)
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-signals:
				docs, err := r.List(watchCtx, ownerID)
				if err != nil {
					if watchCtx.Err() == nil {
						logrus.WithError(err).WithField("owner_id", ownerID).Warn("live document query failed")
					}
					continue
				}
				if watchCtx.Err() != nil {
					return
				}
				fn(docs)
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}
