package transport

import (
	"context"

	"go.uber.org/zap"

	"github.com/luma/beacon/protocol"
	"github.com/luma/beacon/storage"
	"github.com/luma/beacon/web"
)

// Subscribed reports whether s receives key updates: every line session, and
// web connections once they have upgraded to WebSocket.
func Subscribed(s Session) bool {
	if c, ok := s.(*web.Conn); ok {
		return c.Protocol() == web.ProtocolWebSocket
	}

	return true
}

// Publisher pushes store updates to every subscribed session.
type Publisher struct {
	store   storage.Store
	manager *Manager
	log     *zap.Logger
}

func NewPublisher(store storage.Store, manager *Manager, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}

	return &Publisher{store: store, manager: manager, log: log}
}

// Run subscribes to the store and fans updates out until ctx is cancelled
// or the store is closed.
func (p *Publisher) Run(ctx context.Context) {
	updates := p.store.ListenToUpdates()

	for {
		select {
		case <-ctx.Done():
			return

		case update, ok := <-updates:
			if !ok {
				return
			}

			p.Publish(update)
		}
	}
}

// Publish delivers a single update and returns the outcome.
func (p *Publisher) Publish(update *storage.Update) BroadcastResult {
	targets := p.manager.Select(Subscribed)
	if len(targets) == 0 {
		return BroadcastResult{Errors: map[uint64]error{}}
	}

	result := p.manager.Broadcast(protocol.EncodeUpdate(update.Key, update.Value), targets...)
	if result.Failure > 0 {
		p.log.Warn("Some sessions missed an update",
			zap.ByteString("key", update.Key),
			zap.Int("total", result.Total),
			zap.Int("failed", result.Failure),
			zap.Error(result.Err()))
	}

	return result
}
