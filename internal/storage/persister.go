package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/comigor/pichat/internal/conversation"
	"github.com/comigor/pichat/internal/logger"
	"github.com/comigor/pichat/internal/memory"
)

// writeTimeout bounds each write issued from a change callback.
const writeTimeout = 5 * time.Second

// Persister mirrors conversation and memory changes into a DB.
type Persister struct {
	db *DB
}

// NewPersister returns a Persister writing to db.
func NewPersister(db *DB) *Persister {
	return &Persister{db: db}
}

// Restore loads stored conversations into convs and returns the stored memory.
// Call it before Attach so restored conversations are not written back.
func (p *Persister) Restore(ctx context.Context, convs *conversation.Store) (map[string]string, error) {
	list, err := p.db.LoadConversations(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range list {
		if _, err := convs.Create(c); err != nil {
			logger.L.Warn("skipping stored conversation", "id", c.ID, "error", err)
		}
	}

	mem, err := p.db.LoadMemory(ctx)
	if err != nil {
		return nil, err
	}
	logger.L.Info("restored state", "conversations", len(list), "memory", len(mem))
	return mem, nil
}

// Attach starts mirroring. Snapshots with a streaming message are skipped, so
// only terminal states reach the database. The returned function stops
// conversation mirroring.
func (p *Persister) Attach(convs *conversation.Store, mem *memory.Store) (detach func()) {
	mem.OnChange(func(key, value string, deleted bool) {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()

		var err error
		if deleted {
			err = p.db.DeleteMemory(ctx, key)
		} else {
			err = p.db.SaveMemory(ctx, key, value)
		}
		if err != nil {
			logger.L.Error("failed to persist memory", "key", key, "error", err)
		}
	})

	return convs.Subscribe(func(ev conversation.Event) {
		if err := p.handle(ev); err != nil {
			logger.L.Error("failed to persist conversation", "id", ev.Conversation.ID, "error", err)
		}
	})
}

func (p *Persister) handle(ev conversation.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	switch ev.Kind {
	case conversation.EventDeleted:
		return p.db.DeleteConversation(ctx, ev.Conversation.ID)
	case conversation.EventCreated, conversation.EventUpdated:
		if _, streaming := ev.Conversation.Streaming(); streaming {
			return nil
		}
		return p.db.SaveConversation(ctx, ev.Conversation)
	default:
		return fmt.Errorf("unknown event kind %d", ev.Kind)
	}
}
