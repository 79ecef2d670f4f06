package cache

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/estoque-live/estoque-live/internal/remote"
)

// ApplyEvent reconciles one change-feed event into the loaded set. Events
// are applied by id-merge, so re-delivery and out-of-order delivery are
// harmless: inserting twice merges, deleting the absent is a no-op, and an
// update racing the initial page fetch degrades to an insert.
func (c *Cache) ApplyEvent(evt remote.ChangeEvent) {
	if evt.Table != "" && evt.Table != remote.TableProducts {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.categoryID == uuid.Nil {
		return
	}

	switch evt.Type {
	case remote.EventDelete:
		c.removeLocked(evt.OldID)
		c.metrics.FeedEvent(string(evt.Type))

	case remote.EventInsert, remote.EventUpdate:
		if evt.Row == nil {
			c.logger.Warn("drop feed event without row", slog.String("type", string(evt.Type)))
			return
		}
		// The feed is unfiltered; rows of other categories only matter when
		// a row we hold was moved away by another client.
		if evt.Row.CategoryID != c.categoryID {
			c.removeLocked(evt.Row.ID)
			return
		}
		c.mergeRowLocked(*evt.Row)
		c.sortLocked()
		c.metrics.FeedEvent(string(evt.Type))
	}
}
