package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// notifyDedup guards against re-sending the same daily notification if the
// scheduler tick runs more than once within a day (e.g. after a leader
// handoff). It is a cache, not a source of truth: a Redis outage degrades
// to "notifications may repeat," never to "renewals may double-charge" —
// that guarantee comes from the ledger row the renewal job writes inside
// its own transaction, not from this cache.
type notifyDedup struct {
	client *redis.Client
}

func newNotifyDedup(client *redis.Client) *notifyDedup {
	return &notifyDedup{client: client}
}

// shouldSend reports whether kind has not already been sent for subID
// today, and records it if so. Returns true (send it) on any Redis error,
// since a missed dedup window is far cheaper than a silently dropped
// suspension notice.
func (d *notifyDedup) shouldSend(ctx context.Context, subID uuid.UUID, kind string) bool {
	if d.client == nil {
		return true
	}

	key := fmt.Sprintf("controlplane:billing:notified:%s:%s:%s", subID, kind, time.Now().UTC().Format("2006-01-02"))
	ok, err := d.client.SetNX(ctx, key, "1", 25*time.Hour).Result()
	if err != nil {
		return true
	}
	return ok
}
