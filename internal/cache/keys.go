package cache

import (
	"fmt"

	"github.com/google/uuid"
)

// JobSnapshotKey holds the cached client-visible state of a job.
func JobSnapshotKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s", jobID)
}

// DedupKey holds the task id that claimed an idempotency key.
func DedupKey(ownerID, kind, dedupKey string) string {
	return fmt.Sprintf("dedup:%s:%s:%s", kind, ownerID, dedupKey)
}

// QuotaKey is the per-owner daily counter of one quota class. day is YYYY-MM-DD
// in the quota timezone.
func QuotaKey(class, ownerID, day string) string {
	return fmt.Sprintf("quota:%s:%s:%s", class, ownerID, day)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
