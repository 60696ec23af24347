package idempotency

import "time"

// Status values for idempotency entries
const (
	StatusInProgress = "IN_PROGRESS"
	StatusDone       = "DONE"
	StatusFailed     = "FAILED"
)

// Scopes prefix keys so callers of the same table cannot collide.
const (
	ScopeCheckout = "checkout"
	ScopeNotify   = "notify"
)

// Key builds a scoped idempotency key, e.g. checkout#<user>#<client key>.
func Key(scope string, parts ...string) string {
	k := scope
	for _, p := range parts {
		k += "#" + p
	}
	return k
}

// Record is the shape persisted in the idempotency DynamoDB table.
type Record struct {
	IdempotencyKey string    `dynamodbav:"idempotency_key"` // PK
	Status         string    `dynamodbav:"status"`
	ResourceID     string    `dynamodbav:"resource_id,omitempty"`     // order id once known
	ResponseBody   string    `dynamodbav:"response_body,omitempty"`   // small responses only
	ResponseStatus int       `dynamodbav:"response_status,omitempty"` // e.g., 201
	CreatedAt      time.Time `dynamodbav:"created_at"`
	UpdatedAt      time.Time `dynamodbav:"updated_at"`
	ExpiresAt      int64     `dynamodbav:"expires_at"` // TTL epoch seconds
	Note           string    `dynamodbav:"note,omitempty"`
}

// Done reports whether the guarded operation completed and its response can be replayed.
func (r *Record) Done() bool {
	return r != nil && r.Status == StatusDone
}

// reclaimable reports whether a new attempt may take over the key. An in-progress
// entry untouched for lease belongs to an attempt that died; lease <= 0 disables that.
func (r *Record) reclaimable(now time.Time, lease time.Duration) bool {
	switch {
	case r.Status == StatusFailed, r.ExpiresAt <= now.Unix():
		return true
	case r.Status == StatusInProgress && lease > 0:
		return !now.Before(r.UpdatedAt.Add(lease))
	}
	return false
}
