// Package oplog provides the durable mutation log: an append-only local store
// of write operations that have not yet been acknowledged by the remote service.
package oplog

import (
	"encoding/json"
	"time"
)

// Kind represents the type of a queued write operation
type Kind string

const (
	// KindCreate inserts a new record
	KindCreate Kind = "create"
	// KindUpdate modifies an existing record
	KindUpdate Kind = "update"
	// KindDelete removes a record
	KindDelete Kind = "delete"
	// KindUpsert inserts or replaces a record
	KindUpsert Kind = "upsert"
)

// Valid reports whether k is one of the known operation kinds
func (k Kind) Valid() bool {
	switch k {
	case KindCreate, KindUpdate, KindDelete, KindUpsert:
		return true
	}
	return false
}

// PendingOperation is a single queued write against the remote service.
//
// Once persisted, only RetryCount and LastError ever change; an operation is
// removed solely by acknowledgment after the remote service confirms it. Its
// ID doubles as the idempotency key for retried remote calls.
type PendingOperation struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	Target     string          `json:"target"`
	RecordKey  string          `json:"record_key"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	RetryCount int             `json:"retry_count"`
	LastError  string          `json:"last_error,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}
