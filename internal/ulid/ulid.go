// Package ulid provides prefixed, sortable identifiers for fieldsync entities
// built on github.com/oklog/ulid/v2.
//
// ULIDs are lexicographically sortable by creation time, which keeps queue
// tables naturally ordered by enqueue time when sorted by primary key.
package ulid

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Prefixes for the different entity kinds in the sync core
const (
	// PrefixOperation is used for pending mutation-log operations
	PrefixOperation = "op"

	// PrefixItem is used for processing-queue upload items
	PrefixItem = "item"

	// PrefixSyncLog is used for sync audit log entries
	PrefixSyncLog = "log"

	// PrefixSeparator separates the prefix from the ULID
	PrefixSeparator = "-"
)

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
)

// Generate creates a new ULID string with the current timestamp.
func Generate() string {
	return NewWithTime(time.Now())
}

// GenerateWithPrefix creates a new prefixed ULID string, e.g. "op-01AN4Z07BY...".
func GenerateWithPrefix(prefix string) string {
	return prefix + PrefixSeparator + Generate()
}

// NewWithTime creates a new ULID string with a specific timestamp.
func NewWithTime(t time.Time) string {
	entropyLock.Lock()
	id := ulid.MustNew(ulid.Timestamp(t), entropy)
	entropyLock.Unlock()
	return id.String()
}

// Validate checks whether a string is a valid, optionally prefixed, ULID.
func Validate(id string) bool {
	raw := id
	if i := strings.Index(id, PrefixSeparator); i >= 0 {
		raw = id[i+1:]
	}
	_, err := ulid.Parse(raw)
	return err == nil
}

// Domain-specific ID generation helpers

// OperationID generates a new ULID with the mutation-log operation prefix
func OperationID() string {
	return GenerateWithPrefix(PrefixOperation)
}

// ItemID generates a new ULID with the processing-queue item prefix
func ItemID() string {
	return GenerateWithPrefix(PrefixItem)
}

// SyncLogID generates a new ULID with the sync log prefix
func SyncLogID() string {
	return GenerateWithPrefix(PrefixSyncLog)
}
