// Package uploads manages the processing queue: locally generated files that
// must reach the remote service. Items survive restarts and failed uploads
// park in an error state until a user retries or discards them.
package uploads

import (
	"time"
)

// Kind distinguishes what produced the queued file
type Kind string

const (
	// KindRaw is an unprocessed instrument capture
	KindRaw Kind = "raw"
	// KindProcessed is the output of a local processing run
	KindProcessed Kind = "processed"
)

// Valid checks if the kind is one of the defined values
func (k Kind) Valid() bool {
	return k == KindRaw || k == KindProcessed
}

// Status is the lifecycle state of a queue item
type Status string

const (
	// StatusPending means the item awaits its next upload attempt
	StatusPending Status = "pending"
	// StatusUploading means an upload attempt is in flight
	StatusUploading Status = "uploading"
	// StatusError means the retry ceiling was reached or the service rejected
	// the item; it stays queued until explicitly retried or discarded.
	StatusError Status = "error"
)

// Item is a single processing-queue entry. FileBlob carries small payloads
// inline; larger files stay on disk and are read from FilePath at upload time.
type Item struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	SampleID   string    `json:"sample_id"`
	ConfigID   string    `json:"config_id"`
	FilePath   string    `json:"file_path"`
	FileBlob   []byte    `json:"-"`
	Status     Status    `json:"status"`
	RetryCount int       `json:"retry_count"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
