// Package synclog records the outcome of sync attempts so failures stay
// inspectable after the fact.
package synclog

import (
	"time"

	"github.com/poleshift/fieldsync/internal/ulid"
)

// EntityType represents the kind of entity a sync attempt covered
type EntityType string

const (
	// EntityTypeOperation is a mutation-log operation replay
	EntityTypeOperation EntityType = "operation"
	// EntityTypeUpload is a processing-queue file upload
	EntityTypeUpload EntityType = "upload"
	// EntityTypeBundle is a resource bundle fetch
	EntityTypeBundle EntityType = "bundle"
)

// SyncLog represents a single sync attempt outcome
type SyncLog struct {
	ID           string     `json:"id"`
	EntityType   EntityType `json:"entity_type"`
	EntityID     string     `json:"entity_id"`
	Success      bool       `json:"success"`
	ErrorType    string     `json:"error_type,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  time.Time  `json:"completed_at"`
}

// New creates a new sync log entry for an attempt that is starting now
func New(entityType EntityType, entityID string) *SyncLog {
	now := time.Now().UTC()
	return &SyncLog{
		ID:          ulid.SyncLogID(),
		EntityType:  entityType,
		EntityID:    entityID,
		StartedAt:   now,
		CompletedAt: now,
	}
}

// MarkSuccessful marks the attempt as successful
func (l *SyncLog) MarkSuccessful() {
	l.Success = true
	l.CompletedAt = time.Now().UTC()
}

// MarkFailed marks the attempt as failed with a classification and message
func (l *SyncLog) MarkFailed(errorType, errorMessage string) {
	l.Success = false
	l.ErrorType = errorType
	l.ErrorMessage = errorMessage
	l.CompletedAt = time.Now().UTC()
}
