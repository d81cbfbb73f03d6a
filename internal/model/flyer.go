package model

import (
	"time"
)

// ProcessingStatus represents the current state of a flyer image in the
// extraction pipeline.
type ProcessingStatus string

const (
	ProcessingPending    ProcessingStatus = "pending"
	ProcessingInProgress ProcessingStatus = "processing"
	ProcessingCompleted  ProcessingStatus = "completed"
	ProcessingFailed     ProcessingStatus = "failed"
)

// processingTransitions is the closed transition table for ProcessingStatus.
// Retried triggers may legally re-enter processing from failed.
var processingTransitions = map[ProcessingStatus][]ProcessingStatus{
	ProcessingPending:    {ProcessingInProgress},
	ProcessingInProgress: {ProcessingCompleted, ProcessingFailed},
	ProcessingFailed:     {ProcessingInProgress},
	ProcessingCompleted:  {},
}

// CanTransition reports whether moving from s to next is a legal transition.
func (s ProcessingStatus) CanTransition(next ProcessingStatus) bool {
	for _, t := range processingTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s is a terminal state for de-duplication of
// at-least-once triggers: a completed flyer is never reprocessed.
func (s ProcessingStatus) Terminal() bool {
	return s == ProcessingCompleted
}

// FlyerImage represents a single uploaded promotional flyer.
type FlyerImage struct {
	ID               string           `json:"id"`
	StorageRef       string           `json:"storage_ref"`
	FileName         string           `json:"file_name,omitempty"`
	ContentType      string           `json:"content_type,omitempty"`
	UploadedBy       string           `json:"uploaded_by,omitempty"`
	ProcessingStatus ProcessingStatus `json:"processing_status"`
	FailureReason    string           `json:"failure_reason,omitempty"`
	ItemCount        int              `json:"item_count,omitempty"`
	UploadedAt       time.Time        `json:"uploaded_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}
