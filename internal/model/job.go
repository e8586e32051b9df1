package model

import "time"

// JobStatus represents the database ENUM type for generation job status.
type JobStatus string

// Job status constants. A job is created in pending, may move to processing,
// and ends in exactly one of the terminal states.
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status is terminal. Terminal jobs are never
// mutated again; any webhook for them must be rejected.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// NonTerminalStatuses is the CAS guard set for webhook and sweep transitions.
var NonTerminalStatuses = []JobStatus{JobStatusPending, JobStatusProcessing}

// Provider represents the upstream generation provider.
type Provider string

// Generation provider constants.
const (
	ProviderKieAI   Provider = "kie_ai"
	ProviderRunware Provider = "runware"
)

// Valid reports whether p names a known provider.
func (p Provider) Valid() bool {
	return p == ProviderKieAI || p == ProviderRunware
}

// ContentType represents the kind of content a job generates.
type ContentType string

// Content type constants matching the platform's model catalog.
const (
	ContentPromptToImage ContentType = "prompt_to_image"
	ContentPromptToVideo ContentType = "prompt_to_video"
	ContentImageToVideo  ContentType = "image_to_video"
	ContentImageEditing  ContentType = "image_editing"
	ContentPromptToAudio ContentType = "prompt_to_audio"
)

// Valid reports whether c names a known content type.
func (c ContentType) Valid() bool {
	switch c {
	case ContentPromptToImage, ContentPromptToVideo, ContentImageToVideo,
		ContentImageEditing, ContentPromptToAudio:
		return true
	}
	return false
}

// FailReason tags why a job was marked failed.
type FailReason string

const (
	// FailReasonProvider means the provider reported the failure via webhook.
	FailReasonProvider FailReason = "provider_error"
	// FailReasonTimeout means the reconciliation sweep gave up waiting for a callback.
	FailReasonTimeout FailReason = "timeout"
)

// SweepResult summarizes one reconciliation pass.
type SweepResult struct {
	Scanned      int
	Failed       int
	Refunded     int
	RefundErrors int
	SkippedRaced int
	StartedAt    time.Time
	Duration     time.Duration
}
