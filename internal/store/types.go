package store

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rendis/karflow/pkg/schema"
)

// Run is the persisted summary of one knowledge-artifact run.
type Run struct {
	ID             string          `json:"id"`
	ParentRunID    string          `json:"parent_run_id,omitempty"` // set when resuming a scheduled action
	KARID          string          `json:"kar_id"`
	KARVersion     string          `json:"kar_version"`
	PatientID      string          `json:"patient_id"`
	NotificationID string          `json:"notification_id,omitempty"`
	CorrelationID  string          `json:"x_correlation_id,omitempty"`
	RequestID      string          `json:"x_request_id,omitempty"`
	Status         string          `json:"status"`
	Error          json.RawMessage `json:"error,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// Run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// LogicalKey scopes public-health message version numbers: the same patient,
// the same artifact version and the same triggering resource.
type LogicalKey struct {
	FHIRServerBaseURL  string `json:"fhir_server_base_url"`
	PatientID          string `json:"patient_id"`
	NotifiedResourceID string `json:"notified_resource_id"`
	KARUniqueID        string `json:"kar_unique_id"`
}

// String renders the key as stored in the logical_key column.
func (k LogicalKey) String() string {
	return strings.Join([]string{k.FHIRServerBaseURL, k.PatientID, k.NotifiedResourceID, k.KARUniqueID}, "|")
}

// PHMessage is an immutable, versioned public-health message record.
type PHMessage struct {
	ID                   string          `json:"id"`
	RunID                string          `json:"run_id,omitempty"`
	FHIRServerBaseURL    string          `json:"fhir_server_base_url"`
	PatientID            string          `json:"patient_id"`
	EncounterID          string          `json:"encounter_id"`
	NotifiedResourceID   string          `json:"notified_resource_id"`
	NotifiedResourceType string          `json:"notified_resource_type"`
	NotificationID       string          `json:"notification_id,omitempty"`
	CorrelationID        string          `json:"x_correlation_id,omitempty"`
	RequestID            string          `json:"x_request_id,omitempty"`
	SubmittedFHIRData    json.RawMessage `json:"submitted_fhir_data,omitempty"`
	SubmittedCdaData     string          `json:"submitted_cda_data,omitempty"`
	SubmittedMessageType string          `json:"submitted_message_type,omitempty"`
	SubmittedDataID      string          `json:"submitted_data_id"`
	SubmittedMessageID   string          `json:"submitted_message_id,omitempty"`
	SubmittedVersion     int             `json:"submitted_version_number"`
	InitiatingAction     string          `json:"initiating_action"`
	KARUniqueID          string          `json:"kar_unique_id"`
	TriggerMatchStatus   int64           `json:"trigger_match_status"`
	CreatedAt            time.Time       `json:"created_at"`
}

// Key returns the message's logical report key.
func (m *PHMessage) Key() LogicalKey {
	return LogicalKey{
		FHIRServerBaseURL:  m.FHIRServerBaseURL,
		PatientID:          m.PatientID,
		NotifiedResourceID: m.NotifiedResourceID,
		KARUniqueID:        m.KARUniqueID,
	}
}

// ActionStatusRecord is an archived ledger entry.
type ActionStatusRecord struct {
	RunID    string              `json:"run_id"`
	Seq      int64               `json:"seq"`
	ActionID string              `json:"action_id"`
	Status   schema.ActionStatus `json:"status"`
	Detail   string              `json:"detail,omitempty"`
	At       time.Time           `json:"at"`
}

// ScheduledAction is a deferred action waiting for its due time, with the
// context snapshot it resumes on.
type ScheduledAction struct {
	ID         string          `json:"id"`
	RunID      string          `json:"run_id"`
	KARID      string          `json:"kar_id"`
	KARVersion string          `json:"kar_version"`
	ActionID   string          `json:"action_id"`
	DueAt      time.Time       `json:"due_at"`
	Snapshot   json.RawMessage `json:"snapshot"`
	Status     string          `json:"status"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Scheduled action statuses.
const (
	ScheduledPending = "pending"
	ScheduledRunning = "running"
	ScheduledDone    = "done"
	ScheduledFailed  = "failed"
)

// --- Filter and update types ---

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	KARID     string     `json:"kar_id,omitempty"`
	PatientID string     `json:"patient_id,omitempty"`
	Status    string     `json:"status,omitempty"`
	Since     *time.Time `json:"since,omitempty"`
	Limit     int        `json:"limit,omitempty"`
}

// RunUpdate specifies mutable fields of a run.
type RunUpdate struct {
	Status      string          `json:"status,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// MessageFilter specifies criteria for searching public-health messages.
// Empty fields do not constrain the search.
type MessageFilter struct {
	PatientID          string     `json:"patient_id,omitempty"`
	EncounterID        string     `json:"encounter_id,omitempty"`
	NotifiedResourceID string     `json:"notified_resource_id,omitempty"`
	CorrelationID      string     `json:"x_correlation_id,omitempty"`
	RequestID          string     `json:"x_request_id,omitempty"`
	SubmittedDataID    string     `json:"submitted_data_id,omitempty"`
	SubmittedMessageID string     `json:"submitted_message_id,omitempty"`
	KARUniqueID        string     `json:"kar_unique_id,omitempty"`
	RunID              string     `json:"run_id,omitempty"`
	Version            int        `json:"submitted_version_number,omitempty"`
	Since              *time.Time `json:"since,omitempty"`
	Limit              int        `json:"limit,omitempty"`
	Offset             int        `json:"offset,omitempty"`
}

// ScheduledActionFilter specifies criteria for listing scheduled actions.
type ScheduledActionFilter struct {
	Status    string     `json:"status,omitempty"`
	RunID     string     `json:"run_id,omitempty"`
	DueBefore *time.Time `json:"due_before,omitempty"`
	Limit     int        `json:"limit,omitempty"`
}

// ScheduledActionUpdate specifies mutable fields of a scheduled action.
type ScheduledActionUpdate struct {
	Status    string          `json:"status,omitempty"`
	DueAt     *time.Time      `json:"due_at,omitempty"`
	Snapshot  json.RawMessage `json:"snapshot,omitempty"`
	LastError *string         `json:"last_error,omitempty"`
	Attempt   bool            `json:"attempt,omitempty"` // increments attempts
}
