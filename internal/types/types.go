// Package types provides domain models shared across ptufix components.
//
// Low-dependency design: everything here uses encoding/json and time only,
// except ids.go which imports uuid. The XML tree types live in
// internal/xmltree; this package stays free of the XML library so the catalog
// and storage layers can use it without pulling in the document model.
package types

import "time"

// RunStatus is the lifecycle state of a batch run.
type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
)

// OutcomeStatus is the disposition of one file within a run.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "SUCCESS"
	OutcomeError   OutcomeStatus = "ERROR"
	OutcomeSkipped OutcomeStatus = "SKIPPED"
)

// Run represents one execution of the batch processor over a set of documents.
type Run struct {
	ID           int64      `json:"run_id"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	Status       RunStatus  `json:"status"`
	OpType       string     `json:"op_type"`
	Total        int        `json:"total"`
	SuccessCount int        `json:"success_count"`
	ErrorCount   int        `json:"error_count"`
	ActorID      string     `json:"actor_id,omitempty"`
}

// FileOutcome links a document to the run that processed it.
type FileOutcome struct {
	ID          string        `json:"id"`
	RunID       int64         `json:"run_id"`
	Path        string        `json:"path"`
	ContentHash string        `json:"content_hash,omitempty"`
	Status      OutcomeStatus `json:"status"`
	Mutated     bool          `json:"mutated"`
	Message     string        `json:"message,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// AuditAction tags a rule-config journal entry.
type AuditAction string

const (
	AuditEnable   AuditAction = "enable"
	AuditDisable  AuditAction = "disable"
	AuditSave     AuditAction = "save"
	AuditRollback AuditAction = "rollback"
)

// AuditEntry is one line of the rule-config journal.
type AuditEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	File      string         `json:"file"`
	Action    AuditAction    `json:"action"`
	Actor     string         `json:"actor"`
	Details   map[string]any `json:"details,omitempty"`
}

// Resource limits enforced while processing documents.
const (
	// MaxDocumentSize bounds the bytes read for a single document.
	// PTU lots are fully materialized in memory; 64MB covers the largest
	// internment files seen in practice.
	MaxDocumentSize = 64 * 1024 * 1024

	// MaxPathSteps bounds the number of steps in a path expression.
	MaxPathSteps = 16

	// MaxConditionDepth bounds nesting of All/Any groups.
	MaxConditionDepth = 32
)
