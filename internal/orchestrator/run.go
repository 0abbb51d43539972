package orchestrator

import (
	"fmt"
	"time"

	"report-runner/internal/invoker"
	"report-runner/internal/oracle"
)

// State is a pipeline run's position in its lifecycle
type State string

const (
	StateIdle             State = "idle"
	StateFetching         State = "fetching"
	StateStaging          State = "staging"
	StateQueryDerivation  State = "query_derivation"
	StateQueryExecution   State = "query_execution"
	StateReportGeneration State = "report_generation"
	StateDelivery         State = "delivery"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
)

// IsTerminal reports whether the state ends a run
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Request describes one pipeline run. Recipients being non-empty implies
// report generation and delivery; GenerateReport alone stops after the
// document is produced.
type Request struct {
	Prompt         string             `json:"prompt"`
	Recipients     []oracle.Recipient `json:"recipients,omitempty"`
	GenerateReport bool               `json:"generate_report,omitempty"`
}

// StageResult is the committed record of one stage: its output snapshot on
// success or its error, never both.
type StageResult struct {
	Stage       State       `json:"stage"`
	Output      interface{} `json:"output,omitempty"`
	Error       string      `json:"error,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt time.Time   `json:"completed_at"`
}

// Artifact is a completed run's final output. Which fields are set depends on
// how far the request asked the pipeline to go.
type Artifact struct {
	Rows        []map[string]interface{} `json:"rows,omitempty"`
	DocumentURL string                   `json:"document_url,omitempty"`
	Delivery    *invoker.Aggregate       `json:"delivery,omitempty"`
}

// Run is the full record of one pipeline execution
type Run struct {
	ID          string        `json:"id"`
	Prompt      string        `json:"prompt"`
	State       State         `json:"state"`
	Stages      []StageResult `json:"stages"`
	Artifact    *Artifact     `json:"artifact,omitempty"`
	Error       string        `json:"error,omitempty"`
	FailedStage State         `json:"failed_stage,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
}

// PipelineError is the only error shape a run returns: the stage that failed
// plus the innermost cause, never a partial result.
type PipelineError struct {
	RunID       string
	FailedStage State
	Cause       error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline run %s failed at stage %s: %v", e.RunID, e.FailedStage, e.Cause)
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}
