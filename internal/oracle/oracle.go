// Package oracle defines the decision-making boundary of the pipeline: given
// what a stage knows, something has to choose which action to call and with
// what arguments. The orchestrator treats that something as opaque. The
// default implementation is a keyword planner; tests use a scripted fake.
package oracle

import (
	"context"

	"report-runner/internal/staging"
)

// Stage identifiers passed in the StageContext
const (
	StageFetch       = "fetch"
	StageDeriveQuery = "derive_query"
	StageReport      = "generate_report"
	StageDelivery    = "deliver"
)

// Delivery channel kinds
const (
	ChannelEmail = "email"
	ChannelChat  = "chat"
)

// Recipient is one delivery target. Address is an email address for the
// email channel and a channel ID for chat; ThreadID is chat-only.
type Recipient struct {
	Channel  string `json:"channel"`
	Address  string `json:"address"`
	ThreadID string `json:"thread_id,omitempty"`
}

// StageContext is everything the orchestrator can tell the oracle about the
// current stage. Fields are populated per stage: Tables for query derivation,
// Rows and DocumentURL for report and delivery planning.
type StageContext struct {
	Stage       string
	Prompt      string
	Tables      []staging.TableInfo
	Rows        []map[string]interface{}
	DocumentURL string
	Recipients  []Recipient
}

// Decision is one planned step. Fetch, report and delivery decisions carry an
// action name plus parameters; query-derivation decisions carry SQL text
// instead. AddresseeKey identifies the target in fan-out stages.
type Decision struct {
	ActionName   string
	Params       map[string]interface{}
	AddresseeKey string
	SQL          string
}

// Oracle chooses the next actions for a stage. Fan-out stages get several
// decisions back; single-action stages exactly one.
type Oracle interface {
	Decide(ctx context.Context, sc StageContext) ([]Decision, error)
}
