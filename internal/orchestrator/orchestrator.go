// Package orchestrator sequences the pipeline stages: fetch rows, stage them,
// derive a query, execute it, optionally generate a report and deliver it.
// Stages run strictly forward; the first failure ends the run, and the
// staging workspace is torn down on every exit path.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"report-runner/internal/catalog"
	"report-runner/internal/common/errors"
	"report-runner/internal/common/logging"
	"report-runner/internal/common/utils"
	"report-runner/internal/invoker"
	"report-runner/internal/oracle"
	"report-runner/internal/staging"
)

// Recorder persists terminal runs. Recording failures are logged, never
// allowed to change a run's outcome.
type Recorder interface {
	Record(ctx context.Context, run *Run) error
}

// Options tune a pipeline orchestrator
type Options struct {
	// StageTimeout bounds each stage; zero means 2 minutes
	StageTimeout time.Duration
	// DeliveryConcurrency bounds the fan-out worker pool; zero means 4
	DeliveryConcurrency int
	// Recorder, when set, receives every terminal run
	Recorder Recorder
	Logger   logging.Logger
}

// Orchestrator drives pipeline runs. Runs are independent; the orchestrator
// itself holds no per-run state and is safe for concurrent use.
type Orchestrator struct {
	catalog *catalog.Catalog
	oracle  oracle.Oracle
	invoker *invoker.Invoker
	staging *staging.Store
	opts    Options
	logger  logging.Logger
}

// New creates an orchestrator over the given collaborators
func New(cat *catalog.Catalog, orc oracle.Oracle, inv *invoker.Invoker, store *staging.Store, opts Options) *Orchestrator {
	if opts.StageTimeout <= 0 {
		opts.StageTimeout = 2 * time.Minute
	}
	if opts.DeliveryConcurrency <= 0 {
		opts.DeliveryConcurrency = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Orchestrator{
		catalog: cat,
		oracle:  orc,
		invoker: inv,
		staging: store,
		opts:    opts,
		logger:  logger.WithFields(logging.String("component", "orchestrator")),
	}
}

// Execute runs the pipeline for one request. It returns the completed run on
// success; on failure the returned error is always a *PipelineError and the
// run record carries the failed stage.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (*Run, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, errors.ValidationError("prompt is required")
	}
	for _, r := range req.Recipients {
		if r.Address == "" {
			return nil, errors.ValidationError("every recipient needs an address")
		}
		if r.Channel != oracle.ChannelEmail && r.Channel != oracle.ChannelChat {
			return nil, errors.ValidationError(fmt.Sprintf("unknown delivery channel '%s'", r.Channel))
		}
	}

	run := &Run{
		ID:        utils.MustGenerateRunID(),
		Prompt:    req.Prompt,
		State:     StateIdle,
		StartedAt: time.Now().UTC(),
	}
	logger := o.logger.WithFields(logging.String("run_id", run.ID))
	logger.Info("pipeline run started", logging.String("prompt", req.Prompt))

	ws, err := o.staging.Begin(ctx, run.ID)
	if err != nil {
		return run, o.fail(ctx, run, StateStaging, err)
	}
	defer func() {
		if terr := ws.Teardown(); terr != nil {
			logger.Warn("staging teardown failed", logging.Err(terr))
		}
	}()

	exec := &execution{o: o, run: run, req: req, ws: ws, logger: logger}

	rows, err := runStage(ctx, exec, StateFetching, exec.fetch)
	if err != nil {
		return run, o.fail(ctx, run, StateFetching, err)
	}

	if _, err := runStage(ctx, exec, StateStaging, func(ctx context.Context) (*staging.TableInfo, error) {
		return ws.Stage(ctx, "fetch", rows)
	}); err != nil {
		return run, o.fail(ctx, run, StateStaging, err)
	}

	query, err := runStage(ctx, exec, StateQueryDerivation, exec.deriveQuery)
	if err != nil {
		return run, o.fail(ctx, run, StateQueryDerivation, err)
	}

	resultRows, err := runStage(ctx, exec, StateQueryExecution, func(ctx context.Context) ([]map[string]interface{}, error) {
		return ws.Query(ctx, query)
	})
	if err != nil {
		return run, o.fail(ctx, run, StateQueryExecution, err)
	}

	artifact := &Artifact{Rows: resultRows}

	if !req.GenerateReport && len(req.Recipients) == 0 {
		return o.complete(ctx, run, artifact)
	}

	docURL, err := runStage(ctx, exec, StateReportGeneration, func(ctx context.Context) (string, error) {
		return exec.generateReport(ctx, resultRows)
	})
	if err != nil {
		return run, o.fail(ctx, run, StateReportGeneration, err)
	}
	artifact.DocumentURL = docURL

	if len(req.Recipients) == 0 {
		return o.complete(ctx, run, artifact)
	}

	delivery, err := runStage(ctx, exec, StateDelivery, func(ctx context.Context) (*invoker.Aggregate, error) {
		return exec.deliver(ctx, docURL, resultRows)
	})
	if err != nil {
		return run, o.fail(ctx, run, StateDelivery, err)
	}
	artifact.Delivery = delivery

	return o.complete(ctx, run, artifact)
}

func (o *Orchestrator) complete(ctx context.Context, run *Run, artifact *Artifact) (*Run, error) {
	run.State = StateCompleted
	run.Artifact = artifact
	run.CompletedAt = time.Now().UTC()
	o.record(ctx, run)
	o.logger.Info("pipeline run completed",
		logging.String("run_id", run.ID),
		logging.Int("stages", len(run.Stages)),
	)
	return run, nil
}

func (o *Orchestrator) fail(ctx context.Context, run *Run, stage State, cause error) error {
	perr := &PipelineError{RunID: run.ID, FailedStage: stage, Cause: cause}
	run.State = StateFailed
	run.FailedStage = stage
	run.Error = perr.Error()
	run.CompletedAt = time.Now().UTC()
	o.record(ctx, run)
	o.logger.Error("pipeline run failed", cause,
		logging.String("run_id", run.ID),
		logging.String("stage", string(stage)),
	)
	return perr
}

func (o *Orchestrator) record(ctx context.Context, run *Run) {
	if o.opts.Recorder == nil {
		return
	}
	if err := o.opts.Recorder.Record(ctx, run); err != nil {
		o.logger.Warn("failed to record run",
			logging.String("run_id", run.ID),
			logging.Err(err),
		)
	}
}

// runStage commits one forward transition: it applies the stage timeout, runs
// the stage body, and appends the stage result to the run before returning.
func runStage[T any](ctx context.Context, exec *execution, stage State, fn func(context.Context) (T, error)) (T, error) {
	exec.run.State = stage
	started := time.Now().UTC()

	stageCtx, cancel := context.WithTimeout(ctx, exec.o.opts.StageTimeout)
	defer cancel()

	out, err := fn(stageCtx)

	result := StageResult{Stage: stage, StartedAt: started, CompletedAt: time.Now().UTC()}
	if err != nil {
		if stageCtx.Err() == context.DeadlineExceeded {
			err = errors.TimeoutError(fmt.Sprintf("stage %s", stage))
		}
		result.Error = err.Error()
	} else {
		result.Output = out
	}
	exec.run.Stages = append(exec.run.Stages, result)

	exec.logger.Debug("stage finished",
		logging.String("stage", string(stage)),
		logging.Bool("ok", err == nil),
		logging.Duration("elapsed", result.CompletedAt.Sub(started)),
	)
	return out, err
}

// execution carries one run's collaborators through the stage bodies
type execution struct {
	o      *Orchestrator
	run    *Run
	req    Request
	ws     *staging.Workspace
	logger logging.Logger
}

// fetch asks the oracle for one database action and returns the row set
func (e *execution) fetch(ctx context.Context) ([]map[string]interface{}, error) {
	decisions, err := e.o.oracle.Decide(ctx, oracle.StageContext{
		Stage:  oracle.StageFetch,
		Prompt: e.req.Prompt,
	})
	if err != nil {
		return nil, err
	}
	if len(decisions) != 1 {
		return nil, errors.ProtocolError(
			fmt.Sprintf("fetch stage expects one decision, got %d", len(decisions)), nil)
	}

	result, err := e.invokeDecision(ctx, decisions[0])
	if err != nil {
		return nil, err
	}
	return result.Rows()
}

// deriveQuery asks the oracle for SQL against the staged schema and gates it.
// The orchestrator never writes SQL itself.
func (e *execution) deriveQuery(ctx context.Context) (string, error) {
	decisions, err := e.o.oracle.Decide(ctx, oracle.StageContext{
		Stage:  oracle.StageDeriveQuery,
		Prompt: e.req.Prompt,
		Tables: e.ws.Describe(),
	})
	if err != nil {
		return "", err
	}
	if len(decisions) != 1 {
		return "", errors.ProtocolError(
			fmt.Sprintf("query derivation expects one decision, got %d", len(decisions)), nil)
	}

	query := strings.TrimSpace(decisions[0].SQL)
	if query == "" {
		return "", errors.ValidationError("derived query is empty")
	}
	upper := strings.ToUpper(query)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return "", errors.ForbiddenError("derived query must be a SELECT")
	}
	return query, nil
}

// generateReport asks the oracle for one docgen action and returns the
// produced document's URL.
func (e *execution) generateReport(ctx context.Context, rows []map[string]interface{}) (string, error) {
	decisions, err := e.o.oracle.Decide(ctx, oracle.StageContext{
		Stage:  oracle.StageReport,
		Prompt: e.req.Prompt,
		Rows:   rows,
	})
	if err != nil {
		return "", err
	}
	if len(decisions) != 1 {
		return "", errors.ProtocolError(
			fmt.Sprintf("report stage expects one decision, got %d", len(decisions)), nil)
	}

	result, err := e.invokeDecision(ctx, decisions[0])
	if err != nil {
		return "", err
	}
	return documentURL(result)
}

// deliver fans the document out to every recipient, one bound call each.
// Partial success is carried in the aggregate; only every addressee failing
// fails the stage.
func (e *execution) deliver(ctx context.Context, docURL string, rows []map[string]interface{}) (*invoker.Aggregate, error) {
	decisions, err := e.o.oracle.Decide(ctx, oracle.StageContext{
		Stage:       oracle.StageDelivery,
		Prompt:      e.req.Prompt,
		Rows:        rows,
		DocumentURL: docURL,
		Recipients:  e.req.Recipients,
	})
	if err != nil {
		return nil, err
	}
	if len(decisions) == 0 {
		return nil, errors.ProtocolError("delivery stage got no decisions", nil)
	}

	addressees := make([]invoker.Addressee, 0, len(decisions))
	for _, d := range decisions {
		action, err := e.o.catalog.Lookup(d.ActionName)
		if err != nil {
			return nil, err
		}
		call, err := invoker.Bind(action, d.Params)
		if err != nil {
			return nil, err
		}
		key := d.AddresseeKey
		if key == "" {
			key = d.ActionName
		}
		addressees = append(addressees, invoker.Addressee{Key: key, Call: call})
	}

	agg, err := e.o.invoker.InvokeAll(ctx, addressees, e.o.opts.DeliveryConcurrency)
	if err != nil {
		return nil, err
	}
	if agg.AllFailed() {
		return nil, errors.TransientError("delivery failed for every addressee", nil)
	}
	return agg, nil
}

// invokeDecision resolves a decision's action, binds its parameters and
// executes the call, converting a failed result into its typed error.
func (e *execution) invokeDecision(ctx context.Context, d oracle.Decision) (*invoker.Result, error) {
	action, err := e.o.catalog.Lookup(d.ActionName)
	if err != nil {
		return nil, err
	}
	call, err := invoker.Bind(action, d.Params)
	if err != nil {
		return nil, err
	}
	result, err := e.o.invoker.Invoke(ctx, call)
	if err != nil {
		return nil, err
	}
	if !result.OK {
		return nil, result.Err()
	}
	return result, nil
}

// documentURL pulls the document reference out of a docgen response,
// accepting the field spellings the configured services use.
func documentURL(result *invoker.Result) (string, error) {
	for _, field := range []string{"documentUrl", "document_url", "url"} {
		if url, err := result.StringField(field); err == nil {
			return url, nil
		}
	}
	return "", errors.ProtocolError("document generation response has no document URL", nil)
}
