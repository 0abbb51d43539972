package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"report-runner/internal/catalog"
	"report-runner/internal/common/errors"
	"report-runner/internal/common/utils"
	"report-runner/internal/invoker"
	"report-runner/internal/oracle"
	"report-runner/internal/secrets"
	"report-runner/internal/staging"
)

// pipelineServer fakes the three external services behind one endpoint
type pipelineServer struct {
	*httptest.Server

	mu          sync.Mutex
	fetchCalls  int
	docgenCalls int
	deliveries  []string
	failMailTo  string
	failAll     bool
}

func newPipelineServer() *pipelineServer {
	ps := &pipelineServer{}
	ps.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ps.mu.Lock()
		defer ps.mu.Unlock()

		switch {
		case strings.HasPrefix(r.URL.Path, "/db"):
			ps.fetchCalls++
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`[{"id": 1, "total": 10.5}, {"id": 2, "total": 20.0}]`))
		case strings.HasPrefix(r.URL.Path, "/docgen"):
			ps.docgenCalls++
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"documentUrl": "https://docs.internal/report.pdf"}`))
		case strings.HasPrefix(r.URL.Path, "/email"), strings.HasPrefix(r.URL.Path, "/chat"):
			to := r.URL.Query().Get("to")
			ps.deliveries = append(ps.deliveries, to)
			if ps.failAll || (ps.failMailTo != "" && to == ps.failMailTo) {
				http.Error(w, "mailbox unavailable", http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"delivered": true}`))
		default:
			http.NotFound(w, r)
		}
	}))
	return ps
}

func pipelineCatalog(t *testing.T, baseURL string) *catalog.Catalog {
	t.Helper()
	cat := catalog.New()

	descriptors := []*catalog.ActionDescriptor{
		{
			Name: "db_list_invoices", Group: catalog.GroupDatabase, Method: "GET",
			URLTemplate: baseURL + "/db/invoices",
		},
		{
			Name: "docgen_generate_report", Group: catalog.GroupDocGen, Method: "POST",
			URLTemplate: baseURL + "/docgen/generate",
			BodyTemplate: map[string]interface{}{
				"title": "${title}",
			},
			Parameters: map[string]catalog.ParameterSpec{
				"title": {Type: catalog.TypeString, Required: true},
			},
		},
		{
			Name: "comms_send_email", Group: catalog.GroupComms, Method: "POST",
			URLTemplate: baseURL + "/email?to=${to}",
			Parameters: map[string]catalog.ParameterSpec{
				"to": {Type: catalog.TypeString, Required: true},
			},
		},
		{
			Name: "comms_post_chat_message", Group: catalog.GroupComms, Method: "POST",
			URLTemplate: baseURL + "/chat?to=${channel}",
			Parameters: map[string]catalog.ParameterSpec{
				"channel": {Type: catalog.TypeString, Required: true},
			},
		},
	}
	for _, d := range descriptors {
		require.NoError(t, cat.Register(d))
	}
	return cat
}

// happyOracle scripts the full pipeline against pipelineCatalog
func happyOracle(recipients []oracle.Recipient) *oracle.Scripted {
	fake := oracle.NewScripted().
		On(oracle.StageFetch, oracle.Decision{ActionName: "db_list_invoices"}).
		On(oracle.StageDeriveQuery, oracle.Decision{SQL: "SELECT SUM(total) AS total FROM t_fetch_001"}).
		On(oracle.StageReport, oracle.Decision{
			ActionName: "docgen_generate_report",
			Params:     map[string]interface{}{"title": "invoice report"},
		})

	deliveries := make([]oracle.Decision, 0, len(recipients))
	for _, r := range recipients {
		action := "comms_send_email"
		param := "to"
		if r.Channel == oracle.ChannelChat {
			action = "comms_post_chat_message"
			param = "channel"
		}
		deliveries = append(deliveries, oracle.Decision{
			ActionName:   action,
			Params:       map[string]interface{}{param: r.Address},
			AddresseeKey: r.Address,
		})
	}
	fake.On(oracle.StageDelivery, deliveries...)
	return fake
}

type testPipeline struct {
	server *pipelineServer
	store  *staging.Store
	oracle *oracle.Scripted
	orch   *Orchestrator

	mu      sync.Mutex
	records []*Run
}

func (tp *testPipeline) Record(ctx context.Context, run *Run) error {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	tp.records = append(tp.records, run)
	return nil
}

func newTestPipeline(t *testing.T, fake *oracle.Scripted) *testPipeline {
	t.Helper()
	server := newPipelineServer()
	t.Cleanup(server.Close)

	cat := pipelineCatalog(t, server.URL)
	inv := invoker.New(secrets.StaticStore{}, invoker.Options{
		Retry: utils.RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2.0},
	})
	store := staging.NewStore()

	tp := &testPipeline{server: server, store: store, oracle: fake}
	tp.orch = New(cat, fake, inv, store, Options{
		StageTimeout: 5 * time.Second,
		Recorder:     tp,
	})
	return tp
}

func defaultRecipients() []oracle.Recipient {
	return []oracle.Recipient{
		{Channel: oracle.ChannelEmail, Address: "a@x.com"},
		{Channel: oracle.ChannelEmail, Address: "b@x.com"},
		{Channel: oracle.ChannelChat, Address: "C1"},
	}
}

func TestExecute_FullPipeline(t *testing.T) {
	recipients := defaultRecipients()
	tp := newTestPipeline(t, happyOracle(recipients))

	run, err := tp.orch.Execute(context.Background(), Request{
		Prompt:     "sum of all invoice totals",
		Recipients: recipients,
	})
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, run.State)
	require.NotNil(t, run.Artifact)
	require.Len(t, run.Artifact.Rows, 1)
	assert.Equal(t, 30.5, run.Artifact.Rows[0]["total"])
	assert.Equal(t, "https://docs.internal/report.pdf", run.Artifact.DocumentURL)

	require.NotNil(t, run.Artifact.Delivery)
	assert.Equal(t, 3, run.Artifact.Delivery.Succeeded)
	assert.Equal(t, 0, run.Artifact.Delivery.Failed)

	// every stage committed, in order
	stages := make([]State, 0, len(run.Stages))
	for _, s := range run.Stages {
		stages = append(stages, s.Stage)
	}
	assert.Equal(t, []State{
		StateFetching, StateStaging, StateQueryDerivation,
		StateQueryExecution, StateReportGeneration, StateDelivery,
	}, stages)

	assert.Equal(t, 0, tp.store.ActiveRuns(), "staging torn down after success")
	require.Len(t, tp.records, 1)
	assert.Equal(t, StateCompleted, tp.records[0].State)
}

func TestExecute_RowsOnlyStopsAfterQueryExecution(t *testing.T) {
	tp := newTestPipeline(t, happyOracle(nil))

	run, err := tp.orch.Execute(context.Background(), Request{Prompt: "sum of all invoice totals"})
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, run.State)
	assert.Equal(t, 30.5, run.Artifact.Rows[0]["total"])
	assert.Empty(t, run.Artifact.DocumentURL)
	assert.Nil(t, run.Artifact.Delivery)

	assert.Equal(t, 0, tp.oracle.CallCount(oracle.StageReport))
	assert.Equal(t, 0, tp.oracle.CallCount(oracle.StageDelivery))
	assert.Equal(t, 0, tp.store.ActiveRuns(), "staging torn down")
}

func TestExecute_ReportWithoutDelivery(t *testing.T) {
	tp := newTestPipeline(t, happyOracle(nil))

	run, err := tp.orch.Execute(context.Background(), Request{
		Prompt:         "sum of all invoice totals",
		GenerateReport: true,
	})
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, run.State)
	assert.Equal(t, "https://docs.internal/report.pdf", run.Artifact.DocumentURL)
	assert.Nil(t, run.Artifact.Delivery)
	assert.Equal(t, 0, tp.oracle.CallCount(oracle.StageDelivery))
}

func TestExecute_FailFastHaltsLaterStages(t *testing.T) {
	fake := happyOracle(nil).
		FailOn(oracle.StageDeriveQuery, errors.TransientError("oracle unavailable", nil))
	tp := newTestPipeline(t, fake)

	run, err := tp.orch.Execute(context.Background(), Request{Prompt: "sum of invoice totals"})
	require.Error(t, err)

	var perr *PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StateQueryDerivation, perr.FailedStage)
	assert.Contains(t, perr.Error(), "oracle unavailable")

	assert.Equal(t, StateFailed, run.State)
	assert.Equal(t, StateQueryDerivation, run.FailedStage)
	assert.Nil(t, run.Artifact)

	// the third stage after the failure never ran
	assert.Equal(t, 0, tp.oracle.CallCount(oracle.StageReport))
	assert.Equal(t, 0, tp.server.docgenCalls)

	assert.Equal(t, 0, tp.store.ActiveRuns(), "staging torn down after failure")
	require.Len(t, tp.records, 1)
	assert.Equal(t, StateFailed, tp.records[0].State)
}

func TestExecute_DerivedQueryGate(t *testing.T) {
	tests := []struct {
		name    string
		sql     string
		errType errors.ErrorType
	}{
		{"empty", "   ", errors.ErrTypeValidation},
		{"ddl", "DROP TABLE t_fetch_001", errors.ErrTypeForbidden},
		{"write", "DELETE FROM t_fetch_001", errors.ErrTypeForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := happyOracle(nil).On(oracle.StageDeriveQuery, oracle.Decision{SQL: tt.sql})
			tp := newTestPipeline(t, fake)

			_, err := tp.orch.Execute(context.Background(), Request{Prompt: "sum"})
			require.Error(t, err)

			var perr *PipelineError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, StateQueryDerivation, perr.FailedStage)
			assert.True(t, errors.IsType(perr.Cause, tt.errType))
			assert.Equal(t, 0, tp.store.ActiveRuns())
		})
	}
}

func TestExecute_PartialDeliverySucceeds(t *testing.T) {
	recipients := defaultRecipients()
	tp := newTestPipeline(t, happyOracle(recipients))
	tp.server.failMailTo = "b@x.com"

	run, err := tp.orch.Execute(context.Background(), Request{
		Prompt:     "sum of all invoice totals",
		Recipients: recipients,
	})
	require.NoError(t, err, "partial fan-out success is not a stage failure")

	agg := run.Artifact.Delivery
	require.NotNil(t, agg)
	assert.Equal(t, 2, agg.Succeeded)
	assert.Equal(t, 1, agg.Failed)
	require.Len(t, agg.Outcomes, 3)

	for _, o := range agg.Outcomes {
		if o.Key == "b@x.com" {
			assert.False(t, o.Result.OK)
		} else {
			assert.True(t, o.Result.OK)
		}
	}

	// one bound call per addressee: 2 mail + 1 chat
	assert.Len(t, tp.server.deliveries, 3)
}

func TestExecute_AllDeliveriesFailedFailsStage(t *testing.T) {
	recipients := defaultRecipients()
	tp := newTestPipeline(t, happyOracle(recipients))
	tp.server.failAll = true

	run, err := tp.orch.Execute(context.Background(), Request{
		Prompt:     "sum of all invoice totals",
		Recipients: recipients,
	})
	require.Error(t, err)

	var perr *PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StateDelivery, perr.FailedStage)
	assert.Equal(t, StateFailed, run.State)
	assert.Equal(t, 0, tp.store.ActiveRuns())
}

func TestExecute_CancellationTearsDownStaging(t *testing.T) {
	tp := newTestPipeline(t, happyOracle(nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tp.orch.Execute(ctx, Request{Prompt: "sum of invoice totals"})
	require.Error(t, err)

	var perr *PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 0, tp.store.ActiveRuns(), "staging torn down after cancellation")
}

func TestExecute_RequestValidation(t *testing.T) {
	tp := newTestPipeline(t, happyOracle(nil))
	ctx := context.Background()

	_, err := tp.orch.Execute(ctx, Request{Prompt: "   "})
	assert.True(t, errors.IsType(err, errors.ErrTypeValidation))

	_, err = tp.orch.Execute(ctx, Request{
		Prompt:     "x",
		Recipients: []oracle.Recipient{{Channel: "pigeon", Address: "coop"}},
	})
	assert.True(t, errors.IsType(err, errors.ErrTypeValidation))

	_, err = tp.orch.Execute(ctx, Request{
		Prompt:     "x",
		Recipients: []oracle.Recipient{{Channel: oracle.ChannelEmail}},
	})
	assert.True(t, errors.IsType(err, errors.ErrTypeValidation))

	assert.Empty(t, tp.oracle.Calls(), "invalid requests never start a run")
	assert.Equal(t, 0, tp.store.ActiveRuns())
}

func TestExecute_ConcurrentRunsAreIsolated(t *testing.T) {
	tp := newTestPipeline(t, happyOracle(nil))

	var wg sync.WaitGroup
	results := make([]*Run, 4)
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = tp.orch.Execute(context.Background(), Request{Prompt: "sum of invoice totals"})
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for i := 0; i < 4; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, 30.5, results[i].Artifact.Rows[0]["total"])
		assert.False(t, seen[results[i].ID], "run IDs are unique")
		seen[results[i].ID] = true
	}
	assert.Equal(t, 0, tp.store.ActiveRuns())
}
