package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"report-runner/internal/auth"
	"report-runner/internal/catalog"
	"report-runner/internal/common/utils"
	"report-runner/internal/invoker"
	"report-runner/internal/oracle"
	"report-runner/internal/orchestrator"
	"report-runner/internal/runstore"
	"report-runner/internal/secrets"
	"report-runner/internal/staging"
)

const (
	testJWTSecret = "0123456789abcdef0123456789abcdef"
	testPassword  = "correct horse battery staple"
)

func newAPIFixture(t *testing.T) (*Handlers, http.Handler, string, runstore.Store) {
	t.Helper()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasPrefix(r.URL.Path, "/db"):
			w.Write([]byte(`[{"id": 1, "total": 10.5}, {"id": 2, "total": 20.0}]`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(backend.Close)

	cat := catalog.New()
	require.NoError(t, cat.Register(&catalog.ActionDescriptor{
		Name:        "db_list_invoices",
		Description: "List invoices",
		Group:       catalog.GroupDatabase,
		Method:      "GET",
		URLTemplate: backend.URL + "/db/invoices",
	}))

	fake := oracle.NewScripted().
		On(oracle.StageFetch, oracle.Decision{ActionName: "db_list_invoices"}).
		On(oracle.StageDeriveQuery, oracle.Decision{SQL: "SELECT SUM(total) AS total FROM t_fetch_001"})

	inv := invoker.New(secrets.StaticStore{}, invoker.Options{
		Retry: utils.RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2.0},
	})

	store, err := runstore.New(runstore.Config{Type: runstore.TypeSQLite, SQLitePath: t.TempDir() + "/runs.db"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	orch := orchestrator.New(cat, fake, inv, staging.NewStore(), orchestrator.Options{
		StageTimeout: 5 * time.Second,
		Recorder:     store,
	})

	hash, err := auth.HashPassword(testPassword)
	require.NoError(t, err)
	authHandler := auth.New(testJWTSecret, "admin", hash)

	h := New(orch, cat, store, authHandler)
	router := h.Router()

	// issue a token for authenticated requests
	body, _ := json.Marshal(map[string]string{"username": "admin", "password": testPassword})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	var login struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &login))

	return h, router, login.Token, store
}

func doJSON(t *testing.T, router http.Handler, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	_, router, _, _ := newAPIFixture(t)

	rec := doJSON(t, router, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestLogin_BadCredentials(t *testing.T) {
	_, router, _, _ := newAPIFixture(t)

	rec := doJSON(t, router, http.MethodPost, "/api/auth/login", "",
		map[string]string{"username": "admin", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPI_RequiresToken(t *testing.T) {
	_, router, _, _ := newAPIFixture(t)

	for _, path := range []string{"/api/runs", "/api/actions"} {
		rec := doJSON(t, router, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestCreateRun_Success(t *testing.T) {
	_, router, token, store := newAPIFixture(t)

	rec := doJSON(t, router, http.MethodPost, "/api/runs", token,
		map[string]interface{}{"prompt": "sum of all invoice totals"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var run orchestrator.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, orchestrator.StateCompleted, run.State)
	require.NotNil(t, run.Artifact)
	assert.Equal(t, 30.5, run.Artifact.Rows[0]["total"])

	// the run was recorded and is retrievable
	rec = doJSON(t, router, http.MethodGet, "/api/runs/"+run.ID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	runs, err := store.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestCreateRun_EmptyPromptRejected(t *testing.T) {
	_, router, token, _ := newAPIFixture(t)

	rec := doJSON(t, router, http.MethodPost, "/api/runs", token,
		map[string]interface{}{"prompt": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateRun_FailedStageSurfaced(t *testing.T) {
	_, router, token, _ := newAPIFixture(t)

	// recipients force the pipeline past query execution; the scripted oracle
	// has no report decision, so the run fails at report generation
	rec := doJSON(t, router, http.MethodPost, "/api/runs", token, map[string]interface{}{
		"prompt":     "sum of all invoice totals",
		"recipients": []map[string]string{{"channel": "email", "address": "a@x.com"}},
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

	var body struct {
		Error       string `json:"error"`
		FailedStage string `json:"failed_stage"`
		RunID       string `json:"run_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "report_generation", body.FailedStage)
	assert.NotEmpty(t, body.RunID)
	assert.NotEmpty(t, body.Error)
}

func TestGetRun_NotFound(t *testing.T) {
	_, router, token, _ := newAPIFixture(t)

	rec := doJSON(t, router, http.MethodGet, "/api/runs/run-nope", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRuns_Empty(t *testing.T) {
	_, router, token, _ := newAPIFixture(t)

	rec := doJSON(t, router, http.MethodGet, "/api/runs", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())

	rec = doJSON(t, router, http.MethodGet, "/api/runs?limit=bogus", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListActions_OmitsTemplates(t *testing.T) {
	_, router, token, _ := newAPIFixture(t)

	rec := doJSON(t, router, http.MethodGet, "/api/actions", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var actions []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &actions))
	require.Len(t, actions, 1)
	assert.Equal(t, "db_list_invoices", actions[0]["name"])
	assert.NotContains(t, rec.Body.String(), "url")
}
