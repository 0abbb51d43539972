// Package invoker compiles action descriptors plus bound parameters into
// outbound HTTP requests, executes them with bounded timeouts and retries,
// and maps every outcome into a typed Result.
package invoker

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"report-runner/internal/catalog"
	"report-runner/internal/common/cache"
	"report-runner/internal/common/errors"
	"report-runner/internal/common/logging"
	"report-runner/internal/common/utils"
	"report-runner/internal/interpolate"
	"report-runner/internal/secrets"
)

// BoundCall is an action descriptor with concrete, validated parameters,
// ready to execute. Created per invocation and discarded after.
type BoundCall struct {
	Descriptor *catalog.ActionDescriptor
	Params     map[string]interface{}
}

// Bind validates caller parameters against the descriptor's schema and
// returns a bound call. It fails fast with a validation error: required
// parameters must be present (after defaults), values must match their
// declared type, and enum constraints are enforced. No network I/O happens
// here or before this succeeds.
func Bind(d *catalog.ActionDescriptor, params map[string]interface{}) (*BoundCall, error) {
	bound := make(map[string]interface{}, len(params))

	for name := range params {
		if _, declared := d.Parameters[name]; !declared {
			return nil, errors.ValidationError(
				fmt.Sprintf("action '%s': unknown parameter '%s'", d.Name, name))
		}
	}

	for name, spec := range d.Parameters {
		val, present := params[name]
		if !present {
			if spec.Default != nil {
				bound[name] = spec.Default
				continue
			}
			if spec.Required {
				return nil, errors.ValidationError(
					fmt.Sprintf("action '%s': missing required parameter '%s'", d.Name, name))
			}
			continue
		}

		if err := checkType(d.Name, name, spec.Type, val); err != nil {
			return nil, err
		}
		if err := checkEnum(d.Name, name, spec.Enum, val); err != nil {
			return nil, err
		}
		bound[name] = val
	}

	return &BoundCall{Descriptor: d, Params: bound}, nil
}

func checkType(action, param, typ string, val interface{}) error {
	ok := false
	switch typ {
	case catalog.TypeString:
		_, ok = val.(string)
	case catalog.TypeInt:
		switch v := val.(type) {
		case int, int32, int64:
			ok = true
		case float64:
			ok = v == float64(int64(v))
		}
	case catalog.TypeFloat:
		switch val.(type) {
		case float32, float64, int, int64:
			ok = true
		}
	case catalog.TypeBool:
		_, ok = val.(bool)
	case catalog.TypeArray:
		_, ok = val.([]interface{})
	case catalog.TypeObject:
		_, ok = val.(map[string]interface{})
	}

	if !ok {
		return errors.ValidationError(
			fmt.Sprintf("action '%s': parameter '%s' must be %s, got %T", action, param, typ, val))
	}
	return nil
}

func checkEnum(action, param string, enum []interface{}, val interface{}) error {
	if len(enum) == 0 {
		return nil
	}
	for _, allowed := range enum {
		if fmt.Sprint(allowed) == fmt.Sprint(val) {
			return nil
		}
	}
	return errors.ValidationError(
		fmt.Sprintf("action '%s': parameter '%s' value %v is not in the allowed set", action, param, val))
}

// Options configures an Invoker
type Options struct {
	// Timeout bounds each HTTP attempt
	Timeout time.Duration
	// Retry controls backoff for transient failures
	Retry utils.RetryConfig
	// Transport overrides the HTTP transport (tests inject counters here)
	Transport http.RoundTripper
	// Cache, when set, serves repeated GET invocations
	Cache    cache.Cache
	CacheTTL time.Duration
	Logger   logging.Logger
}

// Invoker executes bound calls against external services
type Invoker struct {
	client   *http.Client
	secrets  secrets.Store
	retry    utils.RetryConfig
	cache    cache.Cache
	cacheTTL time.Duration
	logger   logging.Logger
}

// New creates an invoker backed by the given secret store
func New(store secrets.Store, opts Options) *Invoker {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = utils.DefaultRetryConfig()
	}
	if opts.CacheTTL == 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetGlobalLogger()
	}

	client := &http.Client{Timeout: opts.Timeout}
	if opts.Transport != nil {
		client.Transport = opts.Transport
	}

	return &Invoker{
		client:   client,
		secrets:  store,
		retry:    opts.Retry,
		cache:    opts.Cache,
		cacheTTL: opts.CacheTTL,
		logger:   opts.Logger,
	}
}

// resolvedRequest is one fully rendered outbound request. The redacted
// fields mirror the real ones with secret material masked.
type resolvedRequest struct {
	method      string
	url         string
	headers     map[string]string
	body        []byte
	redactedURL string
}

// Invoke executes one bound call. Template resolution failures (unresolved
// or ambiguous placeholders) are returned as errors before any network I/O;
// executed calls always come back as a Result, successful or not.
func (inv *Invoker) Invoke(ctx context.Context, call *BoundCall) (*Result, error) {
	req, err := inv.resolveRequest(call)
	if err != nil {
		return nil, err
	}

	log := inv.logger.WithContext(ctx)
	log.Debug("invoking action",
		logging.String("action", call.Descriptor.Name),
		logging.String("method", req.method),
		logging.String("url", req.redactedURL),
	)

	if cached, found := inv.cachedResult(ctx, req); found {
		log.Debug("cache hit", logging.String("action", call.Descriptor.Name))
		return cached, nil
	}

	var result *Result

	retryCfg := inv.retry
	retryCfg.RetryableErrors = func(err error) bool {
		return errors.IsType(err, errors.ErrTypeTransient)
	}

	retryErr := utils.RetryWithBackoff(ctx, retryCfg, func() error {
		attempt, attemptErr := inv.attempt(ctx, req)
		if attemptErr != nil {
			log.Warn("attempt failed",
				logging.String("action", call.Descriptor.Name),
				logging.Err(attemptErr),
			)
			return attemptErr
		}
		result = attempt
		return nil
	})

	if retryErr != nil {
		result = failureResult(KindTransient,
			fmt.Sprintf("action '%s': %v", call.Descriptor.Name, retryErr), 0)
	}

	if result.OK {
		inv.storeResult(ctx, req, result)
	} else {
		log.Warn("invocation failed",
			logging.String("action", call.Descriptor.Name),
			logging.String("kind", string(result.Failure.Kind)),
		)
	}

	return result, nil
}

// resolveRequest renders every template of the call. Unresolved or ambiguous
// placeholders fail here, before any network I/O.
func (inv *Invoker) resolveRequest(call *BoundCall) (*resolvedRequest, error) {
	d := call.Descriptor

	resolvedURL, err := interpolate.Resolve(d.URLTemplate, call.Params, inv.secrets)
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string, len(d.HeaderTemplates))
	for name, tmpl := range d.HeaderTemplates {
		resolved, err := interpolate.Resolve(tmpl, call.Params, inv.secrets)
		if err != nil {
			return nil, err
		}
		headers[name] = resolved.Value
	}

	var body []byte
	if d.BodyTemplate != nil {
		real, _, err := interpolate.ResolveValue(d.BodyTemplate, call.Params, inv.secrets)
		if err != nil {
			return nil, err
		}
		body, err = json.Marshal(real)
		if err != nil {
			return nil, errors.InternalError("failed to marshal request body", err)
		}
		if _, set := headers["Content-Type"]; !set {
			headers["Content-Type"] = "application/json"
		}
	}

	return &resolvedRequest{
		method:      d.Method,
		url:         resolvedURL.Value,
		headers:     headers,
		body:        body,
		redactedURL: resolvedURL.Redacted,
	}, nil
}

// attempt executes a single HTTP attempt. It returns an error only for
// transient conditions (connection failure, timeout, 5xx) so the retry
// wrapper can distinguish them; every other outcome is a final Result.
func (inv *Invoker) attempt(ctx context.Context, req *resolvedRequest) (*Result, error) {
	var bodyReader io.Reader
	if req.body != nil {
		bodyReader = bytes.NewReader(req.body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, req.url, bodyReader)
	if err != nil {
		return failureResult(KindClient, fmt.Sprintf("invalid request: %v", err), 0), nil
	}
	for name, value := range req.headers {
		httpReq.Header.Set(name, value)
	}

	resp, err := inv.client.Do(httpReq)
	if err != nil {
		return nil, errors.TransientError(fmt.Sprintf("request to %s failed", req.redactedURL), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.TransientError("failed to read response body", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return classifySuccess(resp, respBody), nil
	case resp.StatusCode >= 500:
		return nil, errors.TransientError(
			fmt.Sprintf("HTTP %d from %s", resp.StatusCode, req.redactedURL), nil).
			WithContext("status", resp.StatusCode)
	default:
		return failureResult(KindClient,
			fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 512)),
			resp.StatusCode), nil
	}
}

// classifySuccess parses a 2xx body. A declared JSON content type that fails
// to parse is a protocol failure; undeclared bodies are parsed best-effort
// and fall back to raw text.
func classifySuccess(resp *http.Response, body []byte) *Result {
	if len(body) == 0 {
		return successResult(resp.StatusCode, nil, false)
	}

	var parsed interface{}
	parseErr := json.Unmarshal(body, &parsed)

	if strings.Contains(resp.Header.Get("Content-Type"), "json") {
		if parseErr != nil {
			return failureResult(KindProtocol,
				fmt.Sprintf("declared JSON body failed to parse: %v", parseErr),
				resp.StatusCode)
		}
		return successResult(resp.StatusCode, parsed, false)
	}

	if parseErr != nil {
		return successResult(resp.StatusCode, string(body), true)
	}
	return successResult(resp.StatusCode, parsed, false)
}

func (inv *Invoker) cachedResult(ctx context.Context, req *resolvedRequest) (*Result, bool) {
	if inv.cache == nil || req.method != http.MethodGet {
		return nil, false
	}

	encoded, found := inv.cache.Get(ctx, cacheKey(req))
	if !found {
		return nil, false
	}

	var result Result
	if err := cache.UnmarshalValue(encoded, &result); err != nil {
		return nil, false
	}
	return &result, true
}

func (inv *Invoker) storeResult(ctx context.Context, req *resolvedRequest, result *Result) {
	if inv.cache == nil || req.method != http.MethodGet {
		return
	}

	encoded, err := cache.MarshalValue(result)
	if err != nil {
		return
	}
	if err := inv.cache.Set(ctx, cacheKey(req), encoded, inv.cacheTTL); err != nil {
		inv.logger.Warn("failed to cache invocation result", logging.Err(err))
	}
}

func cacheKey(req *resolvedRequest) string {
	names := make([]string, 0, len(req.headers))
	for name := range req.headers {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	h.Write([]byte(req.method))
	h.Write([]byte(req.url))
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte(req.headers[name]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
