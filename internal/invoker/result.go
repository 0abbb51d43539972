package invoker

import (
	"fmt"

	"report-runner/internal/common/errors"
)

// FailureKind classifies an invocation failure
type FailureKind string

const (
	// KindValidation means the bound parameters were rejected before any I/O
	KindValidation FailureKind = "validation"
	// KindClient means the service rejected the request (4xx); never retried
	KindClient FailureKind = "client"
	// KindTransient means a 5xx, timeout or connection failure; retried with
	// backoff before being surfaced
	KindTransient FailureKind = "transient"
	// KindProtocol means the service returned success with a malformed body
	KindProtocol FailureKind = "protocol"
)

// Failure describes why an invocation did not succeed
type Failure struct {
	Kind             FailureKind `json:"kind"`
	Message          string      `json:"message"`
	UnderlyingStatus int         `json:"underlying_status,omitempty"`
}

// Result is the outcome of one invocation. It is never partially populated:
// either OK is true and StatusCode/Body are set, or Failure is set.
type Result struct {
	OK         bool        `json:"ok"`
	StatusCode int         `json:"status_code,omitempty"`
	Body       interface{} `json:"body,omitempty"`
	// Raw is true when the body could not be parsed as JSON and Body holds
	// the raw text instead
	Raw     bool     `json:"raw,omitempty"`
	Failure *Failure `json:"failure,omitempty"`
}

// Err converts a failed result into a typed error; successful results
// return nil.
func (r *Result) Err() error {
	if r.OK {
		return nil
	}
	if r.Failure == nil {
		return errors.InternalError("invocation failed with no recorded failure", nil)
	}

	msg := r.Failure.Message
	switch r.Failure.Kind {
	case KindValidation:
		return errors.ValidationError(msg)
	case KindClient:
		return errors.ClientError(msg)
	case KindTransient:
		return errors.TransientError(msg, nil)
	case KindProtocol:
		return errors.ProtocolError(msg, nil)
	default:
		return errors.InternalError(msg, nil)
	}
}

// Rows interprets the result body as a row set (an array of flat records),
// the shape returned by database-access actions.
func (r *Result) Rows() ([]map[string]interface{}, error) {
	if !r.OK {
		return nil, r.Err()
	}

	list, ok := r.Body.([]interface{})
	if !ok {
		return nil, errors.ProtocolError(
			fmt.Sprintf("expected a row set, got %T", r.Body), nil)
	}

	rows := make([]map[string]interface{}, 0, len(list))
	for i, item := range list {
		row, ok := item.(map[string]interface{})
		if !ok {
			return nil, errors.ProtocolError(
				fmt.Sprintf("row %d is not a flat record (%T)", i, item), nil)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// StringField extracts a top-level string field from an object body,
// used to pull document URLs out of docgen responses.
func (r *Result) StringField(name string) (string, error) {
	if !r.OK {
		return "", r.Err()
	}

	obj, ok := r.Body.(map[string]interface{})
	if !ok {
		return "", errors.ProtocolError(
			fmt.Sprintf("expected an object body, got %T", r.Body), nil)
	}

	val, ok := obj[name].(string)
	if !ok || val == "" {
		return "", errors.ProtocolError(
			fmt.Sprintf("response has no '%s' field", name), nil)
	}
	return val, nil
}

func successResult(status int, body interface{}, raw bool) *Result {
	return &Result{OK: true, StatusCode: status, Body: body, Raw: raw}
}

func failureResult(kind FailureKind, msg string, underlyingStatus int) *Result {
	return &Result{
		Failure: &Failure{Kind: kind, Message: msg, UnderlyingStatus: underlyingStatus},
	}
}
