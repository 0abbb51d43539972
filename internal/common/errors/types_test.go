package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		expected string
	}{
		{
			name:     "simple validation error",
			err:      ValidationError("missing required parameter"),
			expected: "validation: missing required parameter",
		},
		{
			name:     "error with code",
			err:      ClientError("bad request").WithCode("HTTP_400"),
			expected: "client: bad request: code=HTTP_400",
		},
		{
			name:     "error with cause",
			err:      TransientError("request failed", fmt.Errorf("connection refused")),
			expected: "transient: request failed: cause=connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestIsType(t *testing.T) {
	assert.True(t, IsType(ValidationError("bad"), ErrTypeValidation))
	assert.False(t, IsType(ValidationError("bad"), ErrTypeClient))
	assert.False(t, IsType(nil, ErrTypeValidation))
	assert.False(t, IsType(fmt.Errorf("plain"), ErrTypeValidation))

	// Wrapped AppErrors are still detected
	wrapped := fmt.Errorf("stage failed: %w", TransientError("timeout", nil))
	assert.True(t, IsType(wrapped, ErrTypeTransient))
}

func TestGetType(t *testing.T) {
	assert.Equal(t, ErrTypeForbidden, GetType(ForbiddenError("no DDL")))
	assert.Equal(t, ErrTypeInternal, GetType(fmt.Errorf("plain")))
	assert.Equal(t, ErrorType(""), GetType(nil))
}

func TestUnwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := InternalError("wrapper", cause)
	assert.Equal(t, cause, err.Unwrap())
}

func TestWithContext(t *testing.T) {
	err := NotFoundError("action").WithContext("name", "db_get_users")
	assert.Contains(t, err.Error(), "name=db_get_users")
}
