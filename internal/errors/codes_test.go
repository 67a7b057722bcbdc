package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
)

func TestGRPCCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"nil", nil, codes.OK},
		{"unsupported", UnsupportedOperation("FastForward", "reference mode"), codes.Unimplemented},
		{"missing value", MissingValue("Add"), codes.InvalidArgument},
		{"mismatch", ValueMismatch("a", "b"), codes.InvalidArgument},
		{"not found", EntityNotFound("x"), codes.NotFound},
		{"sync timeout", SyncTimeout(3), codes.DeadlineExceeded},
		{"backing", BackingStoreFailed("x", stderrors.New("down")), codes.Unavailable},
		{"wrapped closed", fmt.Errorf("send: %w", Closed("store")), codes.Unavailable},
		{"internal", InternalError("boom", nil), codes.Internal},
		{"deadline", fmt.Errorf("wait: %w", context.DeadlineExceeded), codes.DeadlineExceeded},
		{"cancelled", context.Canceled, codes.Canceled},
		{"plain", stderrors.New("plain"), codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GRPCCode(tt.err))
		})
	}
}

func TestStoreError_IsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("bridging: %w", UnsupportedOperation("FastForward", "reference mode"))

	assert.True(t, stderrors.Is(err, ErrUnsupportedOperation))
	assert.False(t, stderrors.Is(err, ErrMissingValue))
	assert.True(t, IsStoreError(err))
	assert.Equal(t, ErrCodeUnsupportedOperation, GetCode(err))
	assert.Equal(t, ErrCodeInternal, GetCode(stderrors.New("plain")))
}

func TestStoreError_UnwrapAndDetails(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := BackingStoreFailed("entity-1", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "entity-1", err.Details["entity_id"])
	assert.Contains(t, err.Error(), "connection refused")
}
