package errors_test

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	perrors "github.com/insightengine/pipeline/pkg/pipeline/errors"
)

// TestKindString verifies kind names.
func TestKindString(t *testing.T) {
	tests := []struct {
		kind perrors.Kind
		want string
	}{
		{perrors.KindTransient, "transient"},
		{perrors.KindPoison, "poison"},
		{perrors.KindLeaseConflict, "lease_conflict"},
		{perrors.KindLeaseExpired, "lease_expired"},
		{perrors.KindExhausted, "exhausted"},
		{perrors.Kind(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.kind.String())
		})
	}
}

// TestClassify verifies error-to-kind routing.
func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want perrors.Kind
	}{
		{
			"nil error",
			nil,
			perrors.KindTransient,
		},
		{
			"plain error",
			stderrors.New("boom"),
			perrors.KindTransient,
		},
		{
			"classified poison",
			perrors.Poison(stderrors.New("bad payload"), "decode"),
			perrors.KindPoison,
		},
		{
			"classified transient",
			perrors.Transient(stderrors.New("conn refused"), "publish"),
			perrors.KindTransient,
		},
		{
			"wrapped classified",
			fmt.Errorf("outer: %w", perrors.Poison(stderrors.New("inner"), "decode")),
			perrors.KindPoison,
		},
		{
			"validation error",
			&perrors.ValidationError{Field: "tenant", Message: "must not be empty"},
			perrors.KindPoison,
		},
		{
			"lease expired error",
			&perrors.LeaseExpiredError{Key: "a/b/parsed/g0", Owner: "w1"},
			perrors.KindLeaseExpired,
		},
		{
			"timeout error",
			&perrors.TimeoutError{Operation: "parse", Duration: time.Second.String()},
			perrors.KindTransient,
		},
		{
			"context deadline",
			context.DeadlineExceeded,
			perrors.KindTransient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, perrors.Classify(tt.err))
		})
	}
}

// TestPredicates verifies IsPoison and IsRetryable.
func TestPredicates(t *testing.T) {
	poison := perrors.Poison(stderrors.New("bad"), "decode")
	transient := perrors.Transient(stderrors.New("flaky"), "fetch")

	assert.True(t, perrors.IsPoison(poison))
	assert.False(t, perrors.IsPoison(transient))
	assert.True(t, perrors.IsRetryable(transient))
	assert.False(t, perrors.IsRetryable(poison))
}

// TestClassifiedErrorUnwrap verifies the error chain stays intact.
func TestClassifiedErrorUnwrap(t *testing.T) {
	inner := stderrors.New("root cause")
	err := perrors.Transient(inner, "fetch page")

	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "fetch page")
	assert.Contains(t, err.Error(), "root cause")
}
