package errors

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestControlErrorMessage(t *testing.T) {
	err := Transient("dispatch_task", "htm", stderrors.New("worker slot unavailable"))
	assert.Equal(t, "dispatch_task failed in htm: worker slot unavailable", err.Error())

	bare := Fatal("append_audit", "", stderrors.New("disk full"))
	assert.Equal(t, "append_audit failed: disk full", bare.Error())
}

func TestRetryabilityByKind(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"transient is retryable", Transient("op", "c", stderrors.New("x")), true},
		{"fatal is not", Fatal("op", "c", stderrors.New("x")), false},
		{"governance is not", Governance("op", "c", ErrDenied), false},
		{"integrity is not", Integrity("op", "c", ErrChainBroken), false},
		{"bare timeout is retryable", ErrTimeout, true},
		{"bare backpressure is retryable", ErrBackpressure, true},
		{"unknown is not", stderrors.New("mystery"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

func TestSentinelVisibleThroughWrapper(t *testing.T) {
	err := Governance("approve", "governance", ErrExpired)
	assert.True(t, stderrors.Is(err, ErrExpired))
	assert.False(t, stderrors.Is(err, ErrDenied))

	var ctrlErr *ControlError
	assert.True(t, stderrors.As(err, &ctrlErr))
	assert.Equal(t, KindGovernance, ctrlErr.Kind)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindIntegrity, KindOf(Integrity("verify", "audit", ErrChainBroken)))
	assert.Equal(t, KindTransient, KindOf(ErrTimeout))
	assert.Equal(t, KindFatal, KindOf(stderrors.New("unknown")))
}
