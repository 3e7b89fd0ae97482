package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapFormatsComponentMethodAction(t *testing.T) {
	err := Wrap(ErrPortExhausted, "Allocator", "Assign", "scan range")
	assert.EqualError(t, err, "Allocator.Assign: scan range failed: no port available in configured range")
	assert.True(t, Is(err, ErrPortExhausted))
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "a", "b", "c"))
	assert.NoError(t, WrapTransient(nil, "a", "b", "c"))
	assert.NoError(t, WrapInvalid(nil, "a", "b", "c"))
	assert.NoError(t, WrapFatal(nil, "a", "b", "c"))
}

func TestClassifiedErrorsKeepClass(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		class ErrorClass
	}{
		{"transient", WrapTransient(ErrConnectionLost, "Session", "Acquire", "open connection"), ErrorTransient},
		{"invalid", WrapInvalid(ErrInvalidConfig, "Config", "Validate", "check fields"), ErrorInvalid},
		{"fatal", WrapFatal(fmt.Errorf("boom"), "Store", "Open", "open database"), ErrorFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ce *ClassifiedError
			assert.True(t, As(tt.err, &ce))
			assert.Equal(t, tt.class, ce.Class)
			assert.Equal(t, tt.class, Classify(tt.err))
		})
	}
}

func TestIsTransientSentinels(t *testing.T) {
	assert.True(t, IsTransient(ErrConnectionTimeout))
	assert.True(t, IsTransient(fmt.Errorf("read: %w", context.DeadlineExceeded)))
	assert.False(t, IsTransient(ErrActionUnknown))
	assert.False(t, IsTransient(nil))
}

func TestIsInvalidSentinels(t *testing.T) {
	assert.True(t, IsInvalid(ErrActionUnknown))
	assert.True(t, IsInvalid(fmt.Errorf("factory: %w", ErrUnknownProtocol)))
	assert.False(t, IsInvalid(ErrConnectionLost))
}

func TestErrorClassString(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(42).String())
}
