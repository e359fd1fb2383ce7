package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/karabo/pkg/retry"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			assert.Equal(t, test.expected, test.class.String())
		})
	}
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		invalid   bool
		fatal     bool
	}{
		{"nil", nil, false, false, false},
		{"connection lost", ErrConnectionLost, true, false, false},
		{"deadline", context.DeadlineExceeded, true, false, false},
		{"cancelled context", context.Canceled, false, false, true},
		{"invalid data", ErrInvalidData, false, true, false},
		{"timeout kind", New(Timeout, "no reply"), true, false, false},
		{"backpressure kind", New(Backpressure, ""), true, false, false},
		{"state violation", New(StateViolation, "OFF"), false, true, false},
		{"target gone", New(TargetGone, "A"), false, false, true},
		{"wrapped kind", fmt.Errorf("outer: %w", New(Format, "tag 99")), false, true, false},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("x")}, true, false, false},
		{"message pattern", fmt.Errorf("network unreachable"), true, false, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.transient, IsTransient(test.err), "transient")
			assert.Equal(t, test.invalid, IsInvalid(test.err), "invalid")
			assert.Equal(t, test.fatal, IsFatal(test.err), "fatal")
		})
	}
}

func TestKindError_Is(t *testing.T) {
	err := fmt.Errorf("request: %w", Newf(Timeout, "after %v", time.Second))

	assert.True(t, Is(err, Timeout))
	assert.True(t, Is(err, New(Timeout, "")))
	assert.False(t, Is(err, Cancelled))
	assert.Equal(t, Timeout, KindOf(err))
	assert.Equal(t, "after 1s", Details(err))
	assert.Equal(t, "timeout: after 1s", Newf(Timeout, "after %v", time.Second).Error())
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, RemoteError, KindOf(stderrors.New("boom")))
	assert.Equal(t, IDInUse, KindOf(IDInUse))

	cause := stderrors.New("socket closed")
	ke := WithKind(TransportDown, cause, "publish")
	assert.Equal(t, TransportDown, KindOf(ke))
	assert.ErrorIs(t, ke, cause)
	assert.Equal(t, "transport-down: publish: socket closed", ke.Error())
}

func TestKind_Class(t *testing.T) {
	assert.Equal(t, ErrorTransient, TransportOverrun.Class())
	assert.Equal(t, ErrorInvalid, ClassUnknown.Class())
	assert.Equal(t, ErrorFatal, SignalDrop.Class())
	assert.Equal(t, ErrorFatal, Kind("something-else").Class())
	assert.True(t, ArityError.Known())
	assert.False(t, Kind("something-else").Known())
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "Session", "Publish", "send"))

	err := Wrap(ErrNoConnection, "Session", "Publish", "send")
	assert.Equal(t, "Session.Publish: send failed: no connection available", err.Error())
	assert.ErrorIs(t, err, ErrNoConnection)
}

func TestWrapClassified(t *testing.T) {
	base := stderrors.New("base")

	tests := []struct {
		name  string
		wrap  func(error, string, string, string) error
		class ErrorClass
	}{
		{"transient", WrapTransient, ErrorTransient},
		{"invalid", WrapInvalid, ErrorInvalid},
		{"fatal", WrapFatal, ErrorFatal},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.wrap(base, "Server", "StartDevice", "spawn")
			var ce *ClassifiedError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, test.class, ce.Class)
			assert.Equal(t, "Server", ce.Component)
			assert.Equal(t, "StartDevice", ce.Operation)
			assert.ErrorIs(t, err, base)
			assert.Equal(t, test.class, Classify(err))
			assert.Nil(t, test.wrap(nil, "a", "b", "c"))
		})
	}
}

func TestRetryConfig(t *testing.T) {
	rc := ReconnectRetryConfig()

	assert.True(t, rc.ShouldRetry(ErrConnectionLost, 1000), "unbounded retries")
	assert.False(t, rc.ShouldRetry(ErrInvalidData, 0))
	assert.False(t, rc.ShouldRetry(nil, 0))

	assert.Equal(t, 100*time.Millisecond, rc.BackoffDelay(0))
	assert.Equal(t, 200*time.Millisecond, rc.BackoffDelay(1))
	assert.Equal(t, 10*time.Second, rc.BackoffDelay(20))

	cfg := rc.ToRetryConfig()
	assert.Equal(t, retry.Unlimited, cfg.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.MaxDelay)

	bounded := RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Second, BackoffFactor: 2}
	assert.Equal(t, 3, bounded.ToRetryConfig().MaxAttempts)
	assert.False(t, bounded.ShouldRetry(ErrConnectionLost, 2))
}
