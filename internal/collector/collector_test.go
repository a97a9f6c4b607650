package collector

import (
	"context"
	"errors"
	"testing"
)

// fakeRunner returns canned output or an error for any command.
type fakeRunner struct {
	out []byte
	err error
}

func (r *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return r.out, r.err
}

func TestFailureClassification(t *testing.T) {
	tests := []struct {
		code      ReasonCode
		permanent bool
	}{
		{ReasonTimeout, false},
		{ReasonTransient, false},
		{ReasonUnsupported, true},
		{ReasonPermissionDenied, true},
		{ReasonMissingDependency, true},
	}
	for _, tt := range tests {
		f := &Failure{Code: tt.code}
		if f.Permanent() != tt.permanent {
			t.Errorf("Permanent(%s) = %v, want %v", tt.code, f.Permanent(), tt.permanent)
		}
	}
}

func TestAsFailure(t *testing.T) {
	if f := AsFailure(context.DeadlineExceeded); f.Code != ReasonTimeout {
		t.Errorf("deadline error classified as %s, want timeout", f.Code)
	}
	if f := AsFailure(errors.New("boom")); f.Code != ReasonTransient {
		t.Errorf("plain error classified as %s, want transient_error", f.Code)
	}
	orig := Failf(ReasonUnsupported, "no such platform")
	if f := AsFailure(orig); f != orig {
		t.Error("existing Failure should pass through unchanged")
	}
}

func TestFailureError(t *testing.T) {
	f := Failf(ReasonTimeout, "deadline hit after %dms", 500)
	want := "timeout: deadline hit after 500ms"
	if f.Error() != want {
		t.Errorf("Error() = %q, want %q", f.Error(), want)
	}
	bare := &Failure{Code: ReasonUnsupported}
	if bare.Error() != "unsupported" {
		t.Errorf("bare Error() = %q, want %q", bare.Error(), "unsupported")
	}
}
