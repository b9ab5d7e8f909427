package cba

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
)

func TestCausalChain(t *testing.T) {
	root := errors.New("connection refused")
	err := fmt.Errorf("uploading block 3: %w", &TransportError{Provider: "s3", Op: "stage block 3", Kind: ErrTransport, Err: root})

	got := CausalChain(err)
	want := []string{
		"uploading block 3: s3 stage block 3: transport error: connection refused",
		"s3 stage block 3: transport error: connection refused",
		"transport error",
		"connection refused",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("CausalChain() =\n%q\nwant\n%q", got, want)
	}

	if got := CausalChain(nil); got != nil {
		t.Errorf("CausalChain(nil) = %v, want nil", got)
	}
}

func TestEngineFailure_Trace(t *testing.T) {
	f := &EngineFailure{Engine: "backup", Err: errors.New("boom"), Stack: "goroutine 1\n"}
	got := f.Trace()
	if len(got) != 2 || got[0] != "boom" || got[1] != "goroutine 1" {
		t.Errorf("Trace() = %q", got)
	}
	if !errors.Is(f, f.Err) {
		t.Error("EngineFailure does not unwrap to its cause")
	}
}

func TestIsRecoverable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "store", err: &StoreError{Op: "reading", Err: errors.New("locked")}, want: true},
		{name: "transport", err: &TransportError{Kind: ErrTransport, Err: errors.New("reset")}, want: true},
		{name: "integrity", err: &TransportError{Kind: ErrIntegrity, Err: errors.New("md5")}, want: true},
		{name: "not found", err: fmt.Errorf("blob: %w", ErrNotFound), want: true},
		{name: "authentication", err: fmt.Errorf("%w: rejected", ErrAuthentication), want: true},
		{name: "configuration", err: fmt.Errorf("%w: no index", ErrConfiguration), want: false},
		{name: "unclassified", err: errors.New("nil map"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRecoverable(tt.err); got != tt.want {
				t.Errorf("IsRecoverable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestDuplicateSourceError(t *testing.T) {
	err := fmt.Errorf("adding source: %w", &DuplicateSourceError{Path: "/data", Filter: "*", ID: 4})
	if !errors.Is(err, ErrDuplicate) {
		t.Error("DuplicateSourceError is not ErrDuplicate")
	}
	if errors.Is(err, ErrValidation) {
		t.Error("DuplicateSourceError should not be ErrValidation")
	}
}
