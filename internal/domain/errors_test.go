package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRetryableError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "with error",
			err:  errors.New("connection reset"),
			want: "connection reset",
		},
		{
			name: "empty",
			err:  nil,
			want: "retryable error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			re := NewRetryableError(tt.err, 0)
			if got := re.Error(); got != tt.want {
				t.Errorf("Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryableError_Unwrap(t *testing.T) {
	underlying := errors.New("underlying error")
	re := NewRetryableError(underlying, time.Second)

	if got := re.Unwrap(); got != underlying {
		t.Errorf("Unwrap() = %v, want %v", got, underlying)
	}
	if !errors.Is(re, underlying) {
		t.Error("errors.Is() should find the underlying error")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "retryable error",
			err:  NewRetryableError(errors.New("err"), 0),
			want: true,
		},
		{
			name: "wrapped retryable error",
			err:  fmt.Errorf("get: %w", NewRetryableError(errors.New("err"), 0)),
			want: true,
		},
		{
			name: "status 429",
			err:  &StatusError{Code: 429},
			want: true,
		},
		{
			name: "status 503",
			err:  &StatusError{Code: 503},
			want: true,
		},
		{
			name: "status 404",
			err:  &StatusError{Code: 404},
			want: false,
		},
		{
			name: "plain error",
			err:  errors.New("plain"),
			want: false,
		},
		{
			name: "nil",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetRetryAfter(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantDur   time.Duration
		wantFound bool
	}{
		{
			name:      "retryable with duration",
			err:       NewRetryableError(errors.New("err"), 5*time.Second),
			wantDur:   5 * time.Second,
			wantFound: true,
		},
		{
			name:      "status error with retry-after",
			err:       &StatusError{Code: 429, RetryAfter: 7 * time.Second},
			wantDur:   7 * time.Second,
			wantFound: true,
		},
		{
			name:      "terminal status",
			err:       &StatusError{Code: 403, RetryAfter: 7 * time.Second},
			wantDur:   0,
			wantFound: false,
		},
		{
			name:      "plain error",
			err:       errors.New("plain"),
			wantDur:   0,
			wantFound: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dur, found := GetRetryAfter(tt.err)
			if dur != tt.wantDur {
				t.Errorf("GetRetryAfter() duration = %v, want %v", dur, tt.wantDur)
			}
			if found != tt.wantFound {
				t.Errorf("GetRetryAfter() found = %v, want %v", found, tt.wantFound)
			}
		})
	}
}

func TestStatusError_Is(t *testing.T) {
	tests := []struct {
		code   int
		target error
		want   bool
	}{
		{404, ErrNotFound, true},
		{403, ErrForbidden, true},
		{416, ErrRangeNotSatisfied, true},
		{404, ErrForbidden, false},
		{500, ErrNotFound, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d", tt.code), func(t *testing.T) {
			err := fmt.Errorf("download: %w", &StatusError{Code: tt.code, URL: "http://example.com/a"})
			if got := errors.Is(err, tt.target); got != tt.want {
				t.Errorf("errors.Is(%d, %v) = %v, want %v", tt.code, tt.target, got, tt.want)
			}
		})
	}
}

func TestIntegrityErrors(t *testing.T) {
	for _, err := range []error{ErrUnsignedManifest, ErrSignatureMismatch, ErrDigestMismatch, ErrFileTruncated, ErrTrailingData, &ChunkError{Index: 3}} {
		if !errors.Is(err, ErrIntegrity) {
			t.Errorf("%v should wrap ErrIntegrity", err)
		}
		if errors.Is(err, ErrMalformedManifest) {
			t.Errorf("%v should not be structural", err)
		}
	}
}

func TestErrCancelled(t *testing.T) {
	if !errors.Is(ErrCancelled, context.Canceled) {
		t.Error("ErrCancelled should match context.Canceled")
	}
}

func TestBatchError(t *testing.T) {
	notFound := &StatusError{Code: 404, URL: "http://example.com/b"}
	be := &BatchError{Failed: []FailedDownload{
		{Name: "a.pkg", Err: errors.New("boom")},
		{Name: "b.pkg", Err: notFound},
	}}

	want := "2 files failed to download: a.pkg, b.pkg"
	if got := be.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(be, ErrNotFound) {
		t.Error("errors.Is() should reach a member failure")
	}

	single := &BatchError{Failed: []FailedDownload{{Name: "a.pkg"}}}
	if got := single.Error(); got != "1 file failed to download: a.pkg" {
		t.Errorf("Error() = %q", got)
	}
}

func TestTransfer_Lifecycle(t *testing.T) {
	tr := NewTransfer("id", "batch", "http://example.com/a", "/tmp/a", 10)
	if tr.IsTerminal() {
		t.Fatal("new transfer should not be terminal")
	}

	tr.MarkCompleted(10)
	if tr.Status != TransferStatusCompleted || tr.FinishedAt == nil {
		t.Errorf("Status = %v, FinishedAt = %v", tr.Status, tr.FinishedAt)
	}

	tr.MarkVerified(ErrDigestMismatch)
	if tr.Verification != VerificationFailed {
		t.Errorf("Verification = %v, want %v", tr.Verification, VerificationFailed)
	}
	if tr.Status != TransferStatusFailed {
		t.Errorf("Status = %v, want %v", tr.Status, TransferStatusFailed)
	}
	if tr.LastError == "" {
		t.Error("LastError should be set")
	}
}
