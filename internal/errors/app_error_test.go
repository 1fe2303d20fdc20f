package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestAppErrorError(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		want string
	}{
		{
			name: "without cause",
			err:  New(CodeSessionExpired, "session is gone", nil),
			want: "session is gone",
		},
		{
			name: "with cause",
			err:  New(CodeTokenExchangeFailure, "exchange failed", fmt.Errorf("status 500")),
			want: "exchange failed: status 500",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAppErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("boom")
	wrapped := fmt.Errorf("outer: %w", SessionExpired("dead", cause))

	var ae *AppError
	if !stderrors.As(wrapped, &ae) {
		t.Fatal("errors.As failed to find AppError in chain")
	}
	if ae.Code != CodeSessionExpired {
		t.Errorf("Code = %q, want %q", ae.Code, CodeSessionExpired)
	}
	if !stderrors.Is(wrapped, cause) {
		t.Error("errors.Is failed to find root cause through AppError")
	}
}

func TestMissingCredentialsDetails(t *testing.T) {
	e := MissingCredentials("cookie_raw")
	if e.Code != CodeMissingCredentials {
		t.Errorf("Code = %q, want %q", e.Code, CodeMissingCredentials)
	}
	if e.Details["field"] != "cookie_raw" {
		t.Errorf("Details[field] = %v, want cookie_raw", e.Details["field"])
	}
}
