package storage

import (
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsRetryableMatchesSerializationFailureCodes(t *testing.T) {
	for _, code := range []string{"40001", "40P01"} {
		err := &pgconn.PgError{Code: code}
		if !isRetryable(err) {
			t.Errorf("isRetryable(%s) = false, want true", code)
		}
	}
}

func TestIsRetryableRejectsOtherCodes(t *testing.T) {
	err := &pgconn.PgError{Code: "23505"} // unique_violation
	if isRetryable(err) {
		t.Error("isRetryable(23505) = true, want false")
	}
}

func TestIsRetryableRejectsNonPgErrors(t *testing.T) {
	if isRetryable(fmt.Errorf("boom")) {
		t.Error("isRetryable(plain error) = true, want false")
	}
}

func TestStorageErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := NewQueryError("failed to query", cause)
	if err.Unwrap() != cause {
		t.Error("Unwrap() did not return the wrapped cause")
	}
}
