package ledger_repo

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"kardex/internal/core/apperror"
	"kardex/internal/core/id"
)

func TestMapLockError(t *testing.T) {
	productID, warehouseID := id.New(), id.New()

	tests := []struct {
		name        string
		err         error
		wantTimeout bool
	}{
		{"lock not available", &pgconn.PgError{Code: "55P03"}, true},
		{"statement timeout", &pgconn.PgError{Code: "57014"}, true},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock detected", &pgconn.PgError{Code: "40P01"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"plain error", errors.New("connection reset"), false},
		{"wrapped pg error", fmt.Errorf("scan: %w", &pgconn.PgError{Code: "55P03"}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mapped := mapLockError(tt.err, productID, warehouseID, "lock level")

			appErr, ok := apperror.AsAppError(mapped)
			if tt.wantTimeout {
				if !ok || appErr.Code != apperror.CodeLockTimeout {
					t.Errorf("expected LOCK_TIMEOUT, got %v", mapped)
				}
				if !errors.Is(mapped, tt.err) && appErr.Err == nil {
					t.Error("mapped error lost its cause")
				}
			} else {
				if ok && appErr.Code == apperror.CodeLockTimeout {
					t.Errorf("unexpected LOCK_TIMEOUT for %v", tt.err)
				}
			}
		})
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if !isUniqueViolation(&pgconn.PgError{Code: "23505"}) {
		t.Error("23505 should be a unique violation")
	}
	if isUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Error("23503 is a foreign key violation, not unique")
	}
	if isUniqueViolation(errors.New("unique")) {
		t.Error("plain errors are not unique violations")
	}
}
