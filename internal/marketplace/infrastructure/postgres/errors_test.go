package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/reservio/reservation-platform/internal/marketplace/domain"
)

func TestMapLockErrorContentionCodes(t *testing.T) {
	for _, code := range []string{codeLockNotAvailable, codeDeadlockDetected} {
		err := mapLockError(fmt.Errorf("reserve: %w", &pgconn.PgError{Code: code}))
		require.ErrorIs(t, err, domain.ErrBusy, "SQLSTATE %s", code)
	}
}

func TestMapLockErrorPassesOthersThrough(t *testing.T) {
	plain := errors.New("connection reset")
	require.Equal(t, plain, mapLockError(plain))

	fk := &pgconn.PgError{Code: codeFKViolation}
	require.NotErrorIs(t, mapLockError(fk), domain.ErrBusy)
}
