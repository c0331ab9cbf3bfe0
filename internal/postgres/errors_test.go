package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	tests := map[string]struct {
		err  error
		want bool
	}{
		"nil":           {err: nil, want: false},
		"lock timeout":  {err: &pgconn.PgError{Code: CodeLockNotAvailable}, want: true},
		"serialization": {err: fmt.Errorf("commit: %w", &pgconn.PgError{Code: CodeSerializationFailure}), want: true},
		"deadlock":      {err: &pgconn.PgError{Code: CodeDeadlockDetected}, want: true},
		"deadline":      {err: context.DeadlineExceeded, want: true},
		"unique":        {err: &pgconn.PgError{Code: CodeUniqueViolation}, want: false},
		"plain":         {err: errors.New("connection reset"), want: false},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}

func TestConstraintHelpers(t *testing.T) {
	assert.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	assert.True(t, IsForeignKeyViolation(&pgconn.PgError{Code: "23503"}))
	assert.Equal(t, "", Code(errors.New("x")))
}
