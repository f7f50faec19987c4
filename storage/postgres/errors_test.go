package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantKind   subsync.ConstraintKind
		wantColumn string
		wantIs     error
	}{
		{
			name:       "provider id unique",
			err:        &pgconn.PgError{Code: codeUniqueViolation, ConstraintName: ConstraintProviderUserID},
			wantKind:   subsync.UniqueViolation,
			wantColumn: subsync.ColumnProviderUserID,
			wantIs:     subsync.ErrUniqueViolation,
		},
		{
			name:       "one active per user",
			err:        &pgconn.PgError{Code: codeUniqueViolation, ConstraintName: ConstraintOneActive},
			wantKind:   subsync.UniqueViolation,
			wantColumn: subsync.ColumnUserID,
			wantIs:     subsync.ErrUniqueViolation,
		},
		{
			name:       "missing user",
			err:        fmt.Errorf("exec: %w", &pgconn.PgError{Code: codeForeignKeyViolation, ConstraintName: ConstraintUserFK}),
			wantKind:   subsync.ForeignKeyViolation,
			wantColumn: subsync.ColumnUserID,
			wantIs:     subsync.ErrForeignKeyViolation,
		},
		{
			name:       "renamed provider constraint",
			err:        &pgconn.PgError{Code: codeUniqueViolation, ConstraintName: "subs_provider_user_id_idx"},
			wantKind:   subsync.UniqueViolation,
			wantColumn: subsync.ColumnProviderUserID,
			wantIs:     subsync.ErrUniqueViolation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapError(tt.err)

			var ce *subsync.ConstraintError
			if assert.True(t, errors.As(got, &ce)) {
				assert.Equal(t, tt.wantKind, ce.Kind)
				assert.Equal(t, tt.wantColumn, ce.Column)
			}
			assert.ErrorIs(t, got, tt.wantIs)
		})
	}
}

func TestMapError_PassesThroughOtherErrors(t *testing.T) {
	plain := errors.New("connection refused")
	assert.Same(t, plain, mapError(plain))

	check := &pgconn.PgError{Code: "23514"}
	assert.Equal(t, error(check), mapError(check))
}

func TestNew_RequiresConnectionString(t *testing.T) {
	_, err := New(t.Context(), DefaultConfig())
	assert.Error(t, err)
}
