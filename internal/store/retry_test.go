package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithRetry(t *testing.T) {
	tests := []struct {
		name      string
		errs      []error
		wantCalls int
		wantErr   bool
	}{
		{"success first try", []error{nil}, 1, false},
		{"locked then success", []error{errors.New("database is locked"), nil}, 2, false},
		{"locked every time", []error{
			errors.New("database is locked"),
			errors.New("database is locked"),
			errors.New("database is locked"),
		}, 3, true},
		{"constraint is not retried", []error{errors.New("UNIQUE constraint failed")}, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := withRetry(context.Background(), "op", func() error {
				err := tt.errs[calls]
				calls++
				return err
			})
			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWithRetry_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := withRetry(ctx, "op", func() error { called = true; return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
