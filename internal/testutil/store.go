// Package testutil provides fixtures shared by package tests.
package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/PratikDhanave/fieldsync-service/internal/models"
	"github.com/PratikDhanave/fieldsync-service/internal/store"
)

// NewSQLiteStore opens a migrated SQLite store in a temp dir, closed on cleanup.
func NewSQLiteStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "fieldsync.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Migrate(context.Background()))
	return s
}

// CreatePeople inserts one person per name for unitID and returns their ids in order.
func CreatePeople(t *testing.T, s store.Store, unitID string, names ...string) []int64 {
	t.Helper()

	ids := make([]int64, 0, len(names))
	err := s.WithTx(context.Background(), func(tx store.Tx) error {
		for _, name := range names {
			id, err := tx.InsertPerson(context.Background(), unitID, models.PersonInput{Name: name})
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	require.NoError(t, err)
	return ids
}
