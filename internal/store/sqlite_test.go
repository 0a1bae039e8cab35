package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PratikDhanave/fieldsync-service/internal/models"
	"github.com/PratikDhanave/fieldsync-service/internal/store"
	"github.com/PratikDhanave/fieldsync-service/internal/testutil"
)

const unit = "unit-1"

func TestSQLiteStore_MigrateIsIdempotent(t *testing.T) {
	s := testutil.NewSQLiteStore(t)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Ping(context.Background()))
}

func TestSQLiteStore_InsertAndGetStop(t *testing.T) {
	s := testutil.NewSQLiteStore(t)
	ctx := context.Background()
	people := testutil.CreatePeople(t, s, unit, "Ana", "Bruno")
	at := time.Date(2026, 5, 4, 22, 15, 0, 0, time.UTC)
	lat := -23.55

	var stopID int64
	err := s.WithTx(ctx, func(tx store.Tx) error {
		var err error
		stopID, err = tx.InsertStop(ctx, unit, models.StopInput{
			OccurredAt: at,
			Latitude:   &lat,
			Address:    "Av. Paulista",
			ClientKey:  "k-stop",
		}, models.OriginOffline)
		if err != nil {
			return err
		}
		return tx.LinkStopPeople(ctx, stopID, []int64{people[1], people[0]})
	})
	require.NoError(t, err)

	got, err := s.GetStop(ctx, unit, stopID)
	require.NoError(t, err)
	assert.Equal(t, at, got.OccurredAt)
	require.NotNil(t, got.Latitude)
	assert.Equal(t, lat, *got.Latitude)
	assert.Nil(t, got.Longitude)
	assert.Equal(t, models.OriginOffline, got.Origin)
	assert.Equal(t, "k-stop", got.ClientKey)
	assert.Equal(t, []int64{people[1], people[0]}, got.PersonIDs)
	assert.Empty(t, got.VehicleIDs)

	_, err = s.GetStop(ctx, "other-unit", stopID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSQLiteStore_ClientKeyIsUniqueAcrossInserts(t *testing.T) {
	s := testutil.NewSQLiteStore(t)
	ctx := context.Background()

	insert := func() error {
		return s.WithTx(ctx, func(tx store.Tx) error {
			_, err := tx.InsertStop(ctx, unit, models.StopInput{OccurredAt: time.Now(), ClientKey: "k1"}, models.OriginOffline)
			return err
		})
	}
	require.NoError(t, insert())

	err := insert()
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrDuplicateClientKey)
}

func TestSQLiteStore_EmptyClientKeysDoNotCollide(t *testing.T) {
	s := testutil.NewSQLiteStore(t)
	ids := testutil.CreatePeople(t, s, unit, "Ana", "Bruno", "Carla")
	assert.Len(t, ids, 3)
}

func TestSQLiteStore_FindByClientKeyReturnsType(t *testing.T) {
	s := testutil.NewSQLiteStore(t)
	ctx := context.Background()

	var personID, vehicleID int64
	err := s.WithTx(ctx, func(tx store.Tx) error {
		var err error
		if personID, err = tx.InsertPerson(ctx, unit, models.PersonInput{Name: "Ana", ClientKey: "kp"}); err != nil {
			return err
		}
		vehicleID, err = tx.InsertVehicle(ctx, unit, models.VehicleInput{Plate: "ABC1D23", ClientKey: "kv"})
		return err
	})
	require.NoError(t, err)

	ref, err := s.FindByClientKey(ctx, "kp")
	require.NoError(t, err)
	assert.Equal(t, store.Ref{Type: models.EntityPerson, ID: personID}, ref)

	ref, err = s.FindByClientKey(ctx, "kv")
	require.NoError(t, err)
	assert.Equal(t, store.Ref{Type: models.EntityVehicle, ID: vehicleID}, ref)

	_, err = s.FindByClientKey(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSQLiteStore_ClientKeyIsGlobalAcrossTypes(t *testing.T) {
	s := testutil.NewSQLiteStore(t)
	ctx := context.Background()

	var personID int64
	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		var err error
		personID, err = tx.InsertPerson(ctx, unit, models.PersonInput{Name: "Ana", ClientKey: "shared"})
		return err
	}))

	err := s.WithTx(ctx, func(tx store.Tx) error {
		_, err := tx.InsertVehicle(ctx, unit, models.VehicleInput{Plate: "ABC1D23", ClientKey: "shared"})
		return err
	})
	assert.ErrorIs(t, err, store.ErrDuplicateClientKey)

	err = s.WithTx(ctx, func(tx store.Tx) error {
		_, err := tx.InsertStop(ctx, unit, models.StopInput{OccurredAt: time.Now(), ClientKey: "shared"}, models.OriginOffline)
		return err
	})
	assert.ErrorIs(t, err, store.ErrDuplicateClientKey)

	ref, err := s.FindByClientKey(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, store.Ref{Type: models.EntityPerson, ID: personID}, ref)

	_, err = s.GetVehicle(ctx, unit, 1)
	assert.ErrorIs(t, err, store.ErrNotFound, "the vehicle insert must roll back with the key")
}

func TestSQLiteStore_DuplicatePlate(t *testing.T) {
	s := testutil.NewSQLiteStore(t)
	ctx := context.Background()

	insert := func(unitID string) error {
		return s.WithTx(ctx, func(tx store.Tx) error {
			_, err := tx.InsertVehicle(ctx, unitID, models.VehicleInput{Plate: "ABC1D23"})
			return err
		})
	}
	require.NoError(t, insert(unit))
	assert.ErrorIs(t, insert(unit), store.ErrDuplicatePlate)
	assert.NoError(t, insert("unit-2"), "plates are unique per unit")
}

func TestSQLiteStore_WithTxRollsBack(t *testing.T) {
	s := testutil.NewSQLiteStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.InsertPerson(ctx, unit, models.PersonInput{Name: "Ana", ClientKey: "k1"}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.FindByClientKey(ctx, "k1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSQLiteStore_WithTxRollsBackOnPanic(t *testing.T) {
	s := testutil.NewSQLiteStore(t)
	ctx := context.Background()

	assert.Panics(t, func() {
		_ = s.WithTx(ctx, func(tx store.Tx) error {
			_, _ = tx.InsertPerson(ctx, unit, models.PersonInput{Name: "Ana", ClientKey: "k1"})
			panic("handler bug")
		})
	})

	_, err := s.FindByClientKey(ctx, "k1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSQLiteStore_MissingReferences(t *testing.T) {
	s := testutil.NewSQLiteStore(t)
	ctx := context.Background()
	ids := testutil.CreatePeople(t, s, unit, "Ana")
	other := testutil.CreatePeople(t, s, "unit-2", "Zé")

	err := s.WithTx(ctx, func(tx store.Tx) error {
		missing, err := tx.MissingPeople(ctx, unit, []int64{ids[0], 999, other[0], 999})
		require.NoError(t, err)
		assert.Equal(t, []int64{other[0], 999}, missing)

		missing, err = tx.MissingVehicles(ctx, unit, nil)
		require.NoError(t, err)
		assert.Empty(t, missing)
		return nil
	})
	require.NoError(t, err)
}

func TestSQLiteStore_OversizedReferenceListIsInvalidData(t *testing.T) {
	s := testutil.NewSQLiteStore(t)
	ctx := context.Background()

	ids := make([]int64, 40000)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	err := s.WithTx(ctx, func(tx store.Tx) error {
		_, err := tx.MissingPeople(ctx, unit, ids)
		return err
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrInvalidData)
	assert.False(t, store.IsUnavailable(err))
}

func TestSQLiteStore_UpsertEdge(t *testing.T) {
	s := testutil.NewSQLiteStore(t)
	ctx := context.Background()
	ids := testutil.CreatePeople(t, s, unit, "Ana", "Bruno")
	t1 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	t0 := t1.Add(-time.Hour)

	upsert := func(stopID int64, at time.Time) {
		require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
			return tx.UpsertEdge(ctx, ids[0], ids[1], stopID, at)
		}))
	}
	upsert(10, t1)
	upsert(11, t2)
	// Delivered late: counted, but does not move the last occurrence backwards.
	upsert(12, t0)

	e, err := s.GetEdge(ctx, ids[0], ids[1])
	require.NoError(t, err)
	assert.Equal(t, 3, e.Frequency)
	assert.Equal(t, int64(10), e.FirstStopID)
	assert.Equal(t, t1, e.FirstSeenAt)
	assert.Equal(t, int64(11), e.LastStopID)
	assert.Equal(t, t2, e.LastSeenAt)
}

func TestSQLiteStore_UpsertEdgeSameInstantKeepsHigherStop(t *testing.T) {
	s := testutil.NewSQLiteStore(t)
	ctx := context.Background()
	ids := testutil.CreatePeople(t, s, unit, "Ana", "Bruno")
	at := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	upsert := func(stopID int64) {
		require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
			return tx.UpsertEdge(ctx, ids[0], ids[1], stopID, at)
		}))
	}
	upsert(20)
	upsert(10)
	upsert(15)

	e, err := s.GetEdge(ctx, ids[0], ids[1])
	require.NoError(t, err)
	assert.Equal(t, 3, e.Frequency)
	assert.Equal(t, int64(20), e.LastStopID, "commit order must not decide the last stop")
	assert.Equal(t, at, e.LastSeenAt)
}

func TestSQLiteStore_UpsertEdgeRejectsNonCanonicalPair(t *testing.T) {
	s := testutil.NewSQLiteStore(t)
	ctx := context.Background()
	ids := testutil.CreatePeople(t, s, unit, "Ana", "Bruno")

	err := s.WithTx(ctx, func(tx store.Tx) error {
		return tx.UpsertEdge(ctx, ids[1], ids[0], 1, time.Now())
	})
	assert.Error(t, err)
}

func TestSQLiteStore_ListRelationshipsOrdering(t *testing.T) {
	s := testutil.NewSQLiteStore(t)
	ctx := context.Background()
	ids := testutil.CreatePeople(t, s, unit, "Ana", "Bruno", "Carla", "Davi")
	ana, bruno, carla, davi := ids[0], ids[1], ids[2], ids[3]
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		steps := []struct {
			a, b int64
			at   time.Time
		}{
			{ana, bruno, base},
			{ana, carla, base.Add(time.Hour)},
			{ana, carla, base.Add(2 * time.Hour)},
			{ana, davi, base.Add(3 * time.Hour)},
		}
		for i, st := range steps {
			if err := tx.UpsertEdge(ctx, st.a, st.b, int64(i+1), st.at); err != nil {
				return err
			}
		}
		return nil
	}))

	rels, err := s.ListRelationships(ctx, ana)
	require.NoError(t, err)
	require.Len(t, rels, 3)
	assert.Equal(t, carla, rels[0].PersonID)
	assert.Equal(t, "Carla", rels[0].Name)
	assert.Equal(t, 2, rels[0].Frequency)
	// Same frequency: most recent co-occurrence first.
	assert.Equal(t, davi, rels[1].PersonID)
	assert.Equal(t, bruno, rels[2].PersonID)

	rels, err = s.ListRelationships(ctx, bruno)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, ana, rels[0].PersonID)

	rels, err = s.ListRelationships(ctx, 12345)
	require.NoError(t, err)
	assert.Empty(t, rels)
}

func TestSQLiteStore_StopParticipantsGroupsByStop(t *testing.T) {
	s := testutil.NewSQLiteStore(t)
	ctx := context.Background()
	ids := testutil.CreatePeople(t, s, unit, "Ana", "Bruno", "Carla")
	at := time.Date(2026, 2, 2, 2, 2, 2, 0, time.UTC)

	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		first, err := tx.InsertStop(ctx, unit, models.StopInput{OccurredAt: at}, models.OriginOnline)
		if err != nil {
			return err
		}
		if err := tx.LinkStopPeople(ctx, first, []int64{ids[2], ids[0]}); err != nil {
			return err
		}
		second, err := tx.InsertStop(ctx, unit, models.StopInput{OccurredAt: at.Add(time.Minute)}, models.OriginOnline)
		if err != nil {
			return err
		}
		return tx.LinkStopPeople(ctx, second, []int64{ids[1]})
	}))

	var got []models.StopParticipants
	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		var err error
		got, err = tx.StopParticipants(ctx)
		return err
	}))
	require.Len(t, got, 2)
	assert.Equal(t, []int64{ids[2], ids[0]}, got[0].PersonIDs)
	assert.Equal(t, at, got[0].OccurredAt)
	assert.Equal(t, []int64{ids[1]}, got[1].PersonIDs)
}

func TestSQLiteStore_LinkUnknownPersonFails(t *testing.T) {
	s := testutil.NewSQLiteStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx store.Tx) error {
		stopID, err := tx.InsertStop(ctx, unit, models.StopInput{OccurredAt: time.Now()}, models.OriginOnline)
		if err != nil {
			return err
		}
		return tx.LinkStopPeople(ctx, stopID, []int64{4242})
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}
