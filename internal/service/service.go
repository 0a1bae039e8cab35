// Package service implements the write actions shared by the online API and
// the offline sync queue. Every action runs in one transaction and leaves an
// audit row behind.
package service

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/PratikDhanave/fieldsync-service/internal/apperror"
	"github.com/PratikDhanave/fieldsync-service/internal/graph"
	"github.com/PratikDhanave/fieldsync-service/internal/idempotency"
	"github.com/PratikDhanave/fieldsync-service/internal/models"
	"github.com/PratikDhanave/fieldsync-service/internal/store"
)

// Recorder updates the relationship graph for a stop. graph.Maintainer implements it.
type Recorder interface {
	RecordCoOccurrence(ctx context.Context, up graph.EdgeUpserter, personIDs []int64, stopID int64, at time.Time) error
}

// Service creates stops, people and vehicles.
type Service struct {
	store store.Store
	graph Recorder
	log   *zap.Logger
}

// New returns a service writing to s. rec is called inside the stop's
// transaction to update the relationship graph.
func New(s store.Store, rec Recorder, log *zap.Logger) *Service {
	return &Service{store: s, graph: rec, log: log.Named("service")}
}

// submit applies create at most once per key. Without a key it always applies.
func (s *Service) submit(ctx context.Context, typ models.EntityType, key string, create func(ctx context.Context, key string) (int64, error)) (idempotency.Outcome, error) {
	if key == "" {
		id, err := create(ctx, "")
		if err != nil {
			return idempotency.Outcome{}, err
		}
		return idempotency.Outcome{Ref: store.Ref{Type: typ, ID: id}}, nil
	}
	return idempotency.Resolve(ctx, s.store, typ, key, create)
}

// SubmitStop records a stop tagged with in.ClientKey, or reports the stop
// already recorded under that key.
func (s *Service) SubmitStop(ctx context.Context, unitID string, in models.StopInput, origin string) (idempotency.Outcome, error) {
	return s.submit(ctx, models.EntityStop, in.ClientKey, func(ctx context.Context, key string) (int64, error) {
		in.ClientKey = key
		return s.CreateStop(ctx, unitID, in, origin)
	})
}

// SubmitPerson registers a person tagged with in.ClientKey, or reports the
// entity already recorded under that key.
func (s *Service) SubmitPerson(ctx context.Context, unitID string, in models.PersonInput) (idempotency.Outcome, error) {
	return s.submit(ctx, models.EntityPerson, in.ClientKey, func(ctx context.Context, key string) (int64, error) {
		in.ClientKey = key
		return s.CreatePerson(ctx, unitID, in)
	})
}

// SubmitVehicle is SubmitPerson for vehicles.
func (s *Service) SubmitVehicle(ctx context.Context, unitID string, in models.VehicleInput) (idempotency.Outcome, error) {
	return s.submit(ctx, models.EntityVehicle, in.ClientKey, func(ctx context.Context, key string) (int64, error) {
		in.ClientKey = key
		return s.CreateVehicle(ctx, unitID, in)
	})
}

// CreateStop inserts a stop, links its people and vehicles, and updates the
// relationship graph when two or more people took part. Nothing is persisted
// unless all of it succeeds.
func (s *Service) CreateStop(ctx context.Context, unitID string, in models.StopInput, origin string) (int64, error) {
	in.PersonIDs = dedupe(in.PersonIDs)
	in.VehicleIDs = dedupe(in.VehicleIDs)

	var stopID int64
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		missing, err := tx.MissingPeople(ctx, unitID, in.PersonIDs)
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			return apperror.Referential("unknown person ids %v", missing)
		}
		missing, err = tx.MissingVehicles(ctx, unitID, in.VehicleIDs)
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			return apperror.Referential("unknown vehicle ids %v", missing)
		}

		if stopID, err = tx.InsertStop(ctx, unitID, in, origin); err != nil {
			return err
		}
		if err := tx.LinkStopPeople(ctx, stopID, in.PersonIDs); err != nil {
			return err
		}
		if err := tx.LinkStopVehicles(ctx, stopID, in.VehicleIDs); err != nil {
			return err
		}
		if len(in.PersonIDs) >= 2 {
			if err := s.graph.RecordCoOccurrence(ctx, tx, in.PersonIDs, stopID, in.OccurredAt); err != nil {
				return err
			}
		}
		return tx.InsertAudit(ctx, models.AuditEntry{
			UnitID:     unitID,
			Action:     "create",
			Resource:   models.EntityStop,
			ResourceID: stopID,
			Details: map[string]any{
				"origin":     origin,
				"client_key": in.ClientKey,
				"people":     len(in.PersonIDs),
				"vehicles":   len(in.VehicleIDs),
			},
		})
	})
	if err != nil {
		return 0, classify(err, "create stop")
	}

	s.log.Info("stop created",
		zap.String("unit_id", unitID),
		zap.Int64("stop_id", stopID),
		zap.String("origin", origin),
		zap.Int("people", len(in.PersonIDs)),
	)
	return stopID, nil
}

// CreatePerson inserts a person and its audit row.
func (s *Service) CreatePerson(ctx context.Context, unitID string, in models.PersonInput) (int64, error) {
	var id int64
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		if id, err = tx.InsertPerson(ctx, unitID, in); err != nil {
			return err
		}
		return tx.InsertAudit(ctx, models.AuditEntry{
			UnitID:     unitID,
			Action:     "create",
			Resource:   models.EntityPerson,
			ResourceID: id,
			Details:    map[string]any{"client_key": in.ClientKey},
		})
	})
	if err != nil {
		return 0, classify(err, "create person")
	}
	s.log.Info("person created", zap.String("unit_id", unitID), zap.Int64("person_id", id))
	return id, nil
}

// CreateVehicle inserts a vehicle and its audit row. A plate the unit already
// registered is a conflict.
func (s *Service) CreateVehicle(ctx context.Context, unitID string, in models.VehicleInput) (int64, error) {
	var id int64
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		if id, err = tx.InsertVehicle(ctx, unitID, in); err != nil {
			return err
		}
		return tx.InsertAudit(ctx, models.AuditEntry{
			UnitID:     unitID,
			Action:     "create",
			Resource:   models.EntityVehicle,
			ResourceID: id,
			Details:    map[string]any{"client_key": in.ClientKey, "plate": in.Plate},
		})
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicatePlate) {
			return 0, apperror.Conflict("plate %s already registered", in.Plate).WithInternal(err)
		}
		return 0, classify(err, "create vehicle")
	}
	s.log.Info("vehicle created", zap.String("unit_id", unitID), zap.Int64("vehicle_id", id))
	return id, nil
}

// classify keeps application errors and the duplicate key sentinel as they
// are, turns foreign key failures into referential errors and wraps the rest.
func classify(err error, msg string) error {
	switch {
	case apperror.IsClientError(err), errors.Is(err, store.ErrDuplicateClientKey):
		return err
	case errors.Is(err, store.ErrNotFound):
		return apperror.Referential("referenced entity does not exist").WithInternal(err)
	case errors.Is(err, store.ErrInvalidData):
		return apperror.Validation("payload rejected by the database").WithInternal(err)
	default:
		return errors.Wrap(err, msg)
	}
}

// dedupe drops repeated ids, keeping the first occurrence of each.
func dedupe(ids []int64) []int64 {
	if len(ids) == 0 {
		return nil
	}
	out := make([]int64, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
