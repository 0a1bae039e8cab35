// Package reconcile applies batches of actions queued on a device while it was
// offline. Each action carries a client-generated idempotency key and is
// applied at most once, however many times the batch is resent.
package reconcile

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/PratikDhanave/fieldsync-service/internal/apperror"
	"github.com/PratikDhanave/fieldsync-service/internal/idempotency"
	"github.com/PratikDhanave/fieldsync-service/internal/models"
	"github.com/PratikDhanave/fieldsync-service/internal/payload"
	"github.com/PratikDhanave/fieldsync-service/internal/store"
)

// Creator performs the write behind each action type. service.Service implements it.
type Creator interface {
	CreateStop(ctx context.Context, unitID string, in models.StopInput, origin string) (int64, error)
	CreatePerson(ctx context.Context, unitID string, in models.PersonInput) (int64, error)
	CreateVehicle(ctx context.Context, unitID string, in models.VehicleInput) (int64, error)
}

// Action decodes and validates a payload and returns the function that applies it.
// Decoding errors are reported as apperror validation errors.
type Action func(unitID string, raw json.RawMessage) (idempotency.ApplyFunc, error)

// Reconciler resolves sync batches against the store.
type Reconciler struct {
	lookup      idempotency.Lookup
	actions     map[models.EntityType]Action
	concurrency int
	log         *zap.Logger
}

// New returns a reconciler with the stop, person and vehicle actions registered.
// Items of a batch are processed by at most concurrency workers.
func New(lookup idempotency.Lookup, c Creator, concurrency int, log *zap.Logger) *Reconciler {
	if concurrency < 1 {
		concurrency = 1
	}
	r := &Reconciler{
		lookup:      lookup,
		actions:     map[models.EntityType]Action{},
		concurrency: concurrency,
		log:         log.Named("reconcile"),
	}
	r.Register(models.EntityStop, decodeAction(func(ctx context.Context, unitID string, in models.StopInput, key string) (int64, error) {
		in.ClientKey = key
		return c.CreateStop(ctx, unitID, in, models.OriginOffline)
	}))
	r.Register(models.EntityPerson, decodeAction(func(ctx context.Context, unitID string, in models.PersonInput, key string) (int64, error) {
		in.ClientKey = key
		return c.CreatePerson(ctx, unitID, in)
	}))
	r.Register(models.EntityVehicle, decodeAction(func(ctx context.Context, unitID string, in models.VehicleInput, key string) (int64, error) {
		in.ClientKey = key
		return c.CreateVehicle(ctx, unitID, in)
	}))
	return r
}

// Register adds or replaces the action for an action type. Not safe to call
// while batches are being processed.
func (r *Reconciler) Register(typ models.EntityType, a Action) {
	r.actions[typ] = a
}

// decodeAction builds an Action that decodes the payload into T before applying it.
// The item's key always wins over a client_key inside the payload.
func decodeAction[T any](create func(ctx context.Context, unitID string, in T, key string) (int64, error)) Action {
	return func(unitID string, raw json.RawMessage) (idempotency.ApplyFunc, error) {
		var in T
		if err := payload.Decode(raw, &in); err != nil {
			return nil, err
		}
		return func(ctx context.Context, key string) (int64, error) {
			return create(ctx, unitID, in, key)
		}, nil
	}
}

// ProcessBatch resolves every item and returns one result per item, in input order.
//
// A failure rejects only its own item, with the apperror kind when there is
// one and kind internal otherwise. Only a cancelled context or an unavailable
// store (see store.IsUnavailable) aborts the batch and is returned as the
// error; items committed before the failure stay committed, and resending the
// batch reports them as already applied.
func (r *Reconciler) ProcessBatch(ctx context.Context, unitID string, items []models.SyncItem) ([]models.SyncResult, error) {
	results := make([]models.SyncResult, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			res, err := r.processItem(gctx, unitID, item)
			if err != nil {
				return errors.Wrapf(err, "sync item %d", i)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.log.Error("sync batch failed",
			zap.String("unit_id", unitID),
			zap.Int("items", len(items)),
			zap.Error(err),
		)
		return nil, err
	}

	counts := map[models.SyncStatus]int{}
	for _, res := range results {
		counts[res.Status]++
	}
	r.log.Info("sync batch processed",
		zap.String("unit_id", unitID),
		zap.Int("items", len(items)),
		zap.Int("applied", counts[models.StatusApplied]),
		zap.Int("already_applied", counts[models.StatusAlreadyApplied]),
		zap.Int("rejected", counts[models.StatusRejected]),
	)
	return results, nil
}

// processItem returns an error only when the batch has to be aborted.
func (r *Reconciler) processItem(ctx context.Context, unitID string, item models.SyncItem) (models.SyncResult, error) {
	key, err := idempotency.NormalizeKey(item.ClientKey)
	if err != nil {
		return rejected(item, err), nil
	}
	item.ClientKey = key

	action, ok := r.actions[item.ActionType]
	if !ok {
		return rejected(models.SyncItem{ClientKey: key}, apperror.Validation("unknown action type %q", item.ActionType)), nil
	}
	apply, err := action(unitID, item.Payload)
	if err != nil {
		return r.fail(ctx, unitID, item, err)
	}

	outcome, err := idempotency.Resolve(ctx, r.lookup, item.ActionType, key, apply)
	if err != nil {
		return r.fail(ctx, unitID, item, err)
	}

	id := outcome.Ref.ID
	res := models.SyncResult{
		ClientKey:  key,
		Status:     models.StatusApplied,
		ServerID:   &id,
		EntityType: outcome.Ref.Type,
	}
	if outcome.Replayed {
		res.Status = models.StatusAlreadyApplied
	}
	return res, nil
}

// fail turns an item failure into a rejection, or into a batch error when the
// context is done or the store cannot be reached.
func (r *Reconciler) fail(ctx context.Context, unitID string, item models.SyncItem, err error) (models.SyncResult, error) {
	switch {
	case apperror.IsClientError(err):
		r.log.Debug("sync item rejected", zap.String("client_key", item.ClientKey), zap.Error(err))
		return rejected(item, err), nil
	case ctx.Err() != nil, store.IsUnavailable(err):
		return models.SyncResult{}, err
	default:
		r.log.Error("sync item failed",
			zap.String("unit_id", unitID),
			zap.String("client_key", item.ClientKey),
			zap.String("action_type", string(item.ActionType)),
			zap.Error(err),
		)
		return rejected(item, apperror.Internal("internal error").WithInternal(err)), nil
	}
}

func rejected(item models.SyncItem, err error) models.SyncResult {
	res := models.SyncResult{
		ClientKey: item.ClientKey,
		Status:    models.StatusRejected,
		Error:     err.Error(),
		ErrorKind: string(apperror.KindInternal),
	}
	if appErr, ok := apperror.As(err); ok {
		res.Error = appErr.Message
		res.ErrorKind = string(appErr.Kind)
	}
	res.EntityType = item.ActionType
	return res
}
