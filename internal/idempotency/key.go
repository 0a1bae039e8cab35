// Package idempotency holds the client idempotency key rules shared by the sync
// reconciler and the online create endpoints.
//
// The key lives on the entity row itself (a unique column), not in a separate
// ledger: the existence check and the insert read the same source of truth, and
// the unique constraint decides races between concurrent submissions.
package idempotency

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/PratikDhanave/fieldsync-service/internal/apperror"
	"github.com/PratikDhanave/fieldsync-service/internal/models"
	"github.com/PratikDhanave/fieldsync-service/internal/store"
)

// MaxKeyLength bounds client keys; it matches the client_key column width.
const MaxKeyLength = 100

// Lookup finds the entity tagged with a key, whatever its type.
// It returns store.ErrNotFound when no entity carries the key.
type Lookup interface {
	FindByClientKey(ctx context.Context, key string) (store.Ref, error)
}

// ApplyFunc persists the action tagged with key and returns the new entity id.
// It returns store.ErrDuplicateClientKey when the unique constraint on the key fired.
type ApplyFunc func(ctx context.Context, key string) (int64, error)

// Outcome is the result of Resolve. Replayed is true when the key had already been applied.
type Outcome struct {
	Ref      store.Ref
	Replayed bool
}

// NormalizeKey trims a client key and checks its length.
func NormalizeKey(raw string) (string, error) {
	key := strings.TrimSpace(raw)
	if key == "" {
		return "", apperror.Validation("client idempotency key required")
	}
	if len(key) > MaxKeyLength {
		return "", apperror.Validation("client idempotency key longer than %d characters", MaxKeyLength)
	}
	return key, nil
}

// Resolve applies an action at most once per key.
//
// An existing entity with the key short-circuits to a replay. Otherwise apply
// runs; if it loses a race against a concurrent submission of the same key
// (store.ErrDuplicateClientKey), the winner's entity is re-read and reported as a replay.
func Resolve(ctx context.Context, lookup Lookup, typ models.EntityType, key string, apply ApplyFunc) (Outcome, error) {
	ref, err := lookup.FindByClientKey(ctx, key)
	switch {
	case err == nil:
		return Outcome{Ref: ref, Replayed: true}, nil
	case !errors.Is(err, store.ErrNotFound):
		return Outcome{}, errors.Wrap(err, "lookup client key")
	}

	id, err := apply(ctx, key)
	if err == nil {
		return Outcome{Ref: store.Ref{Type: typ, ID: id}}, nil
	}
	if !errors.Is(err, store.ErrDuplicateClientKey) {
		return Outcome{}, err
	}

	ref, err = lookup.FindByClientKey(ctx, key)
	if err != nil {
		return Outcome{}, errors.Wrap(err, "re-read client key after conflict")
	}
	return Outcome{Ref: ref, Replayed: true}, nil
}
