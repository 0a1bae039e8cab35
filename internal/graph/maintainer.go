// Package graph maintains the materialized relationship graph between people
// who appear together in stops.
//
// Each unordered pair of people is stored once, as (A, B) with A < B, with the
// number of stops they shared and the first and last of those stops. The graph
// is updated incrementally inside the transaction that records a stop, using
// an atomic insert-or-increment so concurrent stops sharing a pair never lose
// an update.
package graph

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/PratikDhanave/fieldsync-service/internal/models"
	"github.com/PratikDhanave/fieldsync-service/internal/store"
)

// Pair is a canonical unordered pair of people: A < B.
type Pair struct {
	A, B int64
}

// Pairs deduplicates ids and returns every canonical pair among them, in
// ascending (A, B) order. Fewer than two distinct ids yield no pairs.
func Pairs(ids []int64) []Pair {
	uniq := make([]int64, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		uniq = append(uniq, id)
	}
	sort.Slice(uniq, func(i, j int) bool { return uniq[i] < uniq[j] })

	if len(uniq) < 2 {
		return nil
	}
	pairs := make([]Pair, 0, len(uniq)*(len(uniq)-1)/2)
	for i := 0; i < len(uniq); i++ {
		for j := i + 1; j < len(uniq); j++ {
			pairs = append(pairs, Pair{A: uniq[i], B: uniq[j]})
		}
	}
	return pairs
}

// EdgeUpserter is the write primitive the graph needs. store.Tx implements it.
type EdgeUpserter interface {
	UpsertEdge(ctx context.Context, a, b, stopID int64, at time.Time) error
}

// RebuildStats summarizes a Rebuild run.
type RebuildStats struct {
	EdgesDeleted  int64 `json:"edges_deleted"`
	StopsReplayed int   `json:"stops_replayed"`
	PairsRecorded int   `json:"pairs_recorded"`
	// EdgesChanged counts pairs whose edge differs after the rebuild, including
	// edges that appeared or disappeared. Zero means the graph had not drifted.
	EdgesChanged int `json:"edges_changed"`
}

// Maintainer records co-occurrences and serves relationship queries.
type Maintainer struct {
	store store.Store
	log   *zap.Logger
}

// NewMaintainer returns a maintainer reading and rebuilding the graph stored in s.
func NewMaintainer(s store.Store, log *zap.Logger) *Maintainer {
	return &Maintainer{store: s, log: log.Named("graph")}
}

// RecordCoOccurrence updates the edge of every pair among personIDs for the
// stop. It writes through up, which must be the transaction that recorded the
// stop, so the edges commit or roll back with it.
func (m *Maintainer) RecordCoOccurrence(ctx context.Context, up EdgeUpserter, personIDs []int64, stopID int64, at time.Time) error {
	pairs := Pairs(personIDs)
	for _, p := range pairs {
		if err := up.UpsertEdge(ctx, p.A, p.B, stopID, at.UTC()); err != nil {
			return errors.Wrapf(err, "record co-occurrence (%d, %d)", p.A, p.B)
		}
	}
	if len(pairs) > 0 {
		m.log.Debug("co-occurrence recorded",
			zap.Int64("stop_id", stopID),
			zap.Int("pairs", len(pairs)),
		)
	}
	return nil
}

// Relationships lists the people personID has shared a stop with, most
// frequent first, then most recent, then by id.
func (m *Maintainer) Relationships(ctx context.Context, personID int64) ([]models.Relationship, error) {
	rels, err := m.store.ListRelationships(ctx, personID)
	if err != nil {
		return nil, errors.Wrap(err, "list relationships")
	}
	return rels, nil
}

// Edge returns the edge between two people, given in either order.
// It returns store.ErrNotFound when they never shared a stop.
func (m *Maintainer) Edge(ctx context.Context, a, b int64) (models.RelationshipEdge, error) {
	if a > b {
		a, b = b, a
	}
	e, err := m.store.GetEdge(ctx, a, b)
	if err != nil {
		return models.RelationshipEdge{}, errors.Wrapf(err, "get edge (%d, %d)", a, b)
	}
	return e, nil
}

// Rebuild recomputes the graph from the stop history in one transaction.
// Stops are replayed in id order, which reproduces the incrementally
// maintained table exactly. Stops recorded while it runs show up in
// EdgesChanged.
func (m *Maintainer) Rebuild(ctx context.Context) (RebuildStats, error) {
	before, err := m.store.ListEdges(ctx)
	if err != nil {
		return RebuildStats{}, errors.Wrap(err, "snapshot relationships")
	}

	var stats RebuildStats
	err = m.store.WithTx(ctx, func(tx store.Tx) error {
		deleted, err := tx.DeleteEdges(ctx)
		if err != nil {
			return err
		}
		stops, err := tx.StopParticipants(ctx)
		if err != nil {
			return err
		}

		stats = RebuildStats{EdgesDeleted: deleted}
		for _, sp := range stops {
			if err := m.RecordCoOccurrence(ctx, tx, sp.PersonIDs, sp.StopID, sp.OccurredAt); err != nil {
				return err
			}
			if n := len(Pairs(sp.PersonIDs)); n > 0 {
				stats.StopsReplayed++
				stats.PairsRecorded += n
			}
		}
		return nil
	})
	if err != nil {
		return RebuildStats{}, errors.Wrap(err, "rebuild relationships")
	}

	after, err := m.store.ListEdges(ctx)
	if err != nil {
		return RebuildStats{}, errors.Wrap(err, "snapshot relationships")
	}
	stats.EdgesChanged = changedEdges(before, after)

	log := m.log.Info
	if stats.EdgesChanged > 0 {
		log = m.log.Warn
	}
	log("relationships rebuilt",
		zap.Int64("edges_deleted", stats.EdgesDeleted),
		zap.Int("stops_replayed", stats.StopsReplayed),
		zap.Int("pairs_recorded", stats.PairsRecorded),
		zap.Int("edges_changed", stats.EdgesChanged),
	)
	return stats, nil
}

// changedEdges counts the pairs that differ between two snapshots.
func changedEdges(before, after []models.RelationshipEdge) int {
	old := make(map[Pair]models.RelationshipEdge, len(before))
	for _, e := range before {
		old[Pair{A: e.PersonA, B: e.PersonB}] = e
	}
	changed := 0
	for _, e := range after {
		p := Pair{A: e.PersonA, B: e.PersonB}
		prev, ok := old[p]
		if !ok || !sameEdge(prev, e) {
			changed++
		}
		delete(old, p)
	}
	return changed + len(old)
}

func sameEdge(x, y models.RelationshipEdge) bool {
	return x.Frequency == y.Frequency &&
		x.FirstStopID == y.FirstStopID && x.FirstSeenAt.Equal(y.FirstSeenAt) &&
		x.LastStopID == y.LastStopID && x.LastSeenAt.Equal(y.LastSeenAt)
}
