package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"net"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/PratikDhanave/fieldsync-service/internal/models"
)

var (
	// ErrNotFound is returned when a row does not exist (or belongs to another unit).
	ErrNotFound = errors.New("not found")
	// ErrDuplicateClientKey is returned when an insert hits the unique constraint on client_key.
	ErrDuplicateClientKey = errors.New("client key already applied")
	// ErrDuplicatePlate is returned when a unit registers the same plate twice.
	ErrDuplicatePlate = errors.New("plate already registered")
	// ErrInvalidData is returned when the database refuses a value or a statement
	// built from the caller's input (bad encoding, out of range, too many parameters).
	ErrInvalidData = errors.New("invalid data")
)

// IsUnavailable reports whether err means the store could not be reached or
// gave up for reasons unrelated to the statement: cancelled or expired
// contexts, broken connections, lock timeouts, serialization failures.
// Retrying the same work later may succeed.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return pgUnavailable(err) || sqliteUnavailable(err)
}

// Ref identifies an entity created from a client key.
type Ref struct {
	Type models.EntityType
	ID   int64
}

// Store is the persistent store the service runs on. Implementations must
// provide transactions, unique constraints on client keys and an atomic
// insert-or-increment for relationship edges.
type Store interface {
	Ping(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// WithTx runs fn in a transaction: committed when fn returns nil, rolled back otherwise.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// FindByClientKey returns the entity created under key. Keys are global across types.
	FindByClientKey(ctx context.Context, key string) (Ref, error)

	GetStop(ctx context.Context, unitID string, id int64) (models.Stop, error)
	GetPerson(ctx context.Context, unitID string, id int64) (models.Person, error)
	GetVehicle(ctx context.Context, unitID string, id int64) (models.Vehicle, error)
	GetEdge(ctx context.Context, a, b int64) (models.RelationshipEdge, error)
	ListEdges(ctx context.Context) ([]models.RelationshipEdge, error)
	ListRelationships(ctx context.Context, personID int64) ([]models.Relationship, error)
}

// Tx is the write side of the store. Every method runs inside the caller's transaction.
//
// Inserts given a client key also claim it in the global key table, so a key
// used by any entity type makes the insert fail with ErrDuplicateClientKey.
type Tx interface {
	InsertStop(ctx context.Context, unitID string, in models.StopInput, origin string) (int64, error)
	InsertPerson(ctx context.Context, unitID string, in models.PersonInput) (int64, error)
	InsertVehicle(ctx context.Context, unitID string, in models.VehicleInput) (int64, error)

	// MissingPeople returns the ids in ids that are not people of the unit.
	MissingPeople(ctx context.Context, unitID string, ids []int64) ([]int64, error)
	MissingVehicles(ctx context.Context, unitID string, ids []int64) ([]int64, error)

	LinkStopPeople(ctx context.Context, stopID int64, personIDs []int64) error
	LinkStopVehicles(ctx context.Context, stopID int64, vehicleIDs []int64) error

	// UpsertEdge inserts the edge (a, b) with frequency 1, or increments it in
	// one statement. a must be lower than b.
	UpsertEdge(ctx context.Context, a, b, stopID int64, at time.Time) error
	DeleteEdges(ctx context.Context) (int64, error)
	// StopParticipants lists every stop with its people, in insertion order.
	StopParticipants(ctx context.Context) ([]models.StopParticipants, error)

	InsertAudit(ctx context.Context, e models.AuditEntry) error
}

// missingIDs returns the members of want absent from found, sorted and without repeats.
func missingIDs(want []int64, found map[int64]bool) []int64 {
	var missing []int64
	seen := map[int64]bool{}
	for _, id := range want {
		if !found[id] && !seen[id] {
			missing = append(missing, id)
			seen[id] = true
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	return missing
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// groupParticipants folds (stop, occurred_at, person) rows, ordered by stop id, into one entry per stop.
func groupParticipants(rows []participantRow) []models.StopParticipants {
	var out []models.StopParticipants
	for _, r := range rows {
		if n := len(out); n > 0 && out[n-1].StopID == r.stopID {
			out[n-1].PersonIDs = append(out[n-1].PersonIDs, r.personID)
			continue
		}
		out = append(out, models.StopParticipants{
			StopID:     r.stopID,
			OccurredAt: r.occurredAt,
			PersonIDs:  []int64{r.personID},
		})
	}
	return out
}

type participantRow struct {
	stopID     int64
	occurredAt time.Time
	personID   int64
}
