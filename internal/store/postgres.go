package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/PratikDhanave/fieldsync-service/internal/models"
)

// PostgreSQL error codes, see https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"

	pgClassDataException   = "22"
	pgClassConnection      = "08"
	pgClassResources       = "53"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgAdminShutdown        = "57P01"
	pgCrashShutdown        = "57P02"
	pgCannotConnectNow     = "57P03"
	pgQueryCanceled        = "57014"
)

// PostgresStore is the durable persistence layer backed by a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a connection pool and fails fast if DB is unreachable.
func NewPostgresStore(dbURL string, log *zap.Logger) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, errors.Wrap(err, "create postgres pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}

	return &PostgresStore{pool: pool, log: log}, nil
}

// Migrate applies the embedded goose migrations. Safe to run multiple times.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(p.pool)
	defer db.Close()
	return migrate(ctx, db, "postgres", "migrations/postgres", p.log)
}

// Ping is used by readiness endpoint to validate DB connectivity.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

// WithTx runs fn inside a transaction. The transaction is the concurrency
// boundary for a stop and its relationship edges: both commit or neither does.
func (p *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() {
		// Rollback after Commit is a no-op.
		_ = tx.Rollback(ctx)
	}()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(classifyPgError(err), "commit transaction")
	}
	return nil
}

// FindByClientKey reads the global key table written by every insert.
func (p *PostgresStore) FindByClientKey(ctx context.Context, key string) (Ref, error) {
	var (
		typ string
		id  int64
	)
	err := p.pool.QueryRow(ctx, `
		SELECT entity_type, entity_id FROM client_keys WHERE client_key = $1
	`, key).Scan(&typ, &id)
	if errors.Is(err, pgx.ErrNoRows) {
		return Ref{}, ErrNotFound
	}
	if err != nil {
		return Ref{}, errors.Wrap(err, "find client key")
	}
	return Ref{Type: models.EntityType(typ), ID: id}, nil
}

// GetStop returns a stop of the unit with its people and vehicles.
func (p *PostgresStore) GetStop(ctx context.Context, unitID string, id int64) (models.Stop, error) {
	var (
		s         models.Stop
		clientKey *string
	)
	err := p.pool.QueryRow(ctx, `
		SELECT id, unit_id, occurred_at, latitude, longitude, address, notes, origin, client_key, created_at
		FROM stops
		WHERE id = $1 AND unit_id = $2
	`, id, unitID).Scan(&s.ID, &s.UnitID, &s.OccurredAt, &s.Latitude, &s.Longitude,
		&s.Address, &s.Notes, &s.Origin, &clientKey, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Stop{}, ErrNotFound
	}
	if err != nil {
		return models.Stop{}, errors.Wrap(err, "get stop")
	}
	s.ClientKey = derefString(clientKey)
	s.OccurredAt = s.OccurredAt.UTC()
	s.CreatedAt = s.CreatedAt.UTC()

	if s.PersonIDs, err = p.int64Column(ctx, `SELECT person_id FROM stop_people WHERE stop_id = $1 ORDER BY position`, id); err != nil {
		return models.Stop{}, errors.Wrap(err, "get stop people")
	}
	if s.VehicleIDs, err = p.int64Column(ctx, `SELECT vehicle_id FROM stop_vehicles WHERE stop_id = $1 ORDER BY position`, id); err != nil {
		return models.Stop{}, errors.Wrap(err, "get stop vehicles")
	}
	return s, nil
}

func (p *PostgresStore) int64Column(ctx context.Context, sql string, args ...any) ([]int64, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []int64{}
	}
	return ids, nil
}

// GetPerson returns a person of the unit.
func (p *PostgresStore) GetPerson(ctx context.Context, unitID string, id int64) (models.Person, error) {
	var (
		m         models.Person
		clientKey *string
	)
	err := p.pool.QueryRow(ctx, `
		SELECT id, unit_id, name, nickname, birth_date, notes, client_key, created_at
		FROM people
		WHERE id = $1 AND unit_id = $2
	`, id, unitID).Scan(&m.ID, &m.UnitID, &m.Name, &m.Nickname, &m.BirthDate, &m.Notes, &clientKey, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Person{}, ErrNotFound
	}
	if err != nil {
		return models.Person{}, errors.Wrap(err, "get person")
	}
	m.ClientKey = derefString(clientKey)
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

// GetVehicle returns a vehicle of the unit.
func (p *PostgresStore) GetVehicle(ctx context.Context, unitID string, id int64) (models.Vehicle, error) {
	var (
		v         models.Vehicle
		clientKey *string
	)
	err := p.pool.QueryRow(ctx, `
		SELECT id, unit_id, plate, model, color, year, kind, notes, client_key, created_at
		FROM vehicles
		WHERE id = $1 AND unit_id = $2
	`, id, unitID).Scan(&v.ID, &v.UnitID, &v.Plate, &v.Model, &v.Color, &v.Year, &v.Kind, &v.Notes, &clientKey, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Vehicle{}, ErrNotFound
	}
	if err != nil {
		return models.Vehicle{}, errors.Wrap(err, "get vehicle")
	}
	v.ClientKey = derefString(clientKey)
	v.CreatedAt = v.CreatedAt.UTC()
	return v, nil
}

// GetEdge returns the stored edge for the canonical pair (a, b).
func (p *PostgresStore) GetEdge(ctx context.Context, a, b int64) (models.RelationshipEdge, error) {
	var e models.RelationshipEdge
	err := p.pool.QueryRow(ctx, `
		SELECT person_a_id, person_b_id, frequency, first_stop_id, first_seen_at, last_stop_id, last_seen_at
		FROM relationships
		WHERE person_a_id = $1 AND person_b_id = $2
	`, a, b).Scan(&e.PersonA, &e.PersonB, &e.Frequency, &e.FirstStopID, &e.FirstSeenAt, &e.LastStopID, &e.LastSeenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.RelationshipEdge{}, ErrNotFound
	}
	if err != nil {
		return models.RelationshipEdge{}, errors.Wrap(err, "get edge")
	}
	e.FirstSeenAt = e.FirstSeenAt.UTC()
	e.LastSeenAt = e.LastSeenAt.UTC()
	return e, nil
}

// ListEdges returns the whole relationship table ordered by pair.
func (p *PostgresStore) ListEdges(ctx context.Context) ([]models.RelationshipEdge, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT person_a_id, person_b_id, frequency, first_stop_id, first_seen_at, last_stop_id, last_seen_at
		FROM relationships
		ORDER BY person_a_id, person_b_id
	`)
	if err != nil {
		return nil, errors.Wrap(err, "list edges")
	}
	defer rows.Close()

	var edges []models.RelationshipEdge
	for rows.Next() {
		var e models.RelationshipEdge
		if err := rows.Scan(&e.PersonA, &e.PersonB, &e.Frequency, &e.FirstStopID, &e.FirstSeenAt, &e.LastStopID, &e.LastSeenAt); err != nil {
			return nil, errors.Wrap(err, "scan edge")
		}
		e.FirstSeenAt = e.FirstSeenAt.UTC()
		e.LastSeenAt = e.LastSeenAt.UTC()
		edges = append(edges, e)
	}
	return edges, errors.Wrap(rows.Err(), "list edges")
}

// ListRelationships returns the edges touching personID seen from that person,
// strongest first; ties go to the most recent co-occurrence.
func (p *PostgresStore) ListRelationships(ctx context.Context, personID int64) ([]models.Relationship, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT other.id, other.name, r.frequency, r.first_seen_at, r.last_seen_at, r.last_stop_id
		FROM relationships r
		JOIN people other
		  ON other.id = CASE WHEN r.person_a_id = $1 THEN r.person_b_id ELSE r.person_a_id END
		WHERE r.person_a_id = $1 OR r.person_b_id = $1
		ORDER BY r.frequency DESC, r.last_seen_at DESC, other.id ASC
	`, personID)
	if err != nil {
		return nil, errors.Wrap(err, "list relationships")
	}
	defer rows.Close()

	out := []models.Relationship{}
	for rows.Next() {
		var r models.Relationship
		if err := rows.Scan(&r.PersonID, &r.Name, &r.Frequency, &r.FirstSeenAt, &r.LastSeenAt, &r.LastStopID); err != nil {
			return nil, errors.Wrap(err, "scan relationship")
		}
		r.FirstSeenAt = r.FirstSeenAt.UTC()
		r.LastSeenAt = r.LastSeenAt.UTC()
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "list relationships")
}

// pgTx implements Tx on a pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

// InsertStop persists a stop. Duplicate client keys surface as ErrDuplicateClientKey,
// which is compatible with retries and at-least-once delivery.
func (t *pgTx) InsertStop(ctx context.Context, unitID string, in models.StopInput, origin string) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO stops (unit_id, occurred_at, latitude, longitude, address, notes, origin, client_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, unitID, in.OccurredAt.UTC(), in.Latitude, in.Longitude, in.Address, in.Notes, origin,
		nullableString(in.ClientKey)).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(classifyPgError(err), "insert stop")
	}
	return id, t.claimKey(ctx, in.ClientKey, models.EntityStop, id)
}

func (t *pgTx) InsertPerson(ctx context.Context, unitID string, in models.PersonInput) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO people (unit_id, name, nickname, birth_date, notes, client_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, unitID, in.Name, in.Nickname, in.BirthDate, in.Notes, nullableString(in.ClientKey)).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(classifyPgError(err), "insert person")
	}
	return id, t.claimKey(ctx, in.ClientKey, models.EntityPerson, id)
}

func (t *pgTx) InsertVehicle(ctx context.Context, unitID string, in models.VehicleInput) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO vehicles (unit_id, plate, model, color, year, kind, notes, client_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, unitID, in.Plate, in.Model, in.Color, in.Year, in.Kind, in.Notes, nullableString(in.ClientKey)).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(classifyPgError(err), "insert vehicle")
	}
	return id, t.claimKey(ctx, in.ClientKey, models.EntityVehicle, id)
}

// claimKey records key in the global key table. Its primary key makes a key
// reused by another entity type fail the surrounding transaction.
func (t *pgTx) claimKey(ctx context.Context, key string, typ models.EntityType, id int64) error {
	if key == "" {
		return nil
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO client_keys (client_key, entity_type, entity_id) VALUES ($1, $2, $3)
	`, key, string(typ), id)
	return errors.Wrap(classifyPgError(err), "claim client key")
}

func (t *pgTx) MissingPeople(ctx context.Context, unitID string, ids []int64) ([]int64, error) {
	return t.missing(ctx, `SELECT id FROM people WHERE unit_id = $1 AND id = ANY($2)`, unitID, ids)
}

func (t *pgTx) MissingVehicles(ctx context.Context, unitID string, ids []int64) ([]int64, error) {
	return t.missing(ctx, `SELECT id FROM vehicles WHERE unit_id = $1 AND id = ANY($2)`, unitID, ids)
}

func (t *pgTx) missing(ctx context.Context, sql, unitID string, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := t.tx.Query(ctx, sql, unitID, ids)
	if err != nil {
		return nil, errors.Wrap(classifyPgError(err), "check references")
	}
	found, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, errors.Wrap(classifyPgError(err), "check references")
	}
	set := make(map[int64]bool, len(found))
	for _, id := range found {
		set[id] = true
	}
	return missingIDs(ids, set), nil
}

func (t *pgTx) LinkStopPeople(ctx context.Context, stopID int64, personIDs []int64) error {
	for i, id := range personIDs {
		if _, err := t.tx.Exec(ctx, `
			INSERT INTO stop_people (stop_id, person_id, position) VALUES ($1, $2, $3)
		`, stopID, id, i); err != nil {
			return errors.Wrap(classifyPgError(err), "link stop person")
		}
	}
	return nil
}

func (t *pgTx) LinkStopVehicles(ctx context.Context, stopID int64, vehicleIDs []int64) error {
	for i, id := range vehicleIDs {
		if _, err := t.tx.Exec(ctx, `
			INSERT INTO stop_vehicles (stop_id, vehicle_id, position) VALUES ($1, $2, $3)
		`, stopID, id, i); err != nil {
			return errors.Wrap(classifyPgError(err), "link stop vehicle")
		}
	}
	return nil
}

// UpsertEdge is a single INSERT ... ON CONFLICT DO UPDATE: concurrent stops for the
// same pair serialize on the row and every increment is kept. Stops at the same
// instant resolve last_stop_id to the higher stop id, whatever the commit order.
func (t *pgTx) UpsertEdge(ctx context.Context, a, b, stopID int64, at time.Time) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO relationships
			(person_a_id, person_b_id, frequency, first_stop_id, first_seen_at, last_stop_id, last_seen_at)
		VALUES ($1, $2, 1, $3, $4, $3, $4)
		ON CONFLICT (person_a_id, person_b_id) DO UPDATE SET
			frequency    = relationships.frequency + 1,
			last_stop_id = CASE
				WHEN EXCLUDED.last_seen_at > relationships.last_seen_at
				  OR (EXCLUDED.last_seen_at = relationships.last_seen_at
				      AND EXCLUDED.last_stop_id > relationships.last_stop_id)
				THEN EXCLUDED.last_stop_id ELSE relationships.last_stop_id END,
			last_seen_at = GREATEST(relationships.last_seen_at, EXCLUDED.last_seen_at),
			updated_at   = now()
	`, a, b, stopID, at.UTC())
	if err != nil {
		return errors.Wrap(classifyPgError(err), "upsert relationship")
	}
	return nil
}

func (t *pgTx) DeleteEdges(ctx context.Context) (int64, error) {
	tag, err := t.tx.Exec(ctx, `DELETE FROM relationships`)
	if err != nil {
		return 0, errors.Wrap(err, "delete relationships")
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) StopParticipants(ctx context.Context) ([]models.StopParticipants, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT s.id, s.occurred_at, sp.person_id
		FROM stops s
		JOIN stop_people sp ON sp.stop_id = s.id
		ORDER BY s.id, sp.position
	`)
	if err != nil {
		return nil, errors.Wrap(err, "list stop participants")
	}
	defer rows.Close()

	var all []participantRow
	for rows.Next() {
		var r participantRow
		if err := rows.Scan(&r.stopID, &r.occurredAt, &r.personID); err != nil {
			return nil, errors.Wrap(err, "scan stop participant")
		}
		r.occurredAt = r.occurredAt.UTC()
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "list stop participants")
	}
	return groupParticipants(all), nil
}

func (t *pgTx) InsertAudit(ctx context.Context, e models.AuditEntry) error {
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return errors.Wrap(err, "marshal audit details")
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO audit_log (unit_id, action, resource, resource_id, details)
		VALUES ($1, $2, $3, $4, $5)
	`, e.UnitID, e.Action, string(e.Resource), e.ResourceID, detailsJSON)
	return errors.Wrap(err, "insert audit entry")
}

// classifyPgError maps constraint violations to the store's sentinel errors.
func classifyPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgUniqueViolation:
		switch pgErr.ConstraintName {
		case "pk_client_keys", "uq_stops_client_key", "uq_people_client_key", "uq_vehicles_client_key":
			return errors.WithMessage(ErrDuplicateClientKey, pgErr.ConstraintName)
		case "uq_vehicles_unit_plate":
			return ErrDuplicatePlate
		}
	case pgForeignKeyViolation:
		return errors.WithMessage(ErrNotFound, pgErr.ConstraintName)
	}
	if strings.HasPrefix(pgErr.Code, pgClassDataException) {
		return errors.WithMessage(ErrInvalidData, pgErr.Message)
	}
	return err
}

// pgUnavailable reports connection loss, server shutdown, resource exhaustion
// and lock or serialization conflicts.
func pgUnavailable(err error) bool {
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable,
		pgAdminShutdown, pgCrashShutdown, pgCannotConnectNow, pgQueryCanceled:
		return true
	}
	return strings.HasPrefix(pgErr.Code, pgClassConnection) || strings.HasPrefix(pgErr.Code, pgClassResources)
}
