package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/PratikDhanave/fieldsync-service/internal/models"
)

// SQLiteStore is the embedded persistence layer, used for single-node
// deployments and tests. Timestamps are stored as unix milliseconds.
type SQLiteStore struct {
	db  *sql.DB
	log *zap.Logger
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite creates or opens a SQLite database at path.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - 5-second busy timeout for lock contention
//   - foreign key enforcement
//
// SQLite supports one writer at a time, so the pool holds a single connection:
// transactions queue on it instead of failing with SQLITE_BUSY.
func OpenSQLite(path string, log *zap.Logger) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite store: empty path")
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: open")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "sqlite store: connect")
	}
	return &SQLiteStore{db: db, log: log}, nil
}

// Migrate applies the embedded goose migrations. Safe to run multiple times.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	return migrate(ctx, s.db, "sqlite3", "migrations/sqlite", s.log)
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx runs fn inside a transaction; a panic in fn rolls back and re-panics.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(&sqliteTx{tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return errors.Wrap(classifySQLiteError(err), "commit transaction")
	}
	return nil
}

func (s *SQLiteStore) FindByClientKey(ctx context.Context, key string) (Ref, error) {
	var (
		typ string
		id  int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT entity_type, entity_id FROM client_keys WHERE client_key = ?
	`, key).Scan(&typ, &id)
	if errors.Is(err, sql.ErrNoRows) {
		return Ref{}, ErrNotFound
	}
	if err != nil {
		return Ref{}, errors.Wrap(err, "find client key")
	}
	return Ref{Type: models.EntityType(typ), ID: id}, nil
}

func (s *SQLiteStore) GetStop(ctx context.Context, unitID string, id int64) (models.Stop, error) {
	var (
		st                    models.Stop
		clientKey             sql.NullString
		lat, lon              sql.NullFloat64
		occurredMs, createdMs int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, unit_id, occurred_at_ms, latitude, longitude, address, notes, origin, client_key, created_at_ms
		FROM stops
		WHERE id = ? AND unit_id = ?
	`, id, unitID).Scan(&st.ID, &st.UnitID, &occurredMs, &lat, &lon, &st.Address, &st.Notes, &st.Origin, &clientKey, &createdMs)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Stop{}, ErrNotFound
	}
	if err != nil {
		return models.Stop{}, errors.Wrap(err, "get stop")
	}
	st.OccurredAt = fromMillis(occurredMs)
	st.CreatedAt = fromMillis(createdMs)
	st.ClientKey = clientKey.String
	if lat.Valid {
		st.Latitude = &lat.Float64
	}
	if lon.Valid {
		st.Longitude = &lon.Float64
	}

	if st.PersonIDs, err = s.int64Column(ctx, `SELECT person_id FROM stop_people WHERE stop_id = ? ORDER BY position`, id); err != nil {
		return models.Stop{}, errors.Wrap(err, "get stop people")
	}
	if st.VehicleIDs, err = s.int64Column(ctx, `SELECT vehicle_id FROM stop_vehicles WHERE stop_id = ? ORDER BY position`, id); err != nil {
		return models.Stop{}, errors.Wrap(err, "get stop vehicles")
	}
	return st, nil
}

func (s *SQLiteStore) int64Column(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) GetPerson(ctx context.Context, unitID string, id int64) (models.Person, error) {
	var (
		p         models.Person
		clientKey sql.NullString
		createdMs int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, unit_id, name, nickname, birth_date, notes, client_key, created_at_ms
		FROM people
		WHERE id = ? AND unit_id = ?
	`, id, unitID).Scan(&p.ID, &p.UnitID, &p.Name, &p.Nickname, &p.BirthDate, &p.Notes, &clientKey, &createdMs)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Person{}, ErrNotFound
	}
	if err != nil {
		return models.Person{}, errors.Wrap(err, "get person")
	}
	p.ClientKey = clientKey.String
	p.CreatedAt = fromMillis(createdMs)
	return p, nil
}

func (s *SQLiteStore) GetVehicle(ctx context.Context, unitID string, id int64) (models.Vehicle, error) {
	var (
		v         models.Vehicle
		clientKey sql.NullString
		year      sql.NullInt64
		createdMs int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, unit_id, plate, model, color, year, kind, notes, client_key, created_at_ms
		FROM vehicles
		WHERE id = ? AND unit_id = ?
	`, id, unitID).Scan(&v.ID, &v.UnitID, &v.Plate, &v.Model, &v.Color, &year, &v.Kind, &v.Notes, &clientKey, &createdMs)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Vehicle{}, ErrNotFound
	}
	if err != nil {
		return models.Vehicle{}, errors.Wrap(err, "get vehicle")
	}
	if year.Valid {
		y := int(year.Int64)
		v.Year = &y
	}
	v.ClientKey = clientKey.String
	v.CreatedAt = fromMillis(createdMs)
	return v, nil
}

func (s *SQLiteStore) GetEdge(ctx context.Context, a, b int64) (models.RelationshipEdge, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT person_a_id, person_b_id, frequency, first_stop_id, first_seen_at_ms, last_stop_id, last_seen_at_ms
		FROM relationships
		WHERE person_a_id = ? AND person_b_id = ?
	`, a, b)
	e, err := scanSQLiteEdge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RelationshipEdge{}, ErrNotFound
	}
	if err != nil {
		return models.RelationshipEdge{}, errors.Wrap(err, "get edge")
	}
	return e, nil
}

func (s *SQLiteStore) ListEdges(ctx context.Context) ([]models.RelationshipEdge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT person_a_id, person_b_id, frequency, first_stop_id, first_seen_at_ms, last_stop_id, last_seen_at_ms
		FROM relationships
		ORDER BY person_a_id, person_b_id
	`)
	if err != nil {
		return nil, errors.Wrap(err, "list edges")
	}
	defer rows.Close()

	var edges []models.RelationshipEdge
	for rows.Next() {
		e, err := scanSQLiteEdge(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan edge")
		}
		edges = append(edges, e)
	}
	return edges, errors.Wrap(rows.Err(), "list edges")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteEdge(row rowScanner) (models.RelationshipEdge, error) {
	var (
		e               models.RelationshipEdge
		firstMs, lastMs int64
	)
	if err := row.Scan(&e.PersonA, &e.PersonB, &e.Frequency, &e.FirstStopID, &firstMs, &e.LastStopID, &lastMs); err != nil {
		return models.RelationshipEdge{}, err
	}
	e.FirstSeenAt = fromMillis(firstMs)
	e.LastSeenAt = fromMillis(lastMs)
	return e, nil
}

func (s *SQLiteStore) ListRelationships(ctx context.Context, personID int64) ([]models.Relationship, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT other.id, other.name, r.frequency, r.first_seen_at_ms, r.last_seen_at_ms, r.last_stop_id
		FROM relationships r
		JOIN people other
		  ON other.id = CASE WHEN r.person_a_id = ? THEN r.person_b_id ELSE r.person_a_id END
		WHERE r.person_a_id = ? OR r.person_b_id = ?
		ORDER BY r.frequency DESC, r.last_seen_at_ms DESC, other.id ASC
	`, personID, personID, personID)
	if err != nil {
		return nil, errors.Wrap(err, "list relationships")
	}
	defer rows.Close()

	out := []models.Relationship{}
	for rows.Next() {
		var (
			r               models.Relationship
			firstMs, lastMs int64
		)
		if err := rows.Scan(&r.PersonID, &r.Name, &r.Frequency, &firstMs, &lastMs, &r.LastStopID); err != nil {
			return nil, errors.Wrap(err, "scan relationship")
		}
		r.FirstSeenAt = fromMillis(firstMs)
		r.LastSeenAt = fromMillis(lastMs)
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "list relationships")
}

// sqliteTx implements Tx on a database/sql transaction.
type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) insert(ctx context.Context, what, query string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.Wrap(classifySQLiteError(err), what)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, what)
	}
	return id, nil
}

func (t *sqliteTx) InsertStop(ctx context.Context, unitID string, in models.StopInput, origin string) (int64, error) {
	id, err := t.insert(ctx, "insert stop", `
		INSERT INTO stops (unit_id, occurred_at_ms, latitude, longitude, address, notes, origin, client_key, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, unitID, toMillis(in.OccurredAt), in.Latitude, in.Longitude, in.Address, in.Notes, origin,
		nullableString(in.ClientKey), nowMillis())
	if err != nil {
		return 0, err
	}
	return id, t.claimKey(ctx, in.ClientKey, models.EntityStop, id)
}

func (t *sqliteTx) InsertPerson(ctx context.Context, unitID string, in models.PersonInput) (int64, error) {
	id, err := t.insert(ctx, "insert person", `
		INSERT INTO people (unit_id, name, nickname, birth_date, notes, client_key, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, unitID, in.Name, in.Nickname, in.BirthDate, in.Notes, nullableString(in.ClientKey), nowMillis())
	if err != nil {
		return 0, err
	}
	return id, t.claimKey(ctx, in.ClientKey, models.EntityPerson, id)
}

func (t *sqliteTx) InsertVehicle(ctx context.Context, unitID string, in models.VehicleInput) (int64, error) {
	id, err := t.insert(ctx, "insert vehicle", `
		INSERT INTO vehicles (unit_id, plate, model, color, year, kind, notes, client_key, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, unitID, in.Plate, in.Model, in.Color, in.Year, in.Kind, in.Notes, nullableString(in.ClientKey), nowMillis())
	if err != nil {
		return 0, err
	}
	return id, t.claimKey(ctx, in.ClientKey, models.EntityVehicle, id)
}

// claimKey records key in the global key table; a key already claimed by any
// entity type fails with ErrDuplicateClientKey.
func (t *sqliteTx) claimKey(ctx context.Context, key string, typ models.EntityType, id int64) error {
	if key == "" {
		return nil
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO client_keys (client_key, entity_type, entity_id, created_at_ms) VALUES (?, ?, ?, ?)
	`, key, string(typ), id, nowMillis())
	return errors.Wrap(classifySQLiteError(err), "claim client key")
}

func (t *sqliteTx) MissingPeople(ctx context.Context, unitID string, ids []int64) ([]int64, error) {
	return t.missing(ctx, "people", unitID, ids)
}

func (t *sqliteTx) MissingVehicles(ctx context.Context, unitID string, ids []int64) ([]int64, error) {
	return t.missing(ctx, "vehicles", unitID, ids)
}

func (t *sqliteTx) missing(ctx context.Context, table, unitID string, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, unitID)
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	query := fmt.Sprintf(`SELECT id FROM %s WHERE unit_id = ? AND id IN (%s)`, table, placeholders)

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(classifySQLiteError(err), "check references")
	}
	defer rows.Close()

	found := map[int64]bool{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "check references")
		}
		found[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "check references")
	}
	return missingIDs(ids, found), nil
}

func (t *sqliteTx) LinkStopPeople(ctx context.Context, stopID int64, personIDs []int64) error {
	for i, id := range personIDs {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO stop_people (stop_id, person_id, position) VALUES (?, ?, ?)
		`, stopID, id, i); err != nil {
			return errors.Wrap(classifySQLiteError(err), "link stop person")
		}
	}
	return nil
}

func (t *sqliteTx) LinkStopVehicles(ctx context.Context, stopID int64, vehicleIDs []int64) error {
	for i, id := range vehicleIDs {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO stop_vehicles (stop_id, vehicle_id, position) VALUES (?, ?, ?)
		`, stopID, id, i); err != nil {
			return errors.Wrap(classifySQLiteError(err), "link stop vehicle")
		}
	}
	return nil
}

// UpsertEdge is a single INSERT ... ON CONFLICT DO UPDATE, never read-then-write.
// Equal timestamps keep the higher stop id as last_stop_id.
func (t *sqliteTx) UpsertEdge(ctx context.Context, a, b, stopID int64, at time.Time) error {
	atMs := toMillis(at)
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO relationships
			(person_a_id, person_b_id, frequency, first_stop_id, first_seen_at_ms, last_stop_id, last_seen_at_ms, updated_at_ms)
		VALUES (?, ?, 1, ?, ?, ?, ?, ?)
		ON CONFLICT (person_a_id, person_b_id) DO UPDATE SET
			frequency       = relationships.frequency + 1,
			last_stop_id    = CASE
				WHEN excluded.last_seen_at_ms > relationships.last_seen_at_ms
				  OR (excluded.last_seen_at_ms = relationships.last_seen_at_ms
				      AND excluded.last_stop_id > relationships.last_stop_id)
				THEN excluded.last_stop_id ELSE relationships.last_stop_id END,
			last_seen_at_ms = MAX(relationships.last_seen_at_ms, excluded.last_seen_at_ms),
			updated_at_ms   = excluded.updated_at_ms
	`, a, b, stopID, atMs, stopID, atMs, nowMillis())
	if err != nil {
		return errors.Wrap(classifySQLiteError(err), "upsert relationship")
	}
	return nil
}

func (t *sqliteTx) DeleteEdges(ctx context.Context) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM relationships`)
	if err != nil {
		return 0, errors.Wrap(err, "delete relationships")
	}
	return res.RowsAffected()
}

func (t *sqliteTx) StopParticipants(ctx context.Context) ([]models.StopParticipants, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT s.id, s.occurred_at_ms, sp.person_id
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
		var (
			r  participantRow
			ms int64
		)
		if err := rows.Scan(&r.stopID, &ms, &r.personID); err != nil {
			return nil, errors.Wrap(err, "scan stop participant")
		}
		r.occurredAt = fromMillis(ms)
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "list stop participants")
	}
	return groupParticipants(all), nil
}

func (t *sqliteTx) InsertAudit(ctx context.Context, e models.AuditEntry) error {
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return errors.Wrap(err, "marshal audit details")
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO audit_log (unit_id, action, resource, resource_id, details, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.UnitID, e.Action, string(e.Resource), e.ResourceID, string(detailsJSON), nowMillis())
	return errors.Wrap(err, "insert audit entry")
}

// classifySQLiteError maps constraint violations to the store's sentinel errors.
// SQLite reports the offending columns in the message, e.g.
// "UNIQUE constraint failed: stops.client_key".
func classifySQLiteError(err error) error {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}
	msg := sqliteErr.Error()
	switch sqliteErr.ExtendedCode {
	case sqlite3.ErrConstraintUnique:
		switch {
		case strings.Contains(msg, ".client_key"):
			return errors.WithMessage(ErrDuplicateClientKey, msg)
		case strings.Contains(msg, ".plate"):
			return ErrDuplicatePlate
		}
	case sqlite3.ErrConstraintForeignKey:
		return errors.WithMessage(ErrNotFound, msg)
	}
	switch sqliteErr.Code {
	case sqlite3.ErrTooBig, sqlite3.ErrRange, sqlite3.ErrMismatch:
		return errors.WithMessage(ErrInvalidData, msg)
	case sqlite3.ErrError:
		// Statements built from caller input can exceed SQLITE_MAX_VARIABLE_NUMBER.
		if strings.Contains(msg, "too many SQL variables") {
			return errors.WithMessage(ErrInvalidData, msg)
		}
	}
	return err
}

// sqliteUnavailable reports lock contention and I/O failures of the database file.
func sqliteUnavailable(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrNomem, sqlite3.ErrIoErr,
			sqlite3.ErrCantOpen, sqlite3.ErrFull, sqlite3.ErrReadonly, sqlite3.ErrInterrupt:
			return true
		}
		return false
	}
	// database/sql does not export its closed-pool error.
	return strings.Contains(err.Error(), "sql: database is closed")
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nowMillis() int64 {
	return time.Now().UTC().UnixMilli()
}
