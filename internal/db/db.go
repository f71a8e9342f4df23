package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"bus-tracker/internal/transit"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("not found")

type dialect int

const (
	dialectPostgres dialect = iota
	dialectSQLite
)

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// SQLStore is the schedule store backed by database/sql. Trips keep their
// stop array as a JSON document so a trip update is a single-row write.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	loc     *time.Location
	logger  *slog.Logger
}

func NewPostgresStore(db *sql.DB, loc *time.Location, logger *slog.Logger) *SQLStore {
	return newSQLStore(db, dialectPostgres, loc, logger)
}

func NewSQLiteStore(db *sql.DB, loc *time.Location, logger *slog.Logger) *SQLStore {
	return newSQLStore(db, dialectSQLite, loc, logger)
}

func newSQLStore(db *sql.DB, d dialect, loc *time.Location, logger *slog.Logger) *SQLStore {
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLStore{db: db, dialect: d, loc: loc, logger: logger}
}

// DB exposes the pool for health checks and pool metrics.
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) Close() error { return s.db.Close() }

// EnsureSchema creates the tables if they do not exist yet.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	schema := schemaPostgres
	if s.dialect == dialectSQLite {
		schema = schemaSQLite
	}
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// ListTrips returns one page of trips ordered by first scheduled departure.
// An empty line lists every line. Rows that fail to decode are logged and
// left out of the page but still counted in n, so callers paging on n keep
// going past them.
func (s *SQLStore) ListTrips(ctx context.Context, line string, offset, limit int) (trips []transit.TripInstance, n int, err error) {
	q := `SELECT id, line_number, stops, current_latitude, current_longitude FROM trips`
	args := []any{}
	if line != "" {
		q += ` WHERE line_number = $1`
		args = append(args, line)
	}
	q += fmt.Sprintf(` ORDER BY first_departure, id LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query trips: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		n++
		t, err := s.scanTrip(rows)
		if err != nil {
			if errors.Is(err, transit.ErrInvalidTrip) {
				s.logger.Warn("skipping invalid trip", slog.Any("error", err))
				continue
			}
			return nil, n, err
		}
		trips = append(trips, t)
	}
	return trips, n, rows.Err()
}

func (s *SQLStore) GetTrip(ctx context.Context, id int64) (transit.TripInstance, error) {
	q := `SELECT id, line_number, stops, current_latitude, current_longitude FROM trips WHERE id = $1`
	rows, err := s.db.QueryContext(ctx, s.rebind(q), id)
	if err != nil {
		return transit.TripInstance{}, fmt.Errorf("query trip %d: %w", id, err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return transit.TripInstance{}, err
		}
		return transit.TripInstance{}, fmt.Errorf("trip %d: %w", id, ErrNotFound)
	}
	return s.scanTrip(rows)
}

func (s *SQLStore) scanTrip(rows *sql.Rows) (transit.TripInstance, error) {
	var t transit.TripInstance
	var raw []byte
	if err := rows.Scan(&t.ID, &t.LineNumber, &raw, &t.CurrentLatitude, &t.CurrentLongitude); err != nil {
		return transit.TripInstance{}, fmt.Errorf("scan trip: %w", err)
	}
	stops, err := DecodeStops(raw, s.loc)
	if err != nil {
		return transit.TripInstance{}, fmt.Errorf("%w: trip %d: %v", transit.ErrInvalidTrip, t.ID, err)
	}
	t.Stops = stops
	if err := t.Validate(); err != nil {
		return transit.TripInstance{}, err
	}
	return t, nil
}

// UpdateTrip replaces the mutable trip fields in one statement.
func (s *SQLStore) UpdateTrip(ctx context.Context, id int64, stops []transit.Stop, lat, lon float64) error {
	raw, err := EncodeStops(stops, s.loc)
	if err != nil {
		return err
	}
	q := `UPDATE trips SET stops = $1, current_latitude = $2, current_longitude = $3 WHERE id = $4`
	res, err := s.db.ExecContext(ctx, s.rebind(q), s.jsonArg(raw), lat, lon, id)
	if err != nil {
		return fmt.Errorf("update trip %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update trip %d: %w", id, ErrNotFound)
	}
	return nil
}

// InsertTrips stores new trips and assigns their ids.
func (s *SQLStore) InsertTrips(ctx context.Context, trips []transit.TripInstance) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	q := s.rebind(`INSERT INTO trips (line_number, stops, first_departure, current_latitude, current_longitude)
VALUES ($1, $2, $3, $4, $5) RETURNING id`)
	for i := range trips {
		t := &trips[i]
		if err := t.Validate(); err != nil {
			return err
		}
		raw, err := EncodeStops(t.Stops, s.loc)
		if err != nil {
			return err
		}
		first, _ := t.FirstDeparture()
		if err := tx.QueryRowContext(ctx, q, t.LineNumber, s.jsonArg(raw), s.timeArg(first),
			t.CurrentLatitude, t.CurrentLongitude).Scan(&t.ID); err != nil {
			return fmt.Errorf("insert trip: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) ListStations(ctx context.Context, offset, limit int) ([]transit.Station, error) {
	q := `SELECT id, name, latitude, longitude FROM stations ORDER BY id LIMIT $1 OFFSET $2`
	rows, err := s.db.QueryContext(ctx, s.rebind(q), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query stations: %w", err)
	}
	return scanStations(rows)
}

func (s *SQLStore) GetStationsByIDs(ctx context.Context, ids []int64) ([]transit.Station, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ph := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		ph[i] = "$" + strconv.Itoa(i+1)
		args[i] = id
	}
	q := `SELECT id, name, latitude, longitude FROM stations WHERE id IN (` + strings.Join(ph, ",") + `) ORDER BY id`
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("query stations by id: %w", err)
	}
	return scanStations(rows)
}

// InsertStations stores new stations and assigns their ids.
func (s *SQLStore) InsertStations(ctx context.Context, stations []transit.Station) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	q := s.rebind(`INSERT INTO stations (name, latitude, longitude) VALUES ($1, $2, $3) RETURNING id`)
	for i := range stations {
		st := &stations[i]
		if err := tx.QueryRowContext(ctx, q, st.Name, st.Latitude, st.Longitude).Scan(&st.ID); err != nil {
			return fmt.Errorf("insert station %q: %w", st.Name, err)
		}
	}
	return tx.Commit()
}

func scanStations(rows *sql.Rows) ([]transit.Station, error) {
	defer rows.Close()
	var out []transit.Station
	for rows.Next() {
		var st transit.Station
		if err := rows.Scan(&st.ID, &st.Name, &st.Latitude, &st.Longitude); err != nil {
			return nil, fmt.Errorf("scan station: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// PendingReports returns reports whose status has not been decided yet.
// Reports lacking a trip, station or delay are returned with zero values
// in those fields so the caller can skip them.
func (s *SQLStore) PendingReports(ctx context.Context) ([]transit.Report, error) {
	q := `SELECT id, user_id, trip_id, station_id, delay_minutes FROM reports WHERE status IS NULL ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query pending reports: %w", err)
	}
	defer rows.Close()

	var out []transit.Report
	for rows.Next() {
		var r transit.Report
		var tripID, stationID, delay sql.NullInt64
		if err := rows.Scan(&r.ID, &r.UserID, &tripID, &stationID, &delay); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		r.TripID = tripID.Int64
		r.StationID = stationID.Int64
		r.DelayMinutes = int(delay.Int64)
		r.HasDelay = delay.Valid
		out = append(out, r)
	}
	return out, rows.Err()
}

// ResolveReport records the verification outcome and, when verified,
// credits the reporting user in the same transaction.
func (s *SQLStore) ResolveReport(ctx context.Context, r transit.Report, verified bool, at time.Time, credit int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stamp := s.timeArg(at)
	res, err := tx.ExecContext(ctx, s.rebind(`UPDATE reports SET status = $1, verified_at = $2 WHERE id = $3 AND status IS NULL`),
		verified, stamp, r.ID)
	if err != nil {
		return fmt.Errorf("update report %d: %w", r.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("report %d: %w", r.ID, ErrNotFound)
	}
	if verified && credit > 0 {
		if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE users
SET points = points + $1, total_verified_reports = total_verified_reports + 1, updated_at = $2
WHERE id = $3`), credit, stamp, r.UserID); err != nil {
			return fmt.Errorf("credit user %d: %w", r.UserID, err)
		}
	}
	return tx.Commit()
}

// rebind rewrites $N placeholders to ? for SQLite.
func (s *SQLStore) rebind(q string) string {
	if s.dialect != dialectSQLite {
		return q
	}
	var b strings.Builder
	b.Grow(len(q))
	for i := 0; i < len(q); i++ {
		if q[i] == '$' && i+1 < len(q) && q[i+1] >= '0' && q[i+1] <= '9' {
			b.WriteByte('?')
			for i+1 < len(q) && q[i+1] >= '0' && q[i+1] <= '9' {
				i++
			}
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// timeArg stores column timestamps in UTC so first_departure orders
// correctly across DST changes. SQLite gets fixed-width text that sorts
// lexically.
func (s *SQLStore) timeArg(t time.Time) any {
	if s.dialect == dialectSQLite {
		return formatTime(t, time.UTC)
	}
	return t.UTC()
}

func (s *SQLStore) jsonArg(raw []byte) any {
	if s.dialect == dialectSQLite {
		return string(raw)
	}
	return raw
}
