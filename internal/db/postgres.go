package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/ukydev/transit-ingestion/internal/models"
)

// insertChunkSize bounds the rows per INSERT statement so the parameter
// count stays under PostgreSQL's 65535 limit.
const insertChunkSize = 1000

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS routes (
		id BIGSERIAL PRIMARY KEY,
		code VARCHAR(16) NOT NULL UNIQUE,
		name VARCHAR(255) NOT NULL,
		origin VARCHAR(255) NOT NULL,
		destination VARCHAR(255) NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS buses (
		id BIGSERIAL PRIMARY KEY,
		fleet_number VARCHAR(32) NOT NULL UNIQUE,
		route_id BIGINT NOT NULL REFERENCES routes(id) ON DELETE CASCADE,
		capacity INT NOT NULL DEFAULT 40,
		status TEXT NOT NULL DEFAULT 'in_service'
			CHECK (status IN ('in_service', 'maintenance', 'out_of_service')),
		last_service_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS ix_buses_route_id ON buses (route_id)`,
	`CREATE TABLE IF NOT EXISTS traffic_snapshots (
		id BIGSERIAL PRIMARY KEY,
		source VARCHAR(64) NOT NULL,
		captured_at TIMESTAMPTZ NOT NULL,
		congestion_index INT NOT NULL,
		incident_count INT NOT NULL,
		average_speed_kph DOUBLE PRECISION,
		payload JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS ix_traffic_snapshots_captured_at ON traffic_snapshots (captured_at)`,
	`CREATE TABLE IF NOT EXISTS telemetry_records (
		id BIGSERIAL PRIMARY KEY,
		bus_id BIGINT NOT NULL REFERENCES buses(id) ON DELETE CASCADE,
		recorded_at TIMESTAMPTZ NOT NULL,
		latitude DOUBLE PRECISION NOT NULL,
		longitude DOUBLE PRECISION NOT NULL,
		speed_kph DOUBLE PRECISION,
		heading INT,
		passenger_load INT,
		CONSTRAINT uq_telemetry_bus_recorded_at UNIQUE (bus_id, recorded_at)
	)`,
	`CREATE TABLE IF NOT EXISTS predictions (
		id BIGSERIAL PRIMARY KEY,
		route_id BIGINT NOT NULL REFERENCES routes(id) ON DELETE CASCADE,
		traffic_snapshot_id BIGINT REFERENCES traffic_snapshots(id) ON DELETE SET NULL,
		target_arrival TIMESTAMPTZ NOT NULL,
		estimated_headway_minutes INT,
		travel_time_minutes INT,
		confidence DOUBLE PRECISION,
		notes VARCHAR(512),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS ix_predictions_route_target ON predictions (route_id, target_arrival)`,
}

// PostgresStore implements Store on PostgreSQL through lib/pq.
type PostgresStore struct {
	db *sql.DB
}

// ConnectPostgres opens dsn, verifies the connection and applies the schema.
func ConnectPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open error: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("postgres ping error: %w", err)
	}
	s := &PostgresStore{db: sqlDB}
	if err := s.applySchema(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) applySchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close(_ context.Context) error {
	return s.db.Close()
}

// ResolveBuses looks up every fleet number in a single query.
func (s *PostgresStore) ResolveBuses(ctx context.Context, fleetNumbers []string) (map[string]int64, error) {
	out := make(map[string]int64, len(fleetNumbers))
	if len(fleetNumbers) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, fleet_number FROM buses WHERE fleet_number = ANY($1)`,
		pq.Array(fleetNumbers))
	if err != nil {
		return nil, fmt.Errorf("resolve buses: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var fleet string
		if err := rows.Scan(&id, &fleet); err != nil {
			return nil, fmt.Errorf("scan bus: %w", err)
		}
		out[fleet] = id
	}
	return out, rows.Err()
}

// InsertTelemetry writes records in one transaction; duplicates on
// uq_telemetry_bus_recorded_at are skipped by the database.
func (s *PostgresStore) InsertTelemetry(ctx context.Context, records []models.TelemetryRecord) (err error) {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin telemetry tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	for start := 0; start < len(records); start += insertChunkSize {
		end := start + insertChunkSize
		if end > len(records) {
			end = len(records)
		}
		query, args := buildTelemetryInsert(records[start:end])
		if _, err = tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert telemetry: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit telemetry: %w", err)
	}
	return nil
}

func buildTelemetryInsert(records []models.TelemetryRecord) (string, []interface{}) {
	const cols = 7
	var b strings.Builder
	b.WriteString(`INSERT INTO telemetry_records
		(bus_id, recorded_at, latitude, longitude, speed_kph, heading, passenger_load) VALUES `)
	args := make([]interface{}, 0, len(records)*cols)
	for i, r := range records {
		if i > 0 {
			b.WriteString(", ")
		}
		n := i * cols
		fmt.Fprintf(&b, "($%d, $%d, $%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5, n+6, n+7)
		args = append(args, r.BusID, r.RecordedAt, r.Latitude, r.Longitude,
			nullFloat(r.SpeedKph), nullInt(r.Heading), nullInt(r.PassengerLoad))
	}
	b.WriteString(" ON CONFLICT ON CONSTRAINT uq_telemetry_bus_recorded_at DO NOTHING")
	return b.String(), args
}

// InsertTrafficSnapshot stores a snapshot and fills in its generated fields.
func (s *PostgresStore) InsertTrafficSnapshot(ctx context.Context, snap *models.TrafficSnapshot) error {
	payload, err := marshalPayload(snap.Payload)
	if err != nil {
		return err
	}
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO traffic_snapshots
			(source, captured_at, congestion_index, incident_count, average_speed_kph, payload)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at, updated_at`,
		snap.Source, snap.CapturedAt, snap.CongestionIndex, snap.IncidentCount,
		nullFloat(snap.AverageSpeedKph), payload,
	).Scan(&snap.ID, &snap.CreatedAt, &snap.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert traffic snapshot: %w", err)
	}
	return nil
}

// ListRoutes returns all routes ordered by code.
func (s *PostgresStore) ListRoutes(ctx context.Context) ([]models.Route, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, code, name, origin, destination, is_active, created_at, updated_at
		 FROM routes ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	defer rows.Close()
	routes := make([]models.Route, 0)
	for rows.Next() {
		r, err := scanRoute(rows)
		if err != nil {
			return nil, err
		}
		routes = append(routes, *r)
	}
	return routes, rows.Err()
}

// GetRoute returns a route by id or ErrNotFound.
func (s *PostgresStore) GetRoute(ctx context.Context, id int64) (*models.Route, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, code, name, origin, destination, is_active, created_at, updated_at
		 FROM routes WHERE id = $1`, id)
	r, err := scanRoute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// ListBuses returns buses, restricted to routeID when it is non-zero.
func (s *PostgresStore) ListBuses(ctx context.Context, routeID int64) ([]models.Bus, error) {
	query := `SELECT id, fleet_number, route_id, capacity, status, last_service_at, created_at, updated_at FROM buses`
	var args []interface{}
	if routeID != 0 {
		query += ` WHERE route_id = $1`
		args = append(args, routeID)
	}
	query += ` ORDER BY fleet_number`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list buses: %w", err)
	}
	defer rows.Close()
	buses := make([]models.Bus, 0)
	for rows.Next() {
		b, err := scanBus(rows)
		if err != nil {
			return nil, err
		}
		buses = append(buses, *b)
	}
	return buses, rows.Err()
}

// GetBus returns a bus by id or ErrNotFound.
func (s *PostgresStore) GetBus(ctx context.Context, id int64) (*models.Bus, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, fleet_number, route_id, capacity, status, last_service_at, created_at, updated_at
		 FROM buses WHERE id = $1`, id)
	b, err := scanBus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

// ListTelemetry returns the newest records for a bus.
func (s *PostgresStore) ListTelemetry(ctx context.Context, busID int64, limit int) ([]models.TelemetryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bus_id, recorded_at, latitude, longitude, speed_kph, heading, passenger_load
		 FROM telemetry_records WHERE bus_id = $1
		 ORDER BY recorded_at DESC LIMIT $2`, busID, limit)
	if err != nil {
		return nil, fmt.Errorf("list telemetry: %w", err)
	}
	defer rows.Close()
	records := make([]models.TelemetryRecord, 0)
	for rows.Next() {
		r, err := scanTelemetry(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

// LatestPositions returns the most recent record of every bus that has one.
func (s *PostgresStore) LatestPositions(ctx context.Context) ([]models.LatestPosition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT ON (t.bus_id)
			b.fleet_number, r.code,
			t.id, t.bus_id, t.recorded_at, t.latitude, t.longitude, t.speed_kph, t.heading, t.passenger_load
		 FROM telemetry_records t
		 JOIN buses b ON b.id = t.bus_id
		 JOIN routes r ON r.id = b.route_id
		 ORDER BY t.bus_id, t.recorded_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("latest positions: %w", err)
	}
	defer rows.Close()
	out := make([]models.LatestPosition, 0)
	for rows.Next() {
		var p models.LatestPosition
		var speed sql.NullFloat64
		var heading, load sql.NullInt64
		if err := rows.Scan(&p.FleetNumber, &p.RouteCode,
			&p.Record.ID, &p.Record.BusID, &p.Record.RecordedAt, &p.Record.Latitude, &p.Record.Longitude,
			&speed, &heading, &load); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		p.BusID = p.Record.BusID
		p.Record.SpeedKph = floatPtr(speed)
		p.Record.Heading = intPtr(heading)
		p.Record.PassengerLoad = intPtr(load)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListTrafficSnapshots returns the newest snapshots.
func (s *PostgresStore) ListTrafficSnapshots(ctx context.Context, limit int) ([]models.TrafficSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source, captured_at, congestion_index, incident_count, average_speed_kph, payload, created_at, updated_at
		 FROM traffic_snapshots ORDER BY captured_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list traffic snapshots: %w", err)
	}
	defer rows.Close()
	snaps := make([]models.TrafficSnapshot, 0)
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, *snap)
	}
	return snaps, rows.Err()
}

// LatestTrafficSnapshot returns the newest snapshot or ErrNotFound.
func (s *PostgresStore) LatestTrafficSnapshot(ctx context.Context) (*models.TrafficSnapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, source, captured_at, congestion_index, incident_count, average_speed_kph, payload, created_at, updated_at
		 FROM traffic_snapshots ORDER BY captured_at DESC LIMIT 1`)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return snap, err
}

// ListPredictions returns upcoming predictions for a route ordered by arrival.
func (s *PostgresStore) ListPredictions(ctx context.Context, routeID int64, limit int) ([]models.Prediction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, route_id, traffic_snapshot_id, target_arrival, estimated_headway_minutes,
			travel_time_minutes, confidence, notes, created_at, updated_at
		 FROM predictions WHERE route_id = $1
		 ORDER BY target_arrival LIMIT $2`, routeID, limit)
	if err != nil {
		return nil, fmt.Errorf("list predictions: %w", err)
	}
	defer rows.Close()
	preds := make([]models.Prediction, 0)
	for rows.Next() {
		var p models.Prediction
		var snapID, headway, travel sql.NullInt64
		var confidence sql.NullFloat64
		var notes sql.NullString
		if err := rows.Scan(&p.ID, &p.RouteID, &snapID, &p.TargetArrival, &headway,
			&travel, &confidence, &notes, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan prediction: %w", err)
		}
		if snapID.Valid {
			id := snapID.Int64
			p.TrafficSnapshotID = &id
		}
		p.EstimatedHeadwayMinutes = intPtr(headway)
		p.TravelTimeMinutes = intPtr(travel)
		p.Confidence = floatPtr(confidence)
		p.Notes = notes.String
		preds = append(preds, p)
	}
	return preds, rows.Err()
}

// Reset deletes all rows in dependency order.
func (s *PostgresStore) Reset(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`TRUNCATE predictions, telemetry_records, buses, traffic_snapshots, routes RESTART IDENTITY CASCADE`)
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

// CreateRoute inserts a route.
func (s *PostgresStore) CreateRoute(ctx context.Context, r *models.Route) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO routes (code, name, origin, destination, is_active)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at, updated_at`,
		r.Code, r.Name, r.Origin, r.Destination, r.IsActive,
	).Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create route: %w", err)
	}
	return nil
}

// CreateBus inserts a bus. Zero capacity and empty status take the column
// defaults.
func (s *PostgresStore) CreateBus(ctx context.Context, b *models.Bus) error {
	if b.Capacity == 0 {
		b.Capacity = 40
	}
	if b.Status == "" {
		b.Status = models.BusInService
	}
	if !models.IsValidBusStatus(b.Status) {
		return fmt.Errorf("create bus: invalid status %q", b.Status)
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO buses (fleet_number, route_id, capacity, status, last_service_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at, updated_at`,
		b.FleetNumber, b.RouteID, b.Capacity, string(b.Status), b.LastServiceAt,
	).Scan(&b.ID, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create bus: %w", err)
	}
	return nil
}

// CreatePrediction inserts a prediction.
func (s *PostgresStore) CreatePrediction(ctx context.Context, p *models.Prediction) error {
	var snapID sql.NullInt64
	if p.TrafficSnapshotID != nil {
		snapID = sql.NullInt64{Int64: *p.TrafficSnapshotID, Valid: true}
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO predictions (route_id, traffic_snapshot_id, target_arrival,
			estimated_headway_minutes, travel_time_minutes, confidence, notes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, created_at, updated_at`,
		p.RouteID, snapID, p.TargetArrival, nullInt(p.EstimatedHeadwayMinutes),
		nullInt(p.TravelTimeMinutes), nullFloat(p.Confidence), sql.NullString{String: p.Notes, Valid: p.Notes != ""},
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create prediction: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRoute(row rowScanner) (*models.Route, error) {
	var r models.Route
	if err := row.Scan(&r.ID, &r.Code, &r.Name, &r.Origin, &r.Destination, &r.IsActive, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan route: %w", err)
	}
	return &r, nil
}

func scanBus(row rowScanner) (*models.Bus, error) {
	var b models.Bus
	var status string
	var lastService sql.NullTime
	if err := row.Scan(&b.ID, &b.FleetNumber, &b.RouteID, &b.Capacity, &status, &lastService, &b.CreatedAt, &b.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan bus: %w", err)
	}
	b.Status = models.BusStatus(status)
	if lastService.Valid {
		t := lastService.Time
		b.LastServiceAt = &t
	}
	return &b, nil
}

func scanTelemetry(row rowScanner) (*models.TelemetryRecord, error) {
	var r models.TelemetryRecord
	var speed sql.NullFloat64
	var heading, load sql.NullInt64
	if err := row.Scan(&r.ID, &r.BusID, &r.RecordedAt, &r.Latitude, &r.Longitude, &speed, &heading, &load); err != nil {
		return nil, fmt.Errorf("scan telemetry: %w", err)
	}
	r.SpeedKph = floatPtr(speed)
	r.Heading = intPtr(heading)
	r.PassengerLoad = intPtr(load)
	return &r, nil
}

func scanSnapshot(row rowScanner) (*models.TrafficSnapshot, error) {
	var s models.TrafficSnapshot
	var speed sql.NullFloat64
	var payload []byte
	if err := row.Scan(&s.ID, &s.Source, &s.CapturedAt, &s.CongestionIndex, &s.IncidentCount,
		&speed, &payload, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan traffic snapshot: %w", err)
	}
	s.AverageSpeedKph = floatPtr(speed)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &s.Payload); err != nil {
			return nil, fmt.Errorf("decode traffic payload: %w", err)
		}
	}
	return &s, nil
}

func marshalPayload(p map[string]interface{}) (interface{}, error) {
	if p == nil {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode traffic payload: %w", err)
	}
	return string(b), nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}
