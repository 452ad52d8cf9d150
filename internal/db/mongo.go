package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ukydev/transit-ingestion/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	colRoutes      = "routes"
	colBuses       = "buses"
	colTelemetry   = "telemetry_records"
	colSnapshots   = "traffic_snapshots"
	colPredictions = "predictions"
	colCounters    = "counters"
)

// MongoStore implements Store on MongoDB. Integer ids are allocated from a
// counters collection so both backends expose the same identifiers.
// InsertTelemetry runs in a multi-document transaction and therefore needs a
// replica set or sharded cluster.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// ConnectMongo connects to uri, verifies the connection and creates indexes.
func ConnectMongo(ctx context.Context, uri, dbName string) (*MongoStore, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true})
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo.Connect error: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo.Ping error: %w", err)
	}
	s := &MongoStore{client: client, db: client.Database(dbName)}
	if err := s.ensureIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		colRoutes: {{
			Keys:    bson.D{{Key: "code", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		colBuses: {
			{
				Keys:    bson.D{{Key: "fleet_number", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "route_id", Value: 1}}},
		},
		colTelemetry: {{
			Keys:    bson.D{{Key: "bus_id", Value: 1}, {Key: "recorded_at", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uq_telemetry_bus_recorded_at"),
		}},
		colSnapshots: {{Keys: bson.D{{Key: "captured_at", Value: -1}}}},
		colPredictions: {{
			Keys: bson.D{{Key: "route_id", Value: 1}, {Key: "target_arrival", Value: 1}},
		}},
	}
	for name, idx := range indexes {
		if _, err := s.db.Collection(name).Indexes().CreateMany(ctx, idx); err != nil {
			return fmt.Errorf("create %s indexes: %w", name, err)
		}
	}
	return nil
}

// Ping checks connectivity.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) nextID(ctx context.Context, name string) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := s.db.Collection(colCounters).FindOneAndUpdate(ctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("allocate %s id: %w", name, err)
	}
	return counter.Seq, nil
}

// ResolveBuses looks up every fleet number in a single query.
func (s *MongoStore) ResolveBuses(ctx context.Context, fleetNumbers []string) (map[string]int64, error) {
	out := make(map[string]int64, len(fleetNumbers))
	if len(fleetNumbers) == 0 {
		return out, nil
	}
	cursor, err := s.db.Collection(colBuses).Find(ctx,
		bson.M{"fleet_number": bson.M{"$in": fleetNumbers}},
		options.Find().SetProjection(bson.M{"_id": 1, "fleet_number": 1}))
	if err != nil {
		return nil, fmt.Errorf("resolve buses: %w", err)
	}
	var rows []struct {
		ID          int64  `bson:"_id"`
		FleetNumber string `bson:"fleet_number"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("resolve buses: %w", err)
	}
	for _, r := range rows {
		out[r.FleetNumber] = r.ID
	}
	return out, nil
}

// InsertTelemetry upserts records keyed by (bus_id, recorded_at) inside one
// transaction. $setOnInsert leaves existing documents untouched.
func (s *MongoStore) InsertTelemetry(ctx context.Context, records []models.TelemetryRecord) error {
	if len(records) == 0 {
		return nil
	}
	writes := make([]mongo.WriteModel, 0, len(records))
	for _, r := range records {
		writes = append(writes, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"bus_id": r.BusID, "recorded_at": r.RecordedAt}).
			SetUpdate(bson.M{"$setOnInsert": r}).
			SetUpsert(true))
	}

	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(ctx)

	coll := s.db.Collection(colTelemetry)
	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return coll.BulkWrite(sc, writes, options.BulkWrite().SetOrdered(false))
	})
	if err != nil {
		return fmt.Errorf("insert telemetry: %w", err)
	}
	return nil
}

// InsertTrafficSnapshot stores a snapshot and fills in its generated fields.
func (s *MongoStore) InsertTrafficSnapshot(ctx context.Context, snap *models.TrafficSnapshot) error {
	id, err := s.nextID(ctx, colSnapshots)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	snap.ID, snap.CreatedAt, snap.UpdatedAt = id, now, now
	if _, err := s.db.Collection(colSnapshots).InsertOne(ctx, snap); err != nil {
		return fmt.Errorf("insert traffic snapshot: %w", err)
	}
	return nil
}

// ListRoutes returns all routes ordered by code.
func (s *MongoStore) ListRoutes(ctx context.Context) ([]models.Route, error) {
	routes := make([]models.Route, 0)
	err := s.findAll(ctx, colRoutes, bson.M{}, options.Find().SetSort(bson.D{{Key: "code", Value: 1}}), &routes)
	return routes, err
}

// GetRoute returns a route by id or ErrNotFound.
func (s *MongoStore) GetRoute(ctx context.Context, id int64) (*models.Route, error) {
	var r models.Route
	if err := s.findOne(ctx, colRoutes, id, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ListBuses returns buses, restricted to routeID when it is non-zero.
func (s *MongoStore) ListBuses(ctx context.Context, routeID int64) ([]models.Bus, error) {
	filter := bson.M{}
	if routeID != 0 {
		filter["route_id"] = routeID
	}
	buses := make([]models.Bus, 0)
	err := s.findAll(ctx, colBuses, filter, options.Find().SetSort(bson.D{{Key: "fleet_number", Value: 1}}), &buses)
	return buses, err
}

// GetBus returns a bus by id or ErrNotFound.
func (s *MongoStore) GetBus(ctx context.Context, id int64) (*models.Bus, error) {
	var b models.Bus
	if err := s.findOne(ctx, colBuses, id, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// ListTelemetry returns the newest records for a bus. Telemetry documents
// carry ObjectIDs, so ID is left zero.
func (s *MongoStore) ListTelemetry(ctx context.Context, busID int64, limit int) ([]models.TelemetryRecord, error) {
	records := make([]models.TelemetryRecord, 0)
	opts := options.Find().
		SetSort(bson.D{{Key: "recorded_at", Value: -1}}).
		SetLimit(int64(limit))
	err := s.findAll(ctx, colTelemetry, bson.M{"bus_id": busID}, opts, &records)
	return records, err
}

// LatestPositions returns the most recent record of every bus that has one.
func (s *MongoStore) LatestPositions(ctx context.Context) ([]models.LatestPosition, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$sort", Value: bson.D{{Key: "bus_id", Value: 1}, {Key: "recorded_at", Value: -1}}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$bus_id"},
			{Key: "doc", Value: bson.D{{Key: "$first", Value: "$$ROOT"}}},
		}}},
	}
	cursor, err := s.db.Collection(colTelemetry).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("latest positions: %w", err)
	}
	var groups []struct {
		BusID int64                  `bson:"_id"`
		Doc   models.TelemetryRecord `bson:"doc"`
	}
	if err := cursor.All(ctx, &groups); err != nil {
		return nil, fmt.Errorf("latest positions: %w", err)
	}

	buses, err := s.ListBuses(ctx, 0)
	if err != nil {
		return nil, err
	}
	routes, err := s.ListRoutes(ctx)
	if err != nil {
		return nil, err
	}
	routeCodes := make(map[int64]string, len(routes))
	for _, r := range routes {
		routeCodes[r.ID] = r.Code
	}
	busByID := make(map[int64]models.Bus, len(buses))
	for _, b := range buses {
		busByID[b.ID] = b
	}

	out := make([]models.LatestPosition, 0, len(groups))
	for _, g := range groups {
		b, ok := busByID[g.BusID]
		if !ok {
			continue
		}
		out = append(out, models.LatestPosition{
			BusID:       g.BusID,
			FleetNumber: b.FleetNumber,
			RouteCode:   routeCodes[b.RouteID],
			Record:      g.Doc,
		})
	}
	return out, nil
}

// ListTrafficSnapshots returns the newest snapshots.
func (s *MongoStore) ListTrafficSnapshots(ctx context.Context, limit int) ([]models.TrafficSnapshot, error) {
	snaps := make([]models.TrafficSnapshot, 0)
	opts := options.Find().
		SetSort(bson.D{{Key: "captured_at", Value: -1}}).
		SetLimit(int64(limit))
	err := s.findAll(ctx, colSnapshots, bson.M{}, opts, &snaps)
	return snaps, err
}

// LatestTrafficSnapshot returns the newest snapshot or ErrNotFound.
func (s *MongoStore) LatestTrafficSnapshot(ctx context.Context) (*models.TrafficSnapshot, error) {
	var snap models.TrafficSnapshot
	err := s.db.Collection(colSnapshots).FindOne(ctx, bson.M{},
		options.FindOne().SetSort(bson.D{{Key: "captured_at", Value: -1}}),
	).Decode(&snap)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest traffic snapshot: %w", err)
	}
	return &snap, nil
}

// ListPredictions returns predictions for a route ordered by arrival.
func (s *MongoStore) ListPredictions(ctx context.Context, routeID int64, limit int) ([]models.Prediction, error) {
	preds := make([]models.Prediction, 0)
	opts := options.Find().
		SetSort(bson.D{{Key: "target_arrival", Value: 1}}).
		SetLimit(int64(limit))
	err := s.findAll(ctx, colPredictions, bson.M{"route_id": routeID}, opts, &preds)
	return preds, err
}

// Reset deletes every document, counters included.
func (s *MongoStore) Reset(ctx context.Context) error {
	for _, name := range []string{colPredictions, colTelemetry, colBuses, colSnapshots, colRoutes, colCounters} {
		if _, err := s.db.Collection(name).DeleteMany(ctx, bson.M{}); err != nil {
			return fmt.Errorf("reset %s: %w", name, err)
		}
	}
	return nil
}

// CreateRoute inserts a route.
func (s *MongoStore) CreateRoute(ctx context.Context, r *models.Route) error {
	id, err := s.nextID(ctx, colRoutes)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	r.ID, r.CreatedAt, r.UpdatedAt = id, now, now
	if _, err := s.db.Collection(colRoutes).InsertOne(ctx, r); err != nil {
		return fmt.Errorf("create route: %w", err)
	}
	return nil
}

// CreateBus inserts a bus, applying the same defaults as the SQL schema.
func (s *MongoStore) CreateBus(ctx context.Context, b *models.Bus) error {
	if b.Capacity == 0 {
		b.Capacity = 40
	}
	if b.Status == "" {
		b.Status = models.BusInService
	}
	if !models.IsValidBusStatus(b.Status) {
		return fmt.Errorf("create bus: invalid status %q", b.Status)
	}
	id, err := s.nextID(ctx, colBuses)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	b.ID, b.CreatedAt, b.UpdatedAt = id, now, now
	if _, err := s.db.Collection(colBuses).InsertOne(ctx, b); err != nil {
		return fmt.Errorf("create bus: %w", err)
	}
	return nil
}

// CreatePrediction inserts a prediction.
func (s *MongoStore) CreatePrediction(ctx context.Context, p *models.Prediction) error {
	id, err := s.nextID(ctx, colPredictions)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	p.ID, p.CreatedAt, p.UpdatedAt = id, now, now
	if _, err := s.db.Collection(colPredictions).InsertOne(ctx, p); err != nil {
		return fmt.Errorf("create prediction: %w", err)
	}
	return nil
}

func (s *MongoStore) findAll(ctx context.Context, name string, filter interface{}, opts *options.FindOptions, out interface{}) error {
	cursor, err := s.db.Collection(name).Find(ctx, filter, opts)
	if err != nil {
		return fmt.Errorf("find %s: %w", name, err)
	}
	if err := cursor.All(ctx, out); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

func (s *MongoStore) findOne(ctx context.Context, name string, id int64, out interface{}) error {
	err := s.db.Collection(name).FindOne(ctx, bson.M{"_id": id}).Decode(out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("find %s: %w", name, err)
	}
	return nil
}
