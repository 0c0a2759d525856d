package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"greenhouse/internal/db"
	"greenhouse/internal/models"
)

// SensorStore serves sensor state to the engine: latest readings from
// the Redis cache maintained by the ingestion pipeline, historical
// aggregates from Postgres.
type SensorStore struct {
	rdb *redis.Client
	db  *db.DB
}

// NewSensorStore creates a sensor state provider.
func NewSensorStore(rdb *redis.Client, database *db.DB) *SensorStore {
	return &SensorStore{rdb: rdb, db: database}
}

func sensorKey(sensorID, field string) string {
	return fmt.Sprintf("sensor:%s:%s", sensorID, field)
}

// LatestReading returns the most recent value of (sensorID, field).
// A missing key maps to models.ErrReadingNotFound; staleness is the
// caller's judgment, the store just reports the timestamp.
func (s *SensorStore) LatestReading(ctx context.Context, sensorID, field string) (models.Reading, error) {
	raw, err := s.rdb.Get(ctx, sensorKey(sensorID, field)).Result()
	if errors.Is(err, redis.Nil) {
		return models.Reading{}, models.ErrReadingNotFound
	}
	if err != nil {
		return models.Reading{}, fmt.Errorf("reading %s: %w", sensorKey(sensorID, field), err)
	}

	var reading models.Reading
	if err := json.Unmarshal([]byte(raw), &reading); err != nil {
		return models.Reading{}, fmt.Errorf("decoding %s: %w", sensorKey(sensorID, field), err)
	}
	return reading, nil
}

// Aggregate computes fn over the trailing window. count == 0 means the
// window was empty.
func (s *SensorStore) Aggregate(ctx context.Context, sensorID, field string, window time.Duration, fn models.Aggregation, now time.Time) (float64, int, error) {
	return s.db.Aggregate(ctx, sensorID, field, window, fn, now)
}
