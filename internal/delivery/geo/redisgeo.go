package geo

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RunnerPosition is the single mutable position record per runner. It is
// overwritten in place by the runner's own device and never historized.
type RunnerPosition struct {
	RunnerID  int64     `json:"runner_id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	AccuracyM float64   `json:"accuracy_m,omitempty"`
	Heading   float64   `json:"heading,omitempty"`
	SpeedMPS  float64   `json:"speed_mps,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Point returns the position as a GeoPoint.
func (p RunnerPosition) Point() GeoPoint {
	return GeoPoint{Lon: p.Lng, Lat: p.Lat}
}

// NearbyRunner is a runner returned from Redis GEO queries.
type NearbyRunner struct {
	ID   int64
	Dist float64
	Lon  float64
	Lat  float64
}

// RunnerLocator keeps live runner positions in Redis: a GEO set per city for
// radius queries plus one hash per runner with the full position record.
type RunnerLocator struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRunnerLocator creates a new locator. Position hashes expire after ttl
// so stale runners disappear on their own.
func NewRunnerLocator(rdb *redis.Client, ttl time.Duration) *RunnerLocator {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RunnerLocator{rdb: rdb, ttl: ttl}
}

func geoKey(city string) string {
	return fmt.Sprintf("runners:%s", strings.ToLower(city))
}

func posKey(runnerID int64) string {
	return fmt.Sprintf("runner:pos:%d", runnerID)
}

func memberName(runnerID int64) string {
	return fmt.Sprintf("runner:%d", runnerID)
}

func parseRunnerMember(member string) (int64, error) {
	parts := strings.Split(member, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid member %q", member)
	}
	return strconv.ParseInt(parts[1], 10, 64)
}

// UpdateRunner overwrites the runner's position record and GEO entry.
func (l *RunnerLocator) UpdateRunner(ctx context.Context, pos RunnerPosition, city string) error {
	city = strings.ToLower(strings.TrimSpace(city))
	if city == "" {
		return fmt.Errorf("UpdateRunner: empty city")
	}
	if pos.Lng < -180 || pos.Lng > 180 || pos.Lat < -90 || pos.Lat > 90 {
		return fmt.Errorf("UpdateRunner: invalid coords lng=%.8f lat=%.8f", pos.Lng, pos.Lat)
	}
	if pos.UpdatedAt.IsZero() {
		pos.UpdatedAt = time.Now()
	}

	if err := l.rdb.GeoAdd(ctx, geoKey(city), &redis.GeoLocation{
		Name:      memberName(pos.RunnerID),
		Longitude: pos.Lng,
		Latitude:  pos.Lat,
	}).Err(); err != nil {
		return err
	}

	key := posKey(pos.RunnerID)
	if err := l.rdb.HSet(ctx, key, map[string]interface{}{
		"lat":        pos.Lat,
		"lng":        pos.Lng,
		"accuracy":   pos.AccuracyM,
		"heading":    pos.Heading,
		"speed":      pos.SpeedMPS,
		"updated_at": pos.UpdatedAt.UnixMilli(),
	}).Err(); err != nil {
		return err
	}
	return l.rdb.Expire(ctx, key, l.ttl).Err()
}

// Position returns the latest known position for a runner.
func (l *RunnerLocator) Position(ctx context.Context, runnerID int64) (RunnerPosition, error) {
	vals, err := l.rdb.HGetAll(ctx, posKey(runnerID)).Result()
	if err != nil {
		return RunnerPosition{}, err
	}
	if len(vals) == 0 {
		return RunnerPosition{}, redis.Nil
	}
	pos := RunnerPosition{RunnerID: runnerID}
	pos.Lat, _ = strconv.ParseFloat(vals["lat"], 64)
	pos.Lng, _ = strconv.ParseFloat(vals["lng"], 64)
	pos.AccuracyM, _ = strconv.ParseFloat(vals["accuracy"], 64)
	pos.Heading, _ = strconv.ParseFloat(vals["heading"], 64)
	pos.SpeedMPS, _ = strconv.ParseFloat(vals["speed"], 64)
	if ms, err := strconv.ParseInt(vals["updated_at"], 10, 64); err == nil {
		pos.UpdatedAt = time.UnixMilli(ms)
	}
	return pos, nil
}

// GoOffline removes the runner from the city GEO set and drops the record.
func (l *RunnerLocator) GoOffline(ctx context.Context, runnerID int64, city string) error {
	if err := l.rdb.ZRem(ctx, geoKey(city), memberName(runnerID)).Err(); err != nil {
		return err
	}
	return l.rdb.Del(ctx, posKey(runnerID)).Err()
}

// Nearby returns runners within radius sorted by distance (ascending).
func (l *RunnerLocator) Nearby(ctx context.Context, lon, lat, radiusMeters float64, limit int, city string) ([]NearbyRunner, error) {
	res, err := l.rdb.GeoSearchLocation(ctx, geoKey(city), &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  lon,
			Latitude:   lat,
			Radius:     radiusMeters,
			RadiusUnit: "m",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	runners := make([]NearbyRunner, 0, len(res))
	for _, item := range res {
		id, err := parseRunnerMember(item.Name)
		if err != nil {
			continue
		}
		runners = append(runners, NearbyRunner{ID: id, Dist: item.Dist, Lon: item.Longitude, Lat: item.Latitude})
	}
	return runners, nil
}
