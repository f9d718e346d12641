package presence

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrDriverNotFound = errors.New("driver presence not found")

const (
	geoKey       = "drivers_geo"
	availableKey = "drivers:available"
)

// RedisStore keeps the latest presence row in a hash, driver coordinates in
// a GEO set, the online+available ids in a plain set for the candidate
// query, and the history trail in an append-only list.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr, password string) *RedisStore {
	return &RedisStore{client: redis.NewClient(&redis.Options{Addr: addr, Password: password})}
}

func (r *RedisStore) Close() error { return r.client.Close() }

func (r *RedisStore) Save(ctx context.Context, p models.DriverPresence) error {
	fields := map[string]interface{}{
		"status":      string(p.Status),
		"available":   strconv.FormatBool(p.Available),
		"heading":     p.Heading,
		"speed":       p.Speed,
		"last_update": p.LastUpdate.Format(time.RFC3339Nano),
	}
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, presenceKey(p.DriverID), fields)
	if p.Location != nil {
		pipe.HSet(ctx, presenceKey(p.DriverID), map[string]interface{}{"lat": p.Location.Lat, "lon": p.Location.Lon})
		pipe.GeoAdd(ctx, geoKey, &redis.GeoLocation{Longitude: p.Location.Lon, Latitude: p.Location.Lat, Name: p.DriverID})
	}
	if p.Status == models.DriverOnline && p.Available {
		pipe.SAdd(ctx, availableKey, p.DriverID)
	} else {
		pipe.SRem(ctx, availableKey, p.DriverID)
	}
	entry, err := json.Marshal(p)
	if err != nil {
		return err
	}
	pipe.RPush(ctx, historyKey(p.DriverID), entry)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisStore) UpdateLocation(ctx context.Context, driverID string, loc models.Coord, heading, speed *float64, at time.Time) error {
	fields := map[string]interface{}{
		"lat":         loc.Lat,
		"lon":         loc.Lon,
		"last_update": at.Format(time.RFC3339Nano),
	}
	if heading != nil {
		fields["heading"] = *heading
	}
	if speed != nil {
		fields["speed"] = *speed
	}
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, presenceKey(driverID), fields)
	pipe.GeoAdd(ctx, geoKey, &redis.GeoLocation{Longitude: loc.Lon, Latitude: loc.Lat, Name: driverID})
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisStore) Get(ctx context.Context, driverID string) (*models.DriverPresence, error) {
	m, err := r.client.HGetAll(ctx, presenceKey(driverID)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, ErrDriverNotFound
	}
	return presenceFromHash(driverID, m), nil
}

func (r *RedisStore) ListAvailable(ctx context.Context, limit int) ([]models.DriverPresence, error) {
	ids, err := r.client.SMembers(ctx, availableKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.DriverPresence, 0, limit)
	for _, id := range ids {
		if limit > 0 && len(out) >= limit {
			break
		}
		p, err := r.Get(ctx, id)
		if err == ErrDriverNotFound {
			_ = r.client.SRem(ctx, availableKey, id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		// set membership can lag a concurrent status write; re-check
		if p.Status != models.DriverOnline || !p.Available {
			continue
		}
		out = append(out, *p)
	}
	return out, nil
}

func presenceFromHash(driverID string, m map[string]string) *models.DriverPresence {
	p := &models.DriverPresence{
		DriverID:  driverID,
		Status:    models.DriverStatus(m["status"]),
		Available: m["available"] == "true",
	}
	if v, err := strconv.ParseFloat(m["heading"], 64); err == nil {
		p.Heading = v
	}
	if v, err := strconv.ParseFloat(m["speed"], 64); err == nil {
		p.Speed = v
	}
	lat, latErr := strconv.ParseFloat(m["lat"], 64)
	lon, lonErr := strconv.ParseFloat(m["lon"], 64)
	if latErr == nil && lonErr == nil {
		p.Location = &models.Coord{Lat: lat, Lon: lon}
	}
	if t, err := time.Parse(time.RFC3339Nano, m["last_update"]); err == nil {
		p.LastUpdate = t
	}
	return p
}

func presenceKey(id string) string { return "driver:presence:" + id }
func historyKey(id string) string  { return "driver:presence:history:" + id }
