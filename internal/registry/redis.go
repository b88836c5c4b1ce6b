package registry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// casStatus sets status to ARGV[2] when it currently equals ARGV[1].
// Returns -1 for an unknown driver, 1 on swap, 0 otherwise.
var casStatus = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then return -1 end
if cur == ARGV[1] then
  redis.call('HSET', KEYS[1], 'status', ARGV[2])
  return 1
end
return 0
`)

// expireIfStale demotes an online driver whose last_seen (ms) is below ARGV[1].
var expireIfStale = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
local seen = tonumber(redis.call('HGET', KEYS[1], 'last_seen') or '0')
if st == 'online' and seen < tonumber(ARGV[1]) then
  redis.call('HSET', KEYS[1], 'status', 'offline')
  return 1
end
return 0
`)

// Redis keeps one hash per driver, a sorted set of ids scored by registration
// time, an email index and a GEO set of last known positions.
type Redis struct {
	client *redis.Client
	geoKey string
}

func NewRedis(client *redis.Client, geoKey string) *Redis {
	if geoKey == "" {
		geoKey = "drivers_geo"
	}
	return &Redis{client: client, geoKey: geoKey}
}

const (
	allDriversKey = "drivers:all"
	emailIndexKey = "drivers:email"
)

func driverKey(id string) string { return "driver:" + id }

func (r *Redis) Register(ctx context.Context, d models.Driver) (models.Driver, error) {
	now := time.Now()
	email := normalizeEmail(d.Email)
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if email != "" {
		claimed, err := r.client.HSetNX(ctx, emailIndexKey, email, d.ID).Result()
		if err != nil {
			return models.Driver{}, err
		}
		if !claimed {
			id, err := r.client.HGet(ctx, emailIndexKey, email).Result()
			if err != nil {
				return models.Driver{}, err
			}
			if err := r.client.HSet(ctx, driverKey(id), map[string]interface{}{
				"status":    string(models.DriverOffline),
				"last_seen": now.UnixMilli(),
			}).Err(); err != nil {
				return models.Driver{}, err
			}
			return r.Get(ctx, id)
		}
	}
	d.Email = email
	d.Status = models.DriverOffline
	d.LastSeen = now
	d.RegisteredAt = now

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, driverKey(d.ID), encodeDriver(d))
	pipe.ZAdd(ctx, allDriversKey, redis.Z{Score: float64(now.UnixNano()), Member: d.ID})
	if d.Loc != nil {
		pipe.GeoAdd(ctx, r.geoKey, &redis.GeoLocation{Name: d.ID, Longitude: d.Loc.Lon, Latitude: d.Loc.Lat})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return models.Driver{}, err
	}
	return d, nil
}

func (r *Redis) Get(ctx context.Context, id string) (models.Driver, error) {
	m, err := r.client.HGetAll(ctx, driverKey(id)).Result()
	if err != nil {
		return models.Driver{}, err
	}
	if len(m) == 0 {
		return models.Driver{}, ErrNotFound
	}
	return decodeDriver(m)
}

func (r *Redis) ListOnline(ctx context.Context) ([]models.Driver, error) {
	ids, err := r.client.ZRange(ctx, allDriversKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return r.loadOnline(ctx, ids, false)
}

func (r *Redis) ListOnlineWithLocation(ctx context.Context) ([]models.Driver, error) {
	ids, err := r.client.ZRange(ctx, allDriversKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return r.loadOnline(ctx, ids, true)
}

// NearbyOnline narrows the candidate set with GEOSEARCH before loading the
// driver hashes. Callers still rank by their own distance computation.
func (r *Redis) NearbyOnline(ctx context.Context, origin models.Coord, radiusKm float64) ([]models.Driver, error) {
	ids, err := r.client.GeoSearch(ctx, r.geoKey, &redis.GeoSearchQuery{
		Longitude:  origin.Lon,
		Latitude:   origin.Lat,
		Radius:     radiusKm,
		RadiusUnit: "km",
		Sort:       "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	return r.loadOnline(ctx, ids, true)
}

func (r *Redis) loadOnline(ctx context.Context, ids []string, needLoc bool) ([]models.Driver, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, driverKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}
	out := make([]models.Driver, 0, len(ids))
	for _, cmd := range cmds {
		m := cmd.Val()
		if len(m) == 0 {
			continue
		}
		d, err := decodeDriver(m)
		if err != nil {
			return nil, err
		}
		if d.Status != models.DriverOnline || (needLoc && d.Loc == nil) {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (r *Redis) SetStatus(ctx context.Context, id string, status models.DriverStatus) error {
	n, err := r.client.Exists(ctx, driverKey(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return r.client.HSet(ctx, driverKey(id), "status", string(status)).Err()
}

func (r *Redis) CompareAndSetStatus(ctx context.Context, id string, from, to models.DriverStatus) (bool, error) {
	res, err := casStatus.Run(ctx, r.client, []string{driverKey(id)}, string(from), string(to)).Int()
	if err != nil {
		return false, err
	}
	if res < 0 {
		return false, ErrNotFound
	}
	return res == 1, nil
}

func (r *Redis) TouchLiveness(ctx context.Context, id string, loc *models.Coord, now time.Time) (models.Driver, error) {
	n, err := r.client.Exists(ctx, driverKey(id)).Result()
	if err != nil {
		return models.Driver{}, err
	}
	if n == 0 {
		return models.Driver{}, ErrNotFound
	}
	fields := map[string]interface{}{"last_seen": now.UnixMilli()}
	pipe := r.client.TxPipeline()
	if loc != nil {
		fields["lat"] = strconv.FormatFloat(loc.Lat, 'f', -1, 64)
		fields["lon"] = strconv.FormatFloat(loc.Lon, 'f', -1, 64)
		pipe.GeoAdd(ctx, r.geoKey, &redis.GeoLocation{Name: id, Longitude: loc.Lon, Latitude: loc.Lat})
	}
	pipe.HSet(ctx, driverKey(id), fields)
	if _, err := pipe.Exec(ctx); err != nil {
		return models.Driver{}, err
	}
	return r.Get(ctx, id)
}

func (r *Redis) SweepExpired(ctx context.Context, timeout time.Duration, now time.Time) ([]string, error) {
	ids, err := r.client.ZRange(ctx, allDriversKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	cutoff := now.Add(-timeout).UnixMilli()
	var expired []string
	for _, id := range ids {
		res, err := expireIfStale.Run(ctx, r.client, []string{driverKey(id)}, cutoff).Int()
		if err != nil {
			return expired, fmt.Errorf("sweep driver %s: %w", id, err)
		}
		if res == 1 {
			expired = append(expired, id)
		}
	}
	return expired, nil
}

func encodeDriver(d models.Driver) map[string]interface{} {
	m := map[string]interface{}{
		"id":         d.ID,
		"name":       d.Name,
		"email":      d.Email,
		"area":       d.Area,
		"status":     string(d.Status),
		"last_seen":  d.LastSeen.UnixMilli(),
		"registered": d.RegisteredAt.UnixNano(),
	}
	if d.Loc != nil {
		m["lat"] = strconv.FormatFloat(d.Loc.Lat, 'f', -1, 64)
		m["lon"] = strconv.FormatFloat(d.Loc.Lon, 'f', -1, 64)
	}
	return m
}

func decodeDriver(m map[string]string) (models.Driver, error) {
	d := models.Driver{
		ID:     m["id"],
		Name:   m["name"],
		Email:  m["email"],
		Area:   m["area"],
		Status: models.DriverStatus(m["status"]),
	}
	if v, ok := m["last_seen"]; ok {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return d, fmt.Errorf("driver %s last_seen: %w", d.ID, err)
		}
		d.LastSeen = time.UnixMilli(ms)
	}
	if v, ok := m["registered"]; ok {
		ns, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return d, fmt.Errorf("driver %s registered: %w", d.ID, err)
		}
		d.RegisteredAt = time.Unix(0, ns)
	}
	lat, okLat := m["lat"]
	lon, okLon := m["lon"]
	if okLat && okLon {
		la, err1 := strconv.ParseFloat(lat, 64)
		lo, err2 := strconv.ParseFloat(lon, 64)
		if err1 == nil && err2 == nil {
			d.Loc = &models.Coord{Lat: la, Lon: lo}
		}
	}
	return d, nil
}
