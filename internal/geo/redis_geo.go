package geo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/delivery-dispatch/internal/models"
)

// RedisGeo implements Index using Redis GEO commands. Positions live in a
// single geo set; availability lives in a per-rider hash so heartbeats and
// the acceptance flow can update it independently.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	if key == "" {
		key = "riders_geo"
	}
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) UpsertLocation(ctx context.Context, riderID string, loc models.Coord) error {
	if !loc.Valid() {
		return ErrInvalidLocation
	}
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: loc.Lon, Latitude: loc.Lat, Name: riderID}).Err(); err != nil {
		return fmt.Errorf("geo/redis: geoadd %s: %w", riderID, err)
	}
	return nil
}

func (r *RedisGeo) SetAvailability(ctx context.Context, riderID string, online, busy bool) error {
	err := r.client.HSet(ctx, metaKey(riderID), map[string]interface{}{
		"online":  strconv.FormatBool(online),
		"busy":    strconv.FormatBool(busy),
		"updated": time.Now().UTC().Format(time.RFC3339),
	}).Err()
	if err != nil {
		return fmt.Errorf("geo/redis: set availability %s: %w", riderID, err)
	}
	return nil
}

func (r *RedisGeo) FindNearby(ctx context.Context, point models.Coord, radiusMeters float64, limit int) ([]Candidate, error) {
	if !point.Valid() {
		return nil, ErrInvalidLocation
	}
	if radiusMeters <= 0 || limit <= 0 {
		return nil, nil
	}
	// No COUNT here: ineligible riders are filtered afterwards, so capping
	// inside Redis could hide eligible riders further out.
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  point.Lon,
			Latitude:   point.Lat,
			Radius:     radiusMeters,
			RadiusUnit: "m",
			Sort:       "ASC",
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geo/redis: geosearch: %w", err)
	}
	if len(res) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.SliceCmd, len(res))
	for i, g := range res {
		cmds[i] = pipe.HMGet(ctx, metaKey(g.Name), "online", "busy")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("geo/redis: availability lookup: %w", err)
	}

	out := make([]Candidate, 0, len(res))
	for i, g := range res {
		vals := cmds[i].Val()
		if len(vals) != 2 || vals[0] != "true" || vals[1] == "true" {
			continue
		}
		out = append(out, Candidate{
			RiderID:        g.Name,
			Location:       models.Coord{Lat: g.Latitude, Lon: g.Longitude},
			DistanceMeters: g.Dist,
		})
	}
	SortCandidates(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func metaKey(id string) string { return "rider:meta:" + id }
