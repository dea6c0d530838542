package preferences

import (
	"context"
	"fmt"
	"strconv"

	"meetzap/backend/internal/models"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "prefs:"

// RedisRepository keeps preferences as one hash per user.
type RedisRepository struct {
	rdb *redis.Client
}

func NewRedisRepository(rdb *redis.Client) *RedisRepository {
	return &RedisRepository{rdb: rdb}
}

func (r *RedisRepository) Load(ctx context.Context, userID string) (models.Preferences, error) {
	if userID == "" {
		return models.Preferences{}, ErrInvalidUserID
	}
	fields, err := r.rdb.HGetAll(ctx, keyPrefix+userID).Result()
	if err != nil {
		return models.Preferences{}, fmt.Errorf("load preferences: %w", err)
	}
	return fromHash(fields)
}

func (r *RedisRepository) Save(ctx context.Context, userID string, p models.Preferences) error {
	if userID == "" {
		return ErrInvalidUserID
	}
	if err := r.rdb.HSet(ctx, keyPrefix+userID, toHash(p)).Err(); err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	return nil
}

func toHash(p models.Preferences) map[string]interface{} {
	return map[string]interface{}{
		"display_name":  p.DisplayName,
		"country":       p.Country,
		"city":          p.City,
		"gender":        p.Gender,
		"looking_for":   p.LookingFor,
		"age":           p.Age,
		"min_age":       p.MinAge,
		"max_age":       p.MaxAge,
		"expand_search": strconv.FormatBool(p.ExpandSearch),
	}
}

// fromHash starts from defaults so that a missing hash, or a hash written
// before a field existed, still yields usable preferences.
func fromHash(h map[string]string) (models.Preferences, error) {
	p := models.DefaultPreferences()
	p.DisplayName = h["display_name"]
	p.Country = h["country"]
	p.City = h["city"]
	p.Gender = h["gender"]
	if v, ok := h["looking_for"]; ok && v != "" {
		p.LookingFor = v
	}

	ints := []struct {
		key string
		dst *int
	}{{"age", &p.Age}, {"min_age", &p.MinAge}, {"max_age", &p.MaxAge}}
	for _, f := range ints {
		v, ok := h[f.key]
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return models.Preferences{}, fmt.Errorf("preferences field %s: %w", f.key, err)
		}
		*f.dst = n
	}
	if v, ok := h["expand_search"]; ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return models.Preferences{}, fmt.Errorf("preferences field expand_search: %w", err)
		}
		p.ExpandSearch = b
	}
	p.Filters = p.Filters.Normalize()
	return p, nil
}
