package storage

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

func revokedKey(tokenID string) string { return "revoked_token:" + tokenID }

// RevokeToken marks a token id revoked in Redis for ttl.
func (s *Service) RevokeToken(ctx context.Context, tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return s.Redis.Set(ctx, revokedKey(tokenID), "1", ttl).Err()
}

// IsTokenRevoked checks the revocation key.
func (s *Service) IsTokenRevoked(ctx context.Context, tokenID string) (bool, error) {
	err := s.Redis.Get(ctx, revokedKey(tokenID)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
