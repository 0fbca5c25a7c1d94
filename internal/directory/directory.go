// Package directory maps users to push tokens and concerts to the users
// who liked them. The delivery engine treats it as read-only except for
// the single RemoveTokens entry point, which keeps the write path to the
// token sets narrow and auditable.
package directory

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/showtimehq/showtime/internal/redis"
)

// Directory is the contract the dispatcher and API consume.
type Directory interface {
	TokensForUser(ctx context.Context, userID string) ([]string, error)
	UserForToken(ctx context.Context, token string) (string, error)
	LikedBy(ctx context.Context, concertID string) ([]string, error)
	RemoveTokens(ctx context.Context, tokens []string) error
}

const (
	userTokensKey   = "directory:user:%s:tokens"
	tokenOwnerKey   = "directory:tokens"
	concertLikesKey = "directory:concert:%s:likes"
)

// Store is the Redis-backed recipient directory.
type Store struct {
	client *redis.Client
	logger *zap.Logger
}

// NewStore creates a recipient directory on the shared Redis client.
func NewStore(client *redis.Client, logger *zap.Logger) *Store {
	return &Store{client: client, logger: logger}
}

// RegisterToken associates a push token with a user. A token moves to the
// new user if it was previously registered elsewhere (device handover).
func (s *Store) RegisterToken(ctx context.Context, userID, token string) error {
	prev, err := s.client.RDB().HGet(ctx, tokenOwnerKey, token).Result()
	if err != nil && err != goredis.Nil {
		return fmt.Errorf("lookup token owner: %w", err)
	}

	pipe := s.client.RDB().TxPipeline()
	if prev != "" && prev != userID {
		pipe.SRem(ctx, fmt.Sprintf(userTokensKey, prev), token)
	}
	pipe.SAdd(ctx, fmt.Sprintf(userTokensKey, userID), token)
	pipe.HSet(ctx, tokenOwnerKey, token, userID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("register token: %w", err)
	}

	s.logger.Info("push token registered", zap.String("user_id", userID))
	return nil
}

// TokensForUser returns the user's registered push tokens, possibly empty.
func (s *Store) TokensForUser(ctx context.Context, userID string) ([]string, error) {
	tokens, err := s.client.RDB().SMembers(ctx, fmt.Sprintf(userTokensKey, userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("tokens for user: %w", err)
	}
	return tokens, nil
}

// UserForToken returns the owning user id, or "" when unregistered.
func (s *Store) UserForToken(ctx context.Context, token string) (string, error) {
	userID, err := s.client.RDB().HGet(ctx, tokenOwnerKey, token).Result()
	if err == goredis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("user for token: %w", err)
	}
	return userID, nil
}

// Like records that a user liked a concert.
func (s *Store) Like(ctx context.Context, concertID, userID string) error {
	if err := s.client.RDB().SAdd(ctx, fmt.Sprintf(concertLikesKey, concertID), userID).Err(); err != nil {
		return fmt.Errorf("like concert: %w", err)
	}
	return nil
}

// Unlike removes a user's like.
func (s *Store) Unlike(ctx context.Context, concertID, userID string) error {
	if err := s.client.RDB().SRem(ctx, fmt.Sprintf(concertLikesKey, concertID), userID).Err(); err != nil {
		return fmt.Errorf("unlike concert: %w", err)
	}
	return nil
}

// LikedBy returns the ids of everyone who liked the concert.
func (s *Store) LikedBy(ctx context.Context, concertID string) ([]string, error) {
	users, err := s.client.RDB().SMembers(ctx, fmt.Sprintf(concertLikesKey, concertID)).Result()
	if err != nil {
		return nil, fmt.Errorf("liked by: %w", err)
	}
	return users, nil
}

// RemoveTokens purges tokens the push transport reported as invalid.
// This is the only write path into the token sets besides registration.
func (s *Store) RemoveTokens(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}

	pipe := s.client.RDB().TxPipeline()
	for _, token := range tokens {
		owner, err := s.client.RDB().HGet(ctx, tokenOwnerKey, token).Result()
		if err == goredis.Nil {
			continue
		}
		if err != nil {
			return fmt.Errorf("lookup token owner: %w", err)
		}
		pipe.SRem(ctx, fmt.Sprintf(userTokensKey, owner), token)
		pipe.HDel(ctx, tokenOwnerKey, token)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove tokens: %w", err)
	}

	s.logger.Info("invalid push tokens removed", zap.Int("count", len(tokens)))
	return nil
}
