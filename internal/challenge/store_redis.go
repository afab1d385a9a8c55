// Copyright (c) 2026 Torii. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package challenge

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/taibuivan/torii/internal/platform/apperr"
	"github.com/taibuivan/torii/internal/platform/constants"
)

// Script status codes shared by the attempt and consume scripts.
const (
	statusMissing  = 0
	statusConsumed = -1
	statusExhaust  = -2
	statusOK       = 1
)

// attemptScript charges one verification attempt. Exceeding the budget
// destroys the challenge in the same atomic step.
var attemptScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return {0, 0}
end
if redis.call('HGET', KEYS[1], 'consumed') == '1' then
    return {-1, 0}
end
local attempts = tonumber(redis.call('HINCRBY', KEYS[1], 'attempts', 1))
local max = tonumber(redis.call('HGET', KEYS[1], 'maxattempts'))
if attempts > max then
    redis.call('DEL', KEYS[1])
    return {-2, attempts}
end
return {1, attempts}
`)

// consumeScript terminally claims a challenge. The hash stays (flagged) until
// its TTL so a losing racer can be told "consumed" rather than "expired".
var consumeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return 0
end
if redis.call('HGET', KEYS[1], 'consumed') == '1' then
    return -1
end
redis.call('HSET', KEYS[1], 'consumed', '1')
return 1
`)

// # Redis Store

// RedisStore implements the Store interface on the ephemeral tier.
type RedisStore struct {
	client redis.UniversalClient
	clock  clockwork.Clock
}

// NewRedisStore creates a Redis-backed challenge store.
func NewRedisStore(client redis.UniversalClient, clock clockwork.Clock) *RedisStore {
	return &RedisStore{client: client, clock: clock}
}

func (store *RedisStore) key(challengeID string) string {
	return constants.RedisPrefixChallenge + challengeID
}

/*
Put stores a fresh challenge hash with its TTL.

Parameters:
  - context: context.Context
  - challenge: *Challenge

Returns:
  - error: Persistence failures
*/
func (store *RedisStore) Put(context context.Context, challenge *Challenge) error {
	ttl := challenge.ExpiresAt.Sub(store.clock.Now())
	if ttl <= 0 {
		return apperr.InvariantViolation("challenge issued already expired", nil)
	}

	fields := map[string]interface{}{
		"variant":     string(challenge.Variant),
		"userid":      challenge.UserID,
		"fingerprint": challenge.FingerprintHash,
		"secrethash":  challenge.SecretHash,
		"payload":     challenge.Payload,
		"attempts":    challenge.Attempts,
		"maxattempts": challenge.MaxAttempts,
		"issuedat":    challenge.IssuedAt.UnixMicro(),
		"expiresat":   challenge.ExpiresAt.UnixMicro(),
		"consumed":    "0",
	}

	pipe := store.client.TxPipeline()
	pipe.HSet(context, store.key(challenge.ID), fields)
	pipe.PExpire(context, store.key(challenge.ID), ttl)
	if _, err := pipe.Exec(context); err != nil {
		return fmt.Errorf("redis_challenge_store_put_failed: %w", err)
	}

	return nil
}

/*
Attempt charges one verification attempt and returns the challenge state.

Parameters:
  - context: context.Context
  - challengeID: string

Returns:
  - *Challenge: Hydrated state including this attempt
  - error: apperr.ChallengeExpired / ChallengeConsumed / ChallengeExhausted
*/
func (store *RedisStore) Attempt(context context.Context, challengeID string) (*Challenge, error) {
	raw, err := attemptScript.Run(context, store.client, []string{store.key(challengeID)}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis_challenge_store_attempt_failed: %w", err)
	}

	reply, ok := raw.([]interface{})
	if !ok || len(reply) != 2 {
		return nil, fmt.Errorf("redis_challenge_store_malformed_reply: %T", raw)
	}

	status := reply[0].(int64)
	attempts := int(reply[1].(int64))

	switch status {
	case statusMissing:
		return nil, apperr.ChallengeExpired()
	case statusConsumed:
		return nil, apperr.ChallengeConsumed()
	case statusExhaust:
		return nil, apperr.ChallengeExhausted()
	}

	// The immutable fields can be read outside the script: only 'attempts'
	// and 'consumed' ever change, and the consume race is re-checked by
	// Consume itself.
	values, err := store.client.HGetAll(context, store.key(challengeID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis_challenge_store_load_failed: %w", err)
	}
	if len(values) == 0 {
		return nil, apperr.ChallengeExpired()
	}

	challenge, err := hydrate(challengeID, values)
	if err != nil {
		return nil, err
	}
	challenge.Attempts = attempts
	return challenge, nil
}

/*
Consume terminally claims a challenge.

Parameters:
  - context: context.Context
  - challengeID: string

Returns:
  - error: apperr.ChallengeConsumed (lost the race) or apperr.ChallengeExpired
*/
func (store *RedisStore) Consume(context context.Context, challengeID string) error {
	status, err := consumeScript.Run(context, store.client, []string{store.key(challengeID)}).Int64()
	if err != nil {
		return fmt.Errorf("redis_challenge_store_consume_failed: %w", err)
	}

	switch status {
	case statusMissing:
		return apperr.ChallengeExpired()
	case statusConsumed:
		return apperr.ChallengeConsumed()
	}
	return nil
}

// hydrate rebuilds a Challenge from its hash fields.
func hydrate(challengeID string, values map[string]string) (*Challenge, error) {
	maxAttempts, err := strconv.Atoi(values["maxattempts"])
	if err != nil {
		return nil, fmt.Errorf("redis_challenge_store_corrupt_maxattempts: %w", err)
	}
	issuedMicros, err := strconv.ParseInt(values["issuedat"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redis_challenge_store_corrupt_issuedat: %w", err)
	}
	expiresMicros, err := strconv.ParseInt(values["expiresat"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redis_challenge_store_corrupt_expiresat: %w", err)
	}

	return &Challenge{
		ID:              challengeID,
		Variant:         Variant(values["variant"]),
		UserID:          values["userid"],
		FingerprintHash: values["fingerprint"],
		SecretHash:      values["secrethash"],
		Payload:         []byte(values["payload"]),
		MaxAttempts:     maxAttempts,
		IssuedAt:        time.UnixMicro(issuedMicros),
		ExpiresAt:       time.UnixMicro(expiresMicros),
	}, nil
}
