package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bountyrelay/bountyrelay/pkg/types"
)

const maxTxRetries = 10

// RedisCounter keeps windows in Redis so every instance of the service shares
// one quota per subject. Each window is a hash {used, start}; used is the wei
// amount as a decimal string because amounts exceed what Redis integers and
// Lua numbers can hold. Atomicity comes from WATCH/MULTI.
type RedisCounter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisCounter(client redis.UniversalClient, prefix string) *RedisCounter {
	return &RedisCounter{client: client, prefix: prefix}
}

func (c *RedisCounter) Update(ctx context.Context, key string, now time.Time, window time.Duration, fn func(*State) bool) (State, error) {
	k := c.prefix + key
	var result State

	txf := func(tx *redis.Tx) error {
		state, err := c.load(ctx, tx, k)
		if err != nil {
			return err
		}
		reset := resetIfExpired(&state, now, window)
		changed := fn(&state)
		result = state
		if !reset && !changed {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, k, "used", state.Used.Wei().String(), "start", state.Start.UnixMilli())
			pipe.PExpireAt(ctx, k, state.End(window))
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := c.client.Watch(ctx, txf, k)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return State{}, fmt.Errorf("rate limit window %s: %w", key, err)
	}
	return State{}, fmt.Errorf("rate limit window %s: too much contention", key)
}

func (c *RedisCounter) load(ctx context.Context, tx *redis.Tx, key string) (State, error) {
	fields, err := tx.HGetAll(ctx, key).Result()
	if err != nil {
		return State{}, err
	}
	if len(fields) == 0 {
		return State{}, nil
	}

	used, ok := new(big.Int).SetString(fields["used"], 10)
	if !ok {
		return State{}, fmt.Errorf("corrupt used value %q", fields["used"])
	}
	startMs, err := strconv.ParseInt(fields["start"], 10, 64)
	if err != nil {
		return State{}, fmt.Errorf("corrupt start value %q: %w", fields["start"], err)
	}
	return State{Used: types.NewAmount(used), Start: time.UnixMilli(startMs)}, nil
}
