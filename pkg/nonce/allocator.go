// Package nonce tracks per-wallet nonce state in redis so that every worker
// process shares one view of what was allocated, what is in flight and what
// can be reused. All mutations are single server-side scripts; there is no
// read-then-write across a network round trip.
package nonce

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrNonceConsumed is returned when a recycle attempt races with the
	// discovery that the nonce was already consumed on-chain. Local state
	// never overrides the chain.
	ErrNonceConsumed = errors.New("nonce already consumed on-chain")
)

// SeedFunc supplies the wallet's current pending nonce from the node. It is
// only invoked the first time a wallet allocates through this process group.
type SeedFunc func(ctx context.Context) (uint64, error)

// WalletKey identifies one (chain, sender) nonce sequence.
type WalletKey struct {
	ChainID uint64
	Address common.Address
}

func (k WalletKey) String() string {
	return fmt.Sprintf("%d:%s", k.ChainID, strings.ToLower(k.Address.Hex()))
}

// RecycledNonce is a freed nonce together with its abandonment deadline.
type RecycledNonce struct {
	Nonce     uint64
	ExpiresAt time.Time
}

// allocate pops the lowest recycled nonce, else increments the counter.
// The counter holds the last allocated nonce; it is seeded on first use.
var allocateScript = redis.NewScript(`
local v = redis.call('ZRANGE', KEYS[1], 0, 0)
if #v > 0 then
	redis.call('ZREM', KEYS[1], v[1])
	redis.call('HDEL', KEYS[2], v[1])
	return {tonumber(v[1]), 1}
end
if redis.call('EXISTS', KEYS[3]) == 0 then
	if ARGV[1] == '' then
		return false
	end
	redis.call('SET', KEYS[3], ARGV[1])
end
return {redis.call('INCR', KEYS[3]), 0}
`)

// recycle refuses nonces at or below the confirmed watermark and nonces that
// are tracked as in flight; those are consumed or owned elsewhere.
var recycleScript = redis.NewScript(`
local n = tonumber(ARGV[1])
local confirmed = tonumber(redis.call('GET', KEYS[4]) or '0')
if n < confirmed then
	return 0
end
if redis.call('HEXISTS', KEYS[3], ARGV[1]) == 1 then
	return 0
end
redis.call('ZADD', KEYS[1], n, ARGV[1])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
return 1
`)

var markSentScript = redis.NewScript(`
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('SADD', KEYS[4], ARGV[3])
return 1
`)

var markConsumedScript = redis.NewScript(`
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
local c = tonumber(redis.call('GET', KEYS[4]) or '0')
local n = tonumber(ARGV[1]) + 1
if n > c then
	redis.call('SET', KEYS[4], n)
end
return 1
`)

// freeBelow reconciles local bookkeeping against the on-chain account nonce:
// every tracked nonce strictly below it is gone from the chain's point of
// view. Returns the freed in-flight (nonce, queueId) pairs.
var freeBelowScript = redis.NewScript(`
local chainNonce = tonumber(ARGV[1])
local freed = {}
local sent = redis.call('HGETALL', KEYS[1])
for i = 1, #sent, 2 do
	if tonumber(sent[i]) < chainNonce then
		redis.call('HDEL', KEYS[1], sent[i])
		table.insert(freed, sent[i])
		table.insert(freed, sent[i+1])
	end
end
local recycled = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', '(' .. ARGV[1])
for _, m in ipairs(recycled) do
	redis.call('ZREM', KEYS[2], m)
	redis.call('HDEL', KEYS[3], m)
end
local c = tonumber(redis.call('GET', KEYS[4]) or '0')
if chainNonce > c then
	redis.call('SET', KEYS[4], ARGV[1])
end
return freed
`)

// Allocator hands out nonces for (chain, sender) pairs in strictly increasing
// order, reusing recycled ones first so the counter never drifts ahead of
// what the chain will accept.
type Allocator struct {
	client *redis.Client
}

func NewAllocator(client *redis.Client) *Allocator {
	return &Allocator{client: client}
}

func (a *Allocator) counterKey(k WalletKey) string  { return fmt.Sprintf("nonce:%s:counter", k) }
func (a *Allocator) recycledKey(k WalletKey) string { return fmt.Sprintf("nonce:%s:recycled", k) }
func (a *Allocator) expiryKey(k WalletKey) string   { return fmt.Sprintf("nonce:%s:recycled_exp", k) }
func (a *Allocator) sentKey(k WalletKey) string     { return fmt.Sprintf("nonce:%s:sent", k) }
func (a *Allocator) confirmedKey(k WalletKey) string {
	return fmt.Sprintf("nonce:%s:confirmed", k)
}

const walletsKey = "nonce:wallets"

// Allocate returns the next nonce for the wallet: the lowest recycled nonce
// if one exists, otherwise the atomically incremented counter. seed is called
// at most once, when the counter does not exist yet.
func (a *Allocator) Allocate(ctx context.Context, key WalletKey, seed SeedFunc) (uint64, error) {
	keys := []string{a.recycledKey(key), a.expiryKey(key), a.counterKey(key)}

	res, err := allocateScript.Run(ctx, a.client, keys, "").Result()
	if err == redis.Nil {
		// Counter not seeded yet; fetch the chain's pending nonce so the
		// first INCR lands exactly on it.
		pending, seedErr := seed(ctx)
		if seedErr != nil {
			return 0, fmt.Errorf("failed to seed nonce counter for %s: %w", key, seedErr)
		}
		res, err = allocateScript.Run(ctx, a.client, keys, int64(pending)-1).Result()
	}
	if err != nil {
		return 0, fmt.Errorf("failed to allocate nonce for %s: %w", key, err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, fmt.Errorf("unexpected allocate reply for %s: %v", key, res)
	}
	n, ok := vals[0].(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected allocate reply for %s: %v", key, res)
	}
	return uint64(n), nil
}

// Recycle returns a nonce to the reuse pool. It must only be called when the
// pipeline knows with certainty the nonce was never broadcast. A race with
// resync marking the nonce consumed rejects the recycle with ErrNonceConsumed.
func (a *Allocator) Recycle(ctx context.Context, key WalletKey, nonce uint64, ttl time.Duration) error {
	expiry := time.Now().Add(ttl).Unix()
	keys := []string{a.recycledKey(key), a.expiryKey(key), a.sentKey(key), a.confirmedKey(key)}
	res, err := recycleScript.Run(ctx, a.client, keys, nonce, expiry).Int()
	if err != nil {
		return fmt.Errorf("failed to recycle nonce %d for %s: %w", nonce, key, err)
	}
	if res == 0 {
		return ErrNonceConsumed
	}
	return nil
}

// MarkSent records that the nonce is in flight under the given queue ID.
func (a *Allocator) MarkSent(ctx context.Context, key WalletKey, nonce uint64, queueID string) error {
	keys := []string{a.sentKey(key), a.recycledKey(key), a.expiryKey(key), walletsKey}
	if err := markSentScript.Run(ctx, a.client, keys, nonce, queueID, key.String()).Err(); err != nil {
		return fmt.Errorf("failed to mark nonce %d sent for %s: %w", nonce, key, err)
	}
	return nil
}

// MarkConsumed permanently retires a nonce once it was mined (or confirmed
// consumed by any transaction, ours or not).
func (a *Allocator) MarkConsumed(ctx context.Context, key WalletKey, nonce uint64) error {
	keys := []string{a.sentKey(key), a.recycledKey(key), a.expiryKey(key), a.confirmedKey(key)}
	if err := markConsumedScript.Run(ctx, a.client, keys, nonce).Err(); err != nil {
		return fmt.Errorf("failed to mark nonce %d consumed for %s: %w", nonce, key, err)
	}
	return nil
}

// SentNonces returns the in-flight nonce -> queueID map for a wallet.
func (a *Allocator) SentNonces(ctx context.Context, key WalletKey) (map[uint64]string, error) {
	raw, err := a.client.HGetAll(ctx, a.sentKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read sent nonces for %s: %w", key, err)
	}
	out := make(map[uint64]string, len(raw))
	for field, queueID := range raw {
		n, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			continue
		}
		out[n] = queueID
	}
	return out, nil
}

// RecycledNonces returns the reuse pool with abandonment deadlines, ordered
// by nonce.
func (a *Allocator) RecycledNonces(ctx context.Context, key WalletKey) ([]RecycledNonce, error) {
	members, err := a.client.ZRangeByScore(ctx, a.recycledKey(key), &redis.ZRangeBy{Min: "-inf", Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read recycled nonces for %s: %w", key, err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	expiries, err := a.client.HGetAll(ctx, a.expiryKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read recycled nonce expiries for %s: %w", key, err)
	}
	out := make([]RecycledNonce, 0, len(members))
	for _, m := range members {
		n, err := strconv.ParseUint(m, 10, 64)
		if err != nil {
			continue
		}
		rn := RecycledNonce{Nonce: n}
		if raw, ok := expiries[m]; ok {
			if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
				rn.ExpiresAt = time.Unix(unix, 0)
			}
		}
		out = append(out, rn)
	}
	return out, nil
}

// LastAllocated returns the highest nonce ever handed out for the wallet.
// ok is false when the wallet has never allocated.
func (a *Allocator) LastAllocated(ctx context.Context, key WalletKey) (uint64, bool, error) {
	raw, err := a.client.Get(ctx, a.counterKey(key)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read nonce counter for %s: %w", key, err)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, false, nil
	}
	return uint64(n), true, nil
}

// FreeBelow drops every tracked nonce strictly below the on-chain account
// nonce and advances the confirmed watermark. Returns the freed in-flight
// nonce -> queueID pairs so the caller can finalize their records.
func (a *Allocator) FreeBelow(ctx context.Context, key WalletKey, chainNonce uint64) (map[uint64]string, error) {
	keys := []string{a.sentKey(key), a.recycledKey(key), a.expiryKey(key), a.confirmedKey(key)}
	res, err := freeBelowScript.Run(ctx, a.client, keys, chainNonce).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to free nonces below %d for %s: %w", chainNonce, key, err)
	}
	vals, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected freeBelow reply for %s: %v", key, res)
	}
	freed := make(map[uint64]string, len(vals)/2)
	for i := 0; i+1 < len(vals); i += 2 {
		field, _ := vals[i].(string)
		queueID, _ := vals[i+1].(string)
		n, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			continue
		}
		freed[n] = queueID
	}
	return freed, nil
}

// Wallets lists every wallet that has ever had an in-flight nonce through
// this allocator. Maintenance iterates this set.
func (a *Allocator) Wallets(ctx context.Context) ([]WalletKey, error) {
	members, err := a.client.SMembers(ctx, walletsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list nonce wallets: %w", err)
	}
	out := make([]WalletKey, 0, len(members))
	for _, m := range members {
		parts := strings.SplitN(m, ":", 2)
		if len(parts) != 2 {
			continue
		}
		chainID, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			continue
		}
		out = append(out, WalletKey{ChainID: chainID, Address: common.HexToAddress(parts[1])})
	}
	return out, nil
}
