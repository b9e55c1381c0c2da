// Package mappingcache memoizes the per-validator {committee, bonded,
// delegated} staking mappings. It is two-tier: a process-local hot tier
// (bbolt, survives process restart) and an external shared tier (Redis,
// optional). Writes go through to both; reads hit the first tier that
// produces a value.
package mappingcache

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/paravex/subdag-observatory/internal/chainclient"
)

const ttl = 2 * time.Hour

const bucketName = "mapping_cache"

// Set holds the three sub-mappings resolved for one validator address.
// A nil field means that sub-mapping failed to resolve or parse; it does
// not fail the other two.
type Set struct {
	TotalStake *big.Int // bonded.microcredits + (delegated.microcredits or 0), nil if bonded missing
	IsOpen     *bool
	Commission *uint8
}

// Cache is the write-through, two-tier mapping cache.
type Cache struct {
	local  *bolt.DB
	shared *redis.Client // nil when REDIS_URL is unset; degrades to local-only
	chain  chainclient.Client
	logger zerolog.Logger
}

// New opens (or creates) the local bbolt store at localPath and, if
// redisURL is non-empty, connects the shared tier.
func New(localPath, redisURL string, chain chainclient.Client, logger zerolog.Logger) (*Cache, error) {
	db, err := bolt.Open(localPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("mappingcache: open local store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("mappingcache: create bucket: %w", err)
	}

	c := &Cache{local: db, chain: chain, logger: logger.With().Str("component", "mapping_cache").Logger()}

	if redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("mappingcache: parse redis url: %w", err)
		}
		c.shared = redis.NewClient(opt)
	} else {
		logger.Info().Msg("REDIS_URL unset, mapping cache degrades to local-only")
	}

	return c, nil
}

// Close releases the local store.
func (c *Cache) Close() error { return c.local.Close() }

type cacheEntry struct {
	Set       storedSet `json:"set"`
	ExpiresAt int64     `json:"expires_at"`
}

// storedSet is the JSON-serializable mirror of Set (big.Int needs
// explicit string marshaling to avoid float round-tripping).
type storedSet struct {
	TotalStake string `json:"total_stake,omitempty"`
	IsOpen     *bool  `json:"is_open,omitempty"`
	Commission *uint8 `json:"commission,omitempty"`
}

func toStored(s Set) storedSet {
	out := storedSet{IsOpen: s.IsOpen, Commission: s.Commission}
	if s.TotalStake != nil {
		out.TotalStake = s.TotalStake.String()
	}
	return out
}

func fromStored(s storedSet) Set {
	out := Set{IsOpen: s.IsOpen, Commission: s.Commission}
	if s.TotalStake != "" {
		if n, ok := new(big.Int).SetString(s.TotalStake, 10); ok {
			out.TotalStake = n
		}
	}
	return out
}

// Get returns the cached mapping set for address, consulting the local
// tier first, then the shared tier. Returns ok=false on a full miss.
func (c *Cache) Get(ctx context.Context, address string) (Set, bool) {
	if set, ok := c.getLocal(address); ok {
		return set, true
	}
	if c.shared != nil {
		if set, ok := c.getShared(ctx, address); ok {
			// Warm the local tier so the next lookup avoids the round trip.
			c.setLocal(address, set)
			return set, true
		}
	}
	return Set{}, false
}

// Set writes address's mapping set through to both tiers.
func (c *Cache) Set(ctx context.Context, address string, set Set) {
	c.setLocal(address, set)
	if c.shared != nil {
		c.setShared(ctx, address, set)
	}
}

func (c *Cache) getLocal(address string) (Set, bool) {
	var entry cacheEntry
	found := false
	_ = c.local.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		data := b.Get([]byte(address))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil
		}
		found = true
		return nil
	})
	if !found || time.Now().Unix() > entry.ExpiresAt {
		return Set{}, false
	}
	return fromStored(entry.Set), true
}

func (c *Cache) setLocal(address string, set Set) {
	entry := cacheEntry{Set: toStored(set), ExpiresAt: time.Now().Add(ttl).Unix()}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	_ = c.local.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		return b.Put([]byte(address), data)
	})
}

func (c *Cache) getShared(ctx context.Context, address string) (Set, bool) {
	data, err := c.shared.Get(ctx, address).Bytes()
	if err != nil {
		return Set{}, false
	}
	var s storedSet
	if err := json.Unmarshal(data, &s); err != nil {
		return Set{}, false
	}
	return fromStored(s), true
}

func (c *Cache) setShared(ctx context.Context, address string, set Set) {
	data, err := json.Marshal(toStored(set))
	if err != nil {
		return
	}
	if err := c.shared.Set(ctx, address, data, ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("address", address).Msg("failed to write shared mapping cache")
	}
}

// Resolve fetches (with cache-fill) the committee/bonded/delegated
// mappings for address via three parallel chain-client calls, parses
// them, and caches the result. A failure to parse any one sub-mapping
// yields nil for that field, not the whole set.
func (c *Cache) Resolve(ctx context.Context, address string) (Set, error) {
	if set, ok := c.Get(ctx, address); ok {
		return set, nil
	}

	type result struct {
		value chainclient.MappingValue
		err   error
	}
	committeeCh := make(chan result, 1)
	bondedCh := make(chan result, 1)
	delegatedCh := make(chan result, 1)

	go func() {
		v, err := c.chain.MappingValue(ctx, "credits.aleo", "committee", address)
		committeeCh <- result{v, err}
	}()
	go func() {
		v, err := c.chain.MappingValue(ctx, "credits.aleo", "bonded", address)
		bondedCh <- result{v, err}
	}()
	go func() {
		v, err := c.chain.MappingValue(ctx, "credits.aleo", "delegated", address)
		delegatedCh <- result{v, err}
	}()

	committee := <-committeeCh
	bonded := <-bondedCh
	delegated := <-delegatedCh

	set := parseSet(committee.value, committee.err, bonded.value, bonded.err, delegated.value, delegated.err, c.logger)
	c.Set(ctx, address, set)
	return set, nil
}

// parseSet interprets the three raw mapping lookups.
func parseSet(committeeVal chainclient.MappingValue, committeeErr error, bondedVal chainclient.MappingValue, bondedErr error, delegatedVal chainclient.MappingValue, delegatedErr error, logger zerolog.Logger) Set {
	var set Set

	var bondedMicro, delegatedMicro *big.Int
	if bondedErr == nil && bondedVal.Kind != chainclient.KindNull {
		bondedMicro = parseMicrocredits(bondedVal, "bonded.microcredits", logger)
	}
	if delegatedErr == nil {
		delegatedMicro = parseMicrocredits(delegatedVal, "delegated.microcredits", logger)
	}
	if bondedMicro != nil {
		total := new(big.Int).Set(bondedMicro)
		if delegatedMicro != nil {
			total.Add(total, delegatedMicro)
		}
		set.TotalStake = total
	}

	if committeeErr == nil && committeeVal.Kind == chainclient.KindRecord {
		if openField, ok := committeeVal.Record["is_open"]; ok {
			open := openField.AsBool() || (openField.Kind == chainclient.KindText && openField.Text == "true")
			set.IsOpen = &open
		}
		if commField, ok := committeeVal.Record["commission"]; ok {
			if c, ok := parseCommission(commField); ok {
				set.Commission = &c
			} else {
				logger.Warn().Msg("commission out of range 0..100, leaving unrecorded")
			}
		}
	}

	return set
}

// parseMicrocredits parses an unbounded non-negative integer, returning
// nil on any parse failure.
func parseMicrocredits(v chainclient.MappingValue, field string, logger zerolog.Logger) *big.Int {
	n, ok := v.AsBigInt()
	if !ok || n.Sign() < 0 {
		logger.Debug().Str("field", field).Msg("failed to parse microcredits, leaving unrecorded")
		return nil
	}
	return n
}

// parseCommission interprets commission as an integer percentage 0..100;
// values outside that range leave the field unrecorded.
func parseCommission(v chainclient.MappingValue) (uint8, bool) {
	n, ok := v.AsBigInt()
	if !ok {
		return 0, false
	}
	if n.Sign() < 0 || n.Cmp(big.NewInt(100)) > 0 {
		return 0, false
	}
	return uint8(n.Int64()), true
}
