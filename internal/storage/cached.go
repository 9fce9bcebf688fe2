package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"emberwatch/internal/logger"
	"emberwatch/internal/models"
	"emberwatch/internal/state"
)

// CacheConfig configures the Cached decorator.
type CacheConfig struct {
	RuleTTL   time.Duration
	RuleSize  int
	LatestTTL time.Duration
}

// Cached wraps a Store with an expiring LRU for rule lookups and a shared
// state store for the latest reading per node and sensor type. Everything not
// overridden passes through to the wrapped Store.
//
// Rule edits made directly in the database become visible after RuleTTL.
type Cached struct {
	Store

	rules     *expirable.LRU[string, []models.AlertRule]
	anomaly   *expirable.LRU[int64, *models.AlertRule]
	latest    state.StateStore
	latestTTL time.Duration
}

// NewCached decorates next. A nil latest store disables the latest-reading
// cache.
func NewCached(next Store, latest state.StateStore, cfg CacheConfig) *Cached {
	if cfg.RuleTTL <= 0 {
		cfg.RuleTTL = 30 * time.Second
	}
	if cfg.RuleSize <= 0 {
		cfg.RuleSize = 1024
	}
	if latest == nil {
		latest = state.NewNoopStore()
	}

	return &Cached{
		Store:     next,
		rules:     expirable.NewLRU[string, []models.AlertRule](cfg.RuleSize, nil, cfg.RuleTTL),
		anomaly:   expirable.NewLRU[int64, *models.AlertRule](cfg.RuleSize, nil, cfg.RuleTTL),
		latest:    latest,
		latestTTL: cfg.LatestTTL,
	}
}

func latestKey(nodeID int64, t models.SensorType) string {
	return "latest:" + strconv.FormatInt(nodeID, 10) + ":" + string(t)
}

// InsertReading writes through to the latest-reading cache. The cached entry
// is versioned by reading ID, so an insert that finishes late cannot replace
// a newer reading. Cache failures are logged; the reading is already
// persisted.
func (c *Cached) InsertReading(ctx context.Context, r *models.Reading) error {
	if err := c.Store.InsertReading(ctx, r); err != nil {
		return err
	}

	if data, err := json.Marshal(r); err == nil {
		if _, err := c.latest.SetIfNewer(ctx, latestKey(r.NodeID, r.SensorType), r.ID, data, c.latestTTL); err != nil {
			log := logger.WithComponent("storage")
			log.Warn().Err(err).Int64("node_id", r.NodeID).Msg("failed to cache latest reading")
		}
	}
	return nil
}

func (c *Cached) LatestReading(ctx context.Context, nodeID int64, t models.SensorType) (*models.Reading, error) {
	key := latestKey(nodeID, t)

	data, err := c.latest.Get(ctx, key)
	if err == nil {
		var r models.Reading
		if err := json.Unmarshal(data, &r); err == nil {
			return &r, nil
		}
	} else if !errors.Is(err, state.ErrMiss) {
		log := logger.WithComponent("storage")
		log.Warn().Err(err).Str("key", key).Msg("latest reading cache unavailable, reading from store")
	}

	r, err := c.Store.LatestReading(ctx, nodeID, t)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(r); err == nil {
		_, _ = c.latest.SetIfNewer(ctx, key, r.ID, data, c.latestTTL)
	}
	return r, nil
}

func (c *Cached) ActiveRulesFor(ctx context.Context, sensorID, nodeID int64) ([]models.AlertRule, error) {
	key := fmt.Sprintf("%d/%d", sensorID, nodeID)
	if rules, ok := c.rules.Get(key); ok {
		return rules, nil
	}

	rules, err := c.Store.ActiveRulesFor(ctx, sensorID, nodeID)
	if err != nil {
		return nil, err
	}
	c.rules.Add(key, rules)
	return rules, nil
}

// FindAnomalyRule caches misses too, so nodes without an anomaly rule do not
// hit the store on every reading.
func (c *Cached) FindAnomalyRule(ctx context.Context, nodeID int64) (*models.AlertRule, error) {
	if rule, ok := c.anomaly.Get(nodeID); ok {
		if rule == nil {
			return nil, ErrNotFound
		}
		return rule, nil
	}

	rule, err := c.Store.FindAnomalyRule(ctx, nodeID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.anomaly.Add(nodeID, nil)
		}
		return nil, err
	}
	c.anomaly.Add(nodeID, rule)
	return rule, nil
}

// InvalidateRules drops every cached rule lookup.
func (c *Cached) InvalidateRules() {
	c.rules.Purge()
	c.anomaly.Purge()
}

func (c *Cached) Close() error {
	err := c.Store.Close()
	if cerr := c.latest.Close(); err == nil {
		err = cerr
	}
	return err
}
