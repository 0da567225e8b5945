package credit

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const keyPrefixCost = "credit:cost:"

// CostTable resolves the credit price of a channel. Reads go through Redis when
// it is configured; a missing row falls back to the configured default.
type CostTable struct {
	repo     Repository
	redis    *redis.Client // nil if Redis disabled
	ttl      time.Duration
	defaults map[ServiceType]int
}

func NewCostTable(repo Repository, redisClient *redis.Client, ttl time.Duration, defaults map[ServiceType]int) *CostTable {
	if defaults == nil {
		defaults = map[ServiceType]int{ServiceEmail: 1, ServiceSMS: 6, ServiceWhatsApp: 1}
	}
	return &CostTable{repo: repo, redis: redisClient, ttl: ttl, defaults: defaults}
}

// Cost returns the credits one message on serviceType costs.
func (t *CostTable) Cost(ctx context.Context, serviceType ServiceType) (int, error) {
	if !serviceType.Valid() {
		return 0, ErrInvalidServiceType
	}

	if t.redis != nil {
		val, err := t.redis.Get(ctx, keyPrefixCost+string(serviceType)).Result()
		switch {
		case err == nil:
			if cost, convErr := strconv.Atoi(val); convErr == nil {
				return cost, nil
			}
		case !errors.Is(err, redis.Nil):
			log.Warn().Err(err).Str("service_type", string(serviceType)).Msg("cost cache read failed")
		}
	}

	entry, err := t.repo.GetCost(ctx, serviceType)
	if err != nil {
		return 0, err
	}
	cost := t.defaults[serviceType]
	if entry != nil {
		cost = entry.CreditCost
	}

	if t.redis != nil && t.ttl > 0 {
		if err := t.redis.Set(ctx, keyPrefixCost+string(serviceType), cost, t.ttl).Err(); err != nil {
			log.Warn().Err(err).Str("service_type", string(serviceType)).Msg("cost cache write failed")
		}
	}
	return cost, nil
}

// List returns the price of every channel, filling gaps with defaults.
func (t *CostTable) List(ctx context.Context) ([]CostEntry, error) {
	stored, err := t.repo.ListCosts(ctx)
	if err != nil {
		return nil, err
	}

	byType := make(map[ServiceType]CostEntry, len(stored))
	for _, c := range stored {
		byType[c.ServiceType] = c
	}

	out := make([]CostEntry, 0, len(ServiceTypes))
	for _, s := range ServiceTypes {
		entry, ok := byType[s]
		if !ok {
			entry = CostEntry{ServiceType: s, CreditCost: t.defaults[s]}
		}
		out = append(out, entry)
	}
	return out, nil
}

// Set changes the price of serviceType and drops the cached value.
func (t *CostTable) Set(ctx context.Context, serviceType ServiceType, cost int) error {
	if !serviceType.Valid() {
		return ErrInvalidServiceType
	}
	if cost < 0 {
		return ErrInvalidAmount
	}
	if err := t.repo.UpsertCost(ctx, serviceType, cost); err != nil {
		return err
	}

	if t.redis != nil {
		if err := t.redis.Del(ctx, keyPrefixCost+string(serviceType)).Err(); err != nil {
			log.Warn().Err(err).Str("service_type", string(serviceType)).Msg("cost cache invalidation failed")
		}
	}

	log.Info().Str("service_type", string(serviceType)).Int("credit_cost", cost).Msg("credit cost updated")
	return nil
}
