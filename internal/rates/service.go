// Package rates resolves exchange rates from the historical feed.
//
// Rate(from, to, at) is the price of one unit of to expressed in from, so an
// amount in to converts into from by multiplying with it.
package rates

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"budgetbook/internal/cache"
	"budgetbook/internal/core"
	"budgetbook/internal/log"
)

var (
	rateMeter        = otel.Meter("budgetbook/rates")
	fallbackTotal, _ = rateMeter.Int64Counter("rates.fallback.total",
		metric.WithDescription("Lookups that found no feed entry and fell back to 1"))
)

// Source tells which resolution step produced a rate.
type Source int

const (
	SourceIdentity Source = iota
	SourceDirect
	SourceInverse
	// SourceNearest is the closest entry dated after the instant, in either
	// orientation, used when the feed starts later.
	SourceNearest
	SourceFallback
)

func (s Source) String() string {
	switch s {
	case SourceIdentity:
		return "identity"
	case SourceDirect:
		return "direct"
	case SourceInverse:
		return "inverse"
	case SourceNearest:
		return "nearest"
	default:
		return "fallback"
	}
}

// Resolution is a resolved rate and where it came from.
type Resolution struct {
	Rate   decimal.Decimal
	Source Source
}

// Err returns core.ErrRateMissing for fallback resolutions.
func (r Resolution) Err() error {
	if r.Source == SourceFallback {
		return core.ErrRateMissing
	}
	return nil
}

// Store is the slice of the ledger the service reads.
type Store interface {
	LatestRate(ctx context.Context, from, to string, at time.Time) (core.ExchangeRate, error)
	EarliestRateAfter(ctx context.Context, from, to string, at time.Time) (core.ExchangeRate, error)
}

type cacheKey struct {
	from, to string
	day      int64
}

type Service struct {
	store  Store
	cache  *cache.LRUCache[cacheKey, Resolution]
	group  singleflight.Group
	logger *log.Logger
}

const (
	cacheSize = 4096
	cacheTTL  = 10 * time.Minute
)

func NewService(store Store, logger *log.Logger) *Service {
	return &Service{
		store:  store,
		cache:  cache.NewLRUCache[cacheKey, Resolution](cacheSize, cacheTTL),
		logger: logger.WithComponent(log.ComponentRates),
	}
}

// Cache exposes the lookup cache so a cache.Manager can sweep it.
func (s *Service) Cache() cache.Cleaner {
	return s.cache
}

// Invalidate drops cached lookups; call it after the feed changes.
func (s *Service) Invalidate() {
	s.cache.Purge()
}

// Rate returns the rounded rate for (from, to) at the given instant, falling
// back to 1 when the feed has nothing usable.
func (s *Service) Rate(ctx context.Context, from, to string, at time.Time) (decimal.Decimal, error) {
	res, err := s.Resolve(ctx, from, to, at)
	if err != nil {
		return decimal.Zero, err
	}
	return res.Rate, nil
}

// Convert turns amount denominated in from into to, rounded to 2 places.
func (s *Service) Convert(ctx context.Context, amount decimal.Decimal, from, to string, at time.Time) (decimal.Decimal, error) {
	rate, err := s.Rate(ctx, to, from, at)
	if err != nil {
		return decimal.Zero, err
	}
	return core.RoundAmount(amount.Mul(rate)), nil
}

// Resolve runs the resolution steps in order: identity, the newest entry for
// (from, to) dated at or before at, the newest inverse entry, then 1.
func (s *Service) Resolve(ctx context.Context, from, to string, at time.Time) (Resolution, error) {
	if from == to {
		return Resolution{Rate: decimal.NewFromInt(1), Source: SourceIdentity}, nil
	}

	day := dayOf(at)
	key := cacheKey{from: from, to: to, day: day.Unix()}
	if res, ok := s.cache.Get(key); ok {
		return res, nil
	}

	// Feed entries are dated by UTC day, so every instant of a day resolves alike.
	endOfDay := day.Add(24*time.Hour - core.Microsecond)
	v, err, _ := s.group.Do(fmt.Sprintf("%s/%s/%d", from, to, key.day), func() (any, error) {
		return s.lookup(ctx, from, to, endOfDay)
	})
	if err != nil {
		return Resolution{}, err
	}
	res := v.(Resolution)
	if res.Source == SourceFallback {
		s.logger.WarnContext(ctx, "Exchange rate missing, using 1",
			"from", from, "to", to, "at", at.Format(time.RFC3339), log.FieldError, core.ErrRateMissing)
		fallbackTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("from", from), attribute.String("to", to)))
	}
	s.cache.Set(key, res)
	return res, nil
}

func (s *Service) lookup(ctx context.Context, from, to string, at time.Time) (Resolution, error) {
	direct, err := s.store.LatestRate(ctx, from, to, at)
	switch {
	case err == nil:
		return Resolution{Rate: core.RoundRate(direct.Rate), Source: SourceDirect}, nil
	case !errors.Is(err, core.ErrNotFound):
		return Resolution{}, fmt.Errorf("lookup rate %s/%s: %w", from, to, err)
	}

	inverse, err := s.store.LatestRate(ctx, to, from, at)
	switch {
	case err == nil && !inverse.Rate.IsZero():
		return Resolution{Rate: decimal.NewFromInt(1).DivRound(inverse.Rate, core.RatePlaces), Source: SourceInverse}, nil
	case err != nil && !errors.Is(err, core.ErrNotFound):
		return Resolution{}, fmt.Errorf("lookup rate %s/%s: %w", to, from, err)
	}

	return s.nearest(ctx, from, to, at)
}

// nearest resolves from the first entry after at in either orientation; the
// direct pair wins a tie.
func (s *Service) nearest(ctx context.Context, from, to string, at time.Time) (Resolution, error) {
	direct, err := s.store.EarliestRateAfter(ctx, from, to, at)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		return Resolution{}, fmt.Errorf("lookup rate %s/%s: %w", from, to, err)
	}
	haveDirect := err == nil
	inverse, err := s.store.EarliestRateAfter(ctx, to, from, at)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		return Resolution{}, fmt.Errorf("lookup rate %s/%s: %w", to, from, err)
	}
	haveInverse := err == nil && !inverse.Rate.IsZero()

	switch {
	case haveDirect && (!haveInverse || !inverse.Date.Before(direct.Date)):
		return Resolution{Rate: core.RoundRate(direct.Rate), Source: SourceNearest}, nil
	case haveInverse:
		return Resolution{Rate: decimal.NewFromInt(1).DivRound(inverse.Rate, core.RatePlaces), Source: SourceNearest}, nil
	}
	return Resolution{Rate: decimal.NewFromInt(1), Source: SourceFallback}, nil
}

func dayOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
