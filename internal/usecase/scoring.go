package usecase

import (
	"context"
	"fmt"
	"time"

	"custody-service/internal/config"
	"custody-service/internal/domain"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// RiskScorer is the pluggable scoring strategy behind the Compliance
// Screener. The screener's contract (inputs, verdict bands, idempotent
// recording) stays fixed while the concrete algorithm can evolve.
type RiskScorer interface {
	Score(ctx context.Context, w *domain.WithdrawalRequest) (*RiskAssessment, error)
}

// RiskAssessment carries the per-component scores (each 0-100) plus the hard
// match outcomes that override any weighted total.
type RiskAssessment struct {
	AmountScore    int
	AddressScore   int
	VelocityScore  int
	PatternScore   int
	BlacklistMatch bool
	SanctionsMatch bool
}

// WatchlistProvider answers blacklist and sanctions membership for an
// address.
type WatchlistProvider interface {
	IsBlacklisted(ctx context.Context, address string) (bool, error)
	IsSanctioned(ctx context.Context, address string) (bool, error)
}

// RateProvider converts an asset amount in minor units into the reporting
// currency (minor units as well), for Travel-Rule threshold comparison.
type RateProvider interface {
	ToReporting(ctx context.Context, asset string, amount int64) (decimal.Decimal, error)
}

// WeightedScorer is the default RiskScorer: a weighted combination of
// amount-tier, address-reputation, transaction-velocity and
// behavioral-pattern risk. All weights and tiers come from configuration.
type WeightedScorer struct {
	cfg       config.ScreeningConfig
	watchlist WatchlistProvider
	rdb       *redis.Client
}

func NewWeightedScorer(cfg config.ScreeningConfig, watchlist WatchlistProvider, rdb *redis.Client) *WeightedScorer {
	return &WeightedScorer{cfg: cfg, watchlist: watchlist, rdb: rdb}
}

func (s *WeightedScorer) Score(ctx context.Context, w *domain.WithdrawalRequest) (*RiskAssessment, error) {
	a := &RiskAssessment{}

	blacklisted, err := s.watchlist.IsBlacklisted(ctx, w.Destination)
	if err != nil {
		return nil, fmt.Errorf("blacklist lookup: %w", err)
	}
	sanctioned, err := s.watchlist.IsSanctioned(ctx, w.Destination)
	if err != nil {
		return nil, fmt.Errorf("sanctions lookup: %w", err)
	}
	a.BlacklistMatch = blacklisted
	a.SanctionsMatch = sanctioned

	switch {
	case blacklisted || sanctioned:
		a.AddressScore = 100
	default:
		a.AddressScore = 5
	}

	switch {
	case w.Amount >= s.cfg.TierHighAmount:
		a.AmountScore = 80
	case w.Amount >= s.cfg.TierMediumAmount:
		a.AmountScore = 45
	default:
		a.AmountScore = 10
	}

	velocity, err := s.bumpVelocity(ctx, w.RequestedBy)
	if err != nil {
		return nil, fmt.Errorf("velocity counter: %w", err)
	}
	switch {
	case velocity > s.cfg.VelocityMaxRequests:
		a.VelocityScore = 90
	case velocity > s.cfg.VelocityMaxRequests/2:
		a.VelocityScore = 50
	default:
		a.VelocityScore = 10
	}

	a.PatternScore = patternScore(w)

	return a, nil
}

// bumpVelocity counts this requester's withdrawal screenings within the
// configured window.
func (s *WeightedScorer) bumpVelocity(ctx context.Context, requestedBy string) (int, error) {
	key := fmt.Sprintf("screening:velocity:%s", requestedBy)

	n, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		window := time.Duration(s.cfg.VelocityWindowHours) * time.Hour
		_ = s.rdb.Expire(ctx, key, window).Err()
	}
	return int(n), nil
}

// patternScore flags crude structuring signals: urgent priority paired with
// conspicuously round amounts.
func patternScore(w *domain.WithdrawalRequest) int {
	score := 10

	if w.Amount%1_000_000 == 0 {
		score += 20
	}
	if w.Priority == domain.PriorityCritical || w.Priority == domain.PriorityHigh {
		score += 20
	}
	if w.ReapplyCount > 1 {
		score += 20
	}

	return score
}

// WeightedTotal folds the component scores into the 0-100 combined score.
func (a *RiskAssessment) WeightedTotal(cfg config.ScreeningConfig) int {
	totalWeight := cfg.AmountWeight + cfg.AddressWeight + cfg.VelocityWeight + cfg.PatternWeight
	if totalWeight == 0 {
		return 0
	}

	sum := a.AmountScore*cfg.AmountWeight +
		a.AddressScore*cfg.AddressWeight +
		a.VelocityScore*cfg.VelocityWeight +
		a.PatternScore*cfg.PatternWeight

	score := sum / totalWeight
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score
}

// RedisWatchlist keeps blacklist and sanctions entries in redis sets,
// maintained by an external compliance feed.
type RedisWatchlist struct {
	rdb *redis.Client
}

func NewRedisWatchlist(rdb *redis.Client) *RedisWatchlist {
	return &RedisWatchlist{rdb: rdb}
}

func (p *RedisWatchlist) IsBlacklisted(ctx context.Context, address string) (bool, error) {
	return p.rdb.SIsMember(ctx, "watchlist:blacklist", address).Result()
}

func (p *RedisWatchlist) IsSanctioned(ctx context.Context, address string) (bool, error) {
	return p.rdb.SIsMember(ctx, "watchlist:sanctions", address).Result()
}

// RedisRateProvider reads asset -> reporting-currency rates from a hash
// maintained by the price-feed service. Rates are expressed as the value of
// one whole asset unit in reporting-currency major units.
type RedisRateProvider struct {
	rdb      *redis.Client
	decimals map[string]int32
}

func NewRedisRateProvider(rdb *redis.Client) *RedisRateProvider {
	return &RedisRateProvider{
		rdb: rdb,
		decimals: map[string]int32{
			"BTC":  8,
			"ETH":  18,
			"USDT": 6,
			"USDC": 6,
			"TRX":  6,
		},
	}
}

func (p *RedisRateProvider) ToReporting(ctx context.Context, asset string, amount int64) (decimal.Decimal, error) {
	raw, err := p.rdb.HGet(ctx, "fx:reporting_rates", asset).Result()
	if err != nil {
		return decimal.Zero, fmt.Errorf("rate lookup for %s: %w", asset, err)
	}

	rate, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("malformed rate for %s: %w", asset, err)
	}

	dec, ok := p.decimals[asset]
	if !ok {
		dec = 8
	}

	whole := decimal.New(amount, -dec) // minor units -> whole asset units
	return whole.Mul(rate), nil
}
