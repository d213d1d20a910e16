package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/P4v3r/void-ai/internal/config"
	"github.com/P4v3r/void-ai/internal/ledger"
	"github.com/P4v3r/void-ai/pkg/cache"
	"github.com/P4v3r/void-ai/pkg/events"
	"github.com/P4v3r/void-ai/pkg/metrics"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	lockTTL    = 2 * time.Minute
	lockPrefix = "reconcile:lock:"
	// cursorPrefix keys the last observed wallet balance per asset. The
	// cursor only advances when a detection mints, so underpayments keep
	// accumulating toward the threshold instead of being silently dropped.
	cursorPrefix = "reconcile:balance:"
)

// Detection is one on-chain payment that crossed the detection threshold.
// Token is the freshly minted bearer token; it is returned to the operator
// exactly once and never stored in clear.
type Detection struct {
	Asset    string  `json:"asset"`
	DeltaUSD float64 `json:"deltaUsd"`
	Credits  int64   `json:"credits"`
	Token    string  `json:"token"`
}

// Reconciler detects direct wallet payments that bypassed the invoice flow
// and mints credits for them. It compares each wallet's confirmed balance
// against the last observed value and treats a sufficiently large increase
// as a plan purchase.
type Reconciler struct {
	cfg      config.ReconcileConfig
	cache    *cache.Cache
	ledger   *ledger.Ledger
	prices   *PriceOracle
	balances []*BalanceOracle
	logger   *zap.Logger
	bus      *events.Bus
}

// NewReconciler builds a reconciler from the configured wallet endpoints.
// Assets without a balance endpoint are skipped.
func NewReconciler(cfg config.ReconcileConfig, c *cache.Cache, l *ledger.Ledger, logger *zap.Logger, bus *events.Bus) *Reconciler {
	r := &Reconciler{
		cfg:    cfg,
		cache:  c,
		ledger: l,
		prices: NewPriceOracle(cfg.PriceURL, cfg.RequestTimeout, logger),
		logger: logger,
		bus:    bus,
	}
	if cfg.BalanceURLBTC != "" {
		r.balances = append(r.balances, NewBalanceOracle("btc", cfg.BalanceURLBTC, cfg.RequestTimeout, logger))
	}
	if cfg.BalanceURLXMR != "" {
		r.balances = append(r.balances, NewBalanceOracle("xmr", cfg.BalanceURLXMR, cfg.RequestTimeout, logger))
	}
	return r
}

// Run performs one reconciliation sweep over all configured assets and
// returns the detections that minted. A failing oracle skips its asset for
// this sweep; it never mints on guesswork.
func (r *Reconciler) Run(ctx context.Context) ([]Detection, error) {
	var detections []Detection
	for _, oracle := range r.balances {
		det, err := r.reconcileAsset(ctx, oracle)
		if err != nil {
			r.logger.Warn("reconciliation skipped",
				zap.String("asset", oracle.Asset()),
				zap.Error(err),
			)
			continue
		}
		if det != nil {
			detections = append(detections, *det)
		}
	}
	return detections, nil
}

func (r *Reconciler) reconcileAsset(ctx context.Context, oracle *BalanceOracle) (*Detection, error) {
	asset := oracle.Asset()

	// One sweep per asset at a time, across all replicas.
	locked, err := r.cache.SetNX(ctx, lockPrefix+asset, time.Now().Unix(), lockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire reconcile lock: %w", err)
	}
	if !locked {
		r.logger.Debug("reconcile lock held elsewhere", zap.String("asset", asset))
		return nil, nil
	}
	defer func() {
		if err := r.cache.Delete(context.Background(), lockPrefix+asset); err != nil {
			r.logger.Warn("failed to release reconcile lock", zap.String("asset", asset), zap.Error(err))
		}
	}()

	balance, err := oracle.Balance(ctx)
	if err != nil {
		return nil, err
	}

	prev, seen, err := r.cursor(ctx, asset)
	if err != nil {
		return nil, err
	}
	if !seen {
		// First observation establishes the baseline; pre-existing funds
		// must not mint.
		if err := r.setCursor(ctx, asset, balance); err != nil {
			return nil, err
		}
		r.logger.Info("reconcile baseline recorded",
			zap.String("asset", asset),
			zap.Float64("balance", balance),
		)
		return nil, nil
	}

	delta := balance - prev
	if delta <= 0 {
		return nil, nil
	}

	price, err := r.prices.PriceUSD(ctx, asset)
	if err != nil {
		// A stale but conservative default keeps detection alive through
		// price API outages.
		price = r.defaultPrice(asset)
		r.logger.Warn("price oracle failed, using default price",
			zap.String("asset", asset),
			zap.Float64("default_usd", price),
			zap.Error(err),
		)
	}

	deltaUSD := delta * price
	threshold := r.cfg.ToleranceFrac * r.cfg.PlanUSD
	if deltaUSD < threshold {
		r.logger.Info("balance increase below plan threshold",
			zap.String("asset", asset),
			zap.Float64("delta_usd", deltaUSD),
			zap.Float64("threshold_usd", threshold),
		)
		return nil, nil
	}

	token, err := r.ledger.Mint(ctx, r.cfg.PlanCredits, "reconcile")
	if err != nil {
		return nil, err
	}
	if err := r.setCursor(ctx, asset, balance); err != nil {
		// The mint already happened; a stale cursor risks a duplicate mint
		// next sweep, so this is loud.
		r.logger.Error("failed to advance reconcile cursor after mint",
			zap.String("asset", asset),
			zap.Error(err),
		)
	}

	metrics.ReconcileDetections.WithLabelValues(asset).Inc()
	r.logger.Info("direct payment detected",
		zap.String("asset", asset),
		zap.Float64("delta_usd", deltaUSD),
		zap.Int64("credits", r.cfg.PlanCredits),
	)
	if r.bus != nil {
		r.bus.Publish(ctx, events.NewEvent(events.EventPaymentDetected, asset,
			map[string]interface{}{"delta_usd": deltaUSD, "credits": r.cfg.PlanCredits}))
	}

	return &Detection{
		Asset:    asset,
		DeltaUSD: deltaUSD,
		Credits:  r.cfg.PlanCredits,
		Token:    token,
	}, nil
}

func (r *Reconciler) defaultPrice(asset string) float64 {
	switch asset {
	case "btc":
		return r.cfg.DefaultBTCUSD
	case "xmr":
		return r.cfg.DefaultXMRUSD
	default:
		return 0
	}
}

func (r *Reconciler) cursor(ctx context.Context, asset string) (float64, bool, error) {
	val, err := r.cache.Get(ctx, cursorPrefix+asset)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to read reconcile cursor: %w", err)
	}
	prev, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt reconcile cursor %q: %w", val, err)
	}
	return prev, true, nil
}

func (r *Reconciler) setCursor(ctx context.Context, asset string, balance float64) error {
	return r.cache.Set(ctx, cursorPrefix+asset, strconv.FormatFloat(balance, 'f', -1, 64), 0)
}

// Start runs periodic sweeps until the context is cancelled. Tokens minted
// by background sweeps are surfaced through the event bus and logs by digest
// only; operators hand them out via the manual admin sweep.
func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("reconciliation loop started",
		zap.Duration("interval", r.cfg.Interval),
		zap.Int("assets", len(r.balances)),
	)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciliation loop stopped")
			return
		case <-ticker.C:
			if _, err := r.Run(ctx); err != nil {
				r.logger.Error("reconciliation sweep failed", zap.Error(err))
			}
		}
	}
}
