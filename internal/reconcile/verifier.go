package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/propmarket/promotions/internal/config"
	"github.com/propmarket/promotions/internal/gateway"
	"github.com/propmarket/promotions/internal/ierr"
	"github.com/propmarket/promotions/internal/models"
	"github.com/propmarket/promotions/internal/settings"
	log "github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const maxVerifierConcurrency = 5

// Summary counts what one verifier pass did.
type Summary struct {
	Checked          int `json:"checked"`
	Completed        int `json:"completed"`
	Failed           int `json:"failed"`
	TimedOut         int `json:"timed_out"`
	StillPending     int `json:"still_pending"`
	AlreadyProcessed int `json:"already_processed"`
	Errors           int `json:"errors"`
}

func (s *Summary) add(r itemResult) {
	s.Checked++
	switch r {
	case itemCompleted:
		s.Completed++
	case itemFailed:
		s.Failed++
	case itemTimedOut:
		s.TimedOut++
	case itemPending:
		s.StillPending++
	case itemAlreadyProcessed:
		s.AlreadyProcessed++
	default:
		s.Errors++
	}
}

type itemResult int

const (
	itemError itemResult = iota
	itemCompleted
	itemFailed
	itemTimedOut
	itemPending
	itemAlreadyProcessed
)

type verifierParams struct {
	grace       time.Duration
	maxAge      time.Duration
	batchSize   int
	concurrency int
	pacing      time.Duration
}

// Verifier polls the gateway for top-ups the webhook has not settled and
// times out the ones that stay pending too long.
type Verifier struct {
	db        *gorm.DB
	completer *Completer
	gw        Gateway
	cfg       config.ReconcileConfig
	settings  *settings.Store
	now       func() time.Time

	mu      sync.Mutex
	limiter *rate.Limiter
	pacing  time.Duration
}

// NewVerifier returns a verifier using cfg, overridable at runtime through store.
func NewVerifier(conn *gorm.DB, completer *Completer, gw Gateway, cfg config.ReconcileConfig, store *settings.Store) *Verifier {
	return &Verifier{
		db:        conn,
		completer: completer,
		gw:        gw,
		cfg:       cfg,
		settings:  store,
		now:       time.Now,
	}
}

// WithClock overrides the time source.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	if now != nil {
		v.now = now
	}
	return v
}

func (v *Verifier) resolveParams() verifierParams {
	p := verifierParams{
		grace:       v.cfg.Grace,
		maxAge:      v.cfg.MaxPendingAge,
		batchSize:   v.cfg.BatchSize,
		concurrency: v.cfg.MaxConcurrency,
		pacing:      v.cfg.Pacing,
	}
	if v.settings != nil {
		p.grace = v.settings.Seconds(settings.ReconcileGraceSecondsKey, p.grace)
		p.maxAge = v.settings.Seconds(settings.ReconcileMaxPendingSecondsKey, p.maxAge)
		p.batchSize = v.settings.Int(settings.ReconcileBatchSizeKey, p.batchSize)
		p.concurrency = v.settings.Int(settings.ReconcileMaxConcurrencyKey, p.concurrency)
	}
	if p.grace < 0 {
		p.grace = 0
	}
	if p.maxAge <= 0 {
		p.maxAge = 15 * time.Minute
	}
	if p.batchSize <= 0 {
		p.batchSize = 20
	}
	if p.concurrency <= 0 {
		p.concurrency = 1
	}
	if p.concurrency > maxVerifierConcurrency {
		p.concurrency = maxVerifierConcurrency
	}
	return p
}

// pacer returns the shared limiter spacing gateway calls, rebuilt when the pacing changes.
func (v *Verifier) pacer(pacing time.Duration) *rate.Limiter {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.limiter == nil || v.pacing != pacing {
		limit := rate.Inf
		if pacing > 0 {
			limit = rate.Every(pacing)
		}
		v.limiter = rate.NewLimiter(limit, 1)
		v.pacing = pacing
	}
	return v.limiter
}

// Run performs one verification pass over the oldest eligible pending top-ups.
func (v *Verifier) Run(ctx context.Context) (Summary, error) {
	var summary Summary
	p := v.resolveParams()
	now := v.now().UTC()

	var rows []models.Transaction
	err := v.db.WithContext(ctx).
		Where("kind = ? AND status = ?", models.TransactionKindTopUp, models.TransactionStatusPending).
		Where(v.db.
			Where("external_reference IS NOT NULL AND created_at <= ?", now.Add(-p.grace)).
			Or("external_reference IS NULL AND created_at <= ?", now.Add(-p.maxAge))).
		Order("created_at ASC, id ASC").
		Limit(p.batchSize).
		Find(&rows).Error
	if err != nil {
		return summary, ierr.WithError(err).WithMessage("load pending top-ups").Mark(ierr.ErrDatabase)
	}
	if len(rows) == 0 {
		return summary, nil
	}

	limiter := v.pacer(p.pacing)
	workers := pool.NewWithResults[itemResult]().WithMaxGoroutines(p.concurrency)
	for i := range rows {
		txn := rows[i]
		workers.Go(func() itemResult {
			return v.verify(ctx, txn, now, p, limiter)
		})
	}
	for _, r := range workers.Wait() {
		summary.add(r)
	}

	log.WithFields(log.Fields{
		"checked":   summary.Checked,
		"completed": summary.Completed,
		"failed":    summary.Failed,
		"timed_out": summary.TimedOut,
		"pending":   summary.StillPending,
		"errors":    summary.Errors,
	}).Info("top-up verification pass finished")
	return summary, nil
}

func (v *Verifier) verify(ctx context.Context, txn models.Transaction, now time.Time, p verifierParams, limiter *rate.Limiter) itemResult {
	entry := log.WithField("transaction_id", txn.ID)
	expired := now.Sub(txn.CreatedAt.UTC()) >= p.maxAge

	if txn.ExternalReference == nil {
		if !expired {
			return itemPending
		}
		return v.apply(ctx, entry, txn.ID, Failed(ReasonTimeout, nil, SourceTimeout))
	}
	ref := *txn.ExternalReference
	entry = entry.WithField("order_id", ref)

	if err := limiter.Wait(ctx); err != nil {
		entry.WithError(err).Debug("verifier pacing interrupted")
		return itemError
	}
	order, err := v.gw.OrderStatus(ctx, ref)
	if err != nil {
		if expired {
			entry.WithError(err).Warn("gateway status unavailable past max pending age, timing out")
			return v.apply(ctx, entry, txn.ID, Failed(ReasonTimeout, nil, SourceTimeout))
		}
		entry.WithError(err).Warn("gateway status query failed, leaving top-up pending")
		return itemPending
	}

	outcome := FromOrder(order, SourcePoll, order.SignatureValid)
	if outcome.Kind == OutcomeStillPending && expired {
		outcome = Failed(ReasonTimeout, order, SourceTimeout)
	}
	return v.apply(ctx, entry, txn.ID, outcome)
}

func (v *Verifier) apply(ctx context.Context, entry *log.Entry, id uint64, o Outcome) itemResult {
	_, err := v.completer.CompleteByID(ctx, id, o)
	if err != nil {
		if errors.Is(err, ierr.ErrAlreadyProcessed) {
			return itemAlreadyProcessed
		}
		entry.WithError(err).Error("apply top-up outcome failed")
		return itemError
	}
	switch {
	case o.Kind == OutcomeSucceeded:
		return itemCompleted
	case o.Kind == OutcomeFailed && o.Reason == ReasonTimeout:
		return itemTimedOut
	case o.Kind == OutcomeFailed:
		return itemFailed
	default:
		return itemPending
	}
}

// compile-time check that the real client satisfies Gateway.
var _ Gateway = (*gateway.Client)(nil)
