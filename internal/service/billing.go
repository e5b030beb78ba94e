package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/pointledger/internal/clock"
	"github.com/punchamoorthee/pointledger/internal/distribution"
	"github.com/punchamoorthee/pointledger/internal/domain"
	"go.uber.org/zap"
)

var (
	billingOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_billing_outcomes_total",
		Help: "Download billing attempts by outcome",
	}, []string{"outcome"})

	pointsDebited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_points_debited_total",
		Help: "Points debited for downloads",
	}, []string{"platform"})
)

// Ledger is the per-account atomic unit: a balance read and a plan applied
// under the account lock.
type Ledger interface {
	GetAccount(ctx context.Context, id string) (domain.Account, error)
	Apply(ctx context.Context, accountID string, plan domain.Plan) (domain.BalanceChange, error)
}

type Deduper interface {
	TryAcquire(ctx context.Context, key domain.DedupeKey) (domain.AcquireResult, error)
}

type Counters interface {
	RecordDownload(ctx context.Context, distributionID string, platform domain.Platform, at time.Time) (domain.DownloadTotals, error)
}

type Notifier interface {
	NotifyPointThreshold(ctx context.Context, ownerID string, previous, current int64) error
	NotifyDownloadThreshold(ctx context.Context, ownerID, distributionCode string, platform domain.Platform, totals domain.DownloadTotals) error
}

type BillingParams struct {
	Ledger        Ledger
	Deduper       Deduper
	Distributions distribution.Lookup
	Counters      Counters
	Notifier      Notifier
	Clock         clock.Clock
	Log           *zap.Logger
	NotifyTimeout time.Duration
}

type BillingService struct {
	ledger        Ledger
	deduper       Deduper
	distributions distribution.Lookup
	counters      Counters
	notifier      Notifier
	clock         clock.Clock
	log           *zap.Logger
	notifyTimeout time.Duration

	inflight sync.WaitGroup
}

func NewBillingService(p BillingParams) *BillingService {
	if p.Clock == nil {
		p.Clock = clock.Real{}
	}
	if p.Log == nil {
		p.Log = zap.NewNop()
	}
	if p.NotifyTimeout <= 0 {
		p.NotifyTimeout = 10 * time.Second
	}
	return &BillingService{
		ledger:        p.Ledger,
		deduper:       p.Deduper,
		distributions: p.Distributions,
		counters:      p.Counters,
		notifier:      p.Notifier,
		clock:         p.Clock,
		log:           p.Log.Named("billing"),
		notifyTimeout: p.NotifyTimeout,
	}
}

// BillDownload charges one download to an account. A repeat of the same
// (account, distribution, platform) in the same minute is reported as deduped
// with cost 0. Threshold notifications and download counters run after the
// debit commits and never affect the result.
func (s *BillingService) BillDownload(ctx context.Context, req domain.BillRequest) (domain.BillResult, error) {
	accountID := strings.TrimSpace(req.AccountID)
	distributionID := strings.TrimSpace(req.DistributionID)
	if accountID == "" || distributionID == "" {
		return domain.BillResult{}, fmt.Errorf("%w: account_id and distribution_id are required", domain.ErrInvalidInput)
	}
	platform, err := ParsePlatform(req.Platform)
	if err != nil {
		return domain.BillResult{}, err
	}

	dist, err := s.distributions.GetDistribution(ctx, distributionID)
	if err != nil {
		return domain.BillResult{}, s.fail(err)
	}
	if !dist.IsActive {
		return domain.BillResult{}, s.fail(domain.ErrDistributionNotFound)
	}

	backend := distribution.BackendFor(dist.NetworkArea)
	cost, err := ResolveCost(platform, backend.IsRegional())
	if err != nil {
		return domain.BillResult{}, err
	}
	now := s.clock.Now()
	key := domain.DedupeKey{
		AccountID:      accountID,
		DistributionID: distributionID,
		Platform:       platform,
		BucketMinute:   domain.BucketMinute(now),
	}

	acquired, err := s.deduper.TryAcquire(ctx, key)
	if err != nil {
		return domain.BillResult{}, s.fail(err)
	}
	if acquired == domain.AlreadyBilled {
		billingOutcomes.WithLabelValues("deduped").Inc()
		s.log.Debug("download deduped", zap.Stringer("dedupe_key", key))
		return domain.BillResult{OK: true, Cost: 0, Deduped: true}, nil
	}

	change, err := s.ledger.Apply(ctx, accountID, func(balance int64) ([]domain.LedgerEntry, error) {
		if balance < cost {
			return nil, &domain.InsufficientPointsError{AccountID: accountID, Balance: balance, Cost: cost}
		}
		return []domain.LedgerEntry{{
			Delta:          -cost,
			Reason:         domain.ReasonDownload,
			DistributionID: distributionID,
			BucketMinute:   key.BucketMinute,
			Platform:       platform,
		}}, nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientPoints) {
			s.log.Info("insufficient points",
				zap.String("account_id", accountID),
				zap.String("distribution_id", distributionID),
				zap.Int64("cost", cost))
		}
		return domain.BillResult{}, s.fail(err)
	}

	billingOutcomes.WithLabelValues("committed").Inc()
	pointsDebited.WithLabelValues(string(platform)).Add(float64(cost))

	ledgerID := change.Entries[0].ID
	s.log.Debug("download billed",
		zap.String("account_id", accountID),
		zap.String("distribution_id", distributionID),
		zap.String("ledger_id", ledgerID),
		zap.String("backend", backend.Name()),
		zap.Int64("cost", cost))

	s.dispatch(accountID, dist, platform, now, change)

	balance := change.Current
	return domain.BillResult{OK: true, Cost: cost, LedgerID: ledgerID, Balance: &balance}, nil
}

func (s *BillingService) fail(err error) error {
	switch {
	case errors.Is(err, domain.ErrInsufficientPoints):
		billingOutcomes.WithLabelValues("insufficient").Inc()
	case errors.Is(err, domain.ErrAccountNotFound), errors.Is(err, domain.ErrDistributionNotFound):
		billingOutcomes.WithLabelValues("not_found").Inc()
	default:
		billingOutcomes.WithLabelValues("error").Inc()
	}
	return err
}

// dispatch runs the post-commit side effects on a detached context.
func (s *BillingService) dispatch(accountID string, dist domain.Distribution, platform domain.Platform, at time.Time, change domain.BalanceChange) {
	if s.notifier == nil && s.counters == nil {
		return
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.notifyTimeout)
		defer cancel()

		log := s.log.With(zap.String("account_id", accountID), zap.String("distribution_id", dist.ID))

		if s.notifier != nil {
			if err := s.notifier.NotifyPointThreshold(ctx, accountID, change.Previous, change.Current); err != nil {
				log.Warn("point monitor failed", zap.Error(err))
			}
		}

		if s.counters == nil {
			return
		}
		totals, err := s.counters.RecordDownload(ctx, dist.ID, platform, at)
		if err != nil {
			log.Warn("record download failed", zap.Error(err))
			return
		}
		if s.notifier != nil {
			if err := s.notifier.NotifyDownloadThreshold(ctx, dist.OwnerID, dist.Code, platform, totals); err != nil {
				log.Warn("download monitor failed", zap.Error(err))
			}
		}
	}()
}

// Wait blocks until every dispatched side effect has finished.
func (s *BillingService) Wait() {
	s.inflight.Wait()
}
