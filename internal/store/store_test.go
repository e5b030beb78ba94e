package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/punchamoorthee/pointledger/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type contractStore interface {
	CreateAccount(ctx context.Context) (domain.Account, error)
	GetAccount(ctx context.Context, id string) (domain.Account, error)
	Apply(ctx context.Context, accountID string, plan domain.Plan) (domain.BalanceChange, error)
	TryAcquire(ctx context.Context, key domain.DedupeKey) (domain.AcquireResult, error)
	ListEntries(ctx context.Context, accountID string, limit int) ([]domain.LedgerEntry, error)
	SumDeltas(ctx context.Context, accountID string) (int64, error)
	PutDistribution(ctx context.Context, d domain.Distribution) error
	GetDistribution(ctx context.Context, id string) (domain.Distribution, error)
	RecordDownload(ctx context.Context, distributionID string, platform domain.Platform, at time.Time) (domain.DownloadTotals, error)
	CreateMonitor(ctx context.Context, m domain.Monitor) (domain.Monitor, error)
	ListMonitors(ctx context.Context, ownerID string) ([]domain.Monitor, error)
	DeleteMonitor(ctx context.Context, ownerID string, id int64) (bool, error)
	TelegramToken(ctx context.Context, ownerID string) (string, error)
	SetTelegramToken(ctx context.Context, ownerID, token string) error
	CreateOrder(ctx context.Context, o domain.PaymentOrder) (domain.PaymentOrder, error)
	GetOrder(ctx context.Context, tradeNo string) (domain.PaymentOrder, error)
	ClaimOrder(ctx context.Context, tradeNo string) (domain.PaymentOrder, bool, error)
	ReleaseOrder(ctx context.Context, tradeNo string) error
	FailOrder(ctx context.Context, tradeNo string) error
}

var (
	_ contractStore = (*Memory)(nil)
	_ contractStore = (*Postgres)(nil)
)

// forEachStore runs fn against the memory store, and against Postgres when
// LEDGER_TEST_DATABASE_URL points at a scratch database.
func forEachStore(t *testing.T, fn func(t *testing.T, s contractStore)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemory())
	})
	t.Run("postgres", func(t *testing.T) {
		fn(t, openPostgres(t))
	})
}

func openPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("LEDGER_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("LEDGER_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pg, err := NewPostgres(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pg.Close)

	require.NoError(t, Migrate(pg.Pool()))
	_, err = pg.Pool().Exec(ctx, `TRUNCATE accounts, ledger_entries, point_dedupe, distributions,
		download_stats, monitor_records, payment_orders`)
	require.NoError(t, err)
	return pg
}

func debit(cost int64) domain.Plan {
	return func(balance int64) ([]domain.LedgerEntry, error) {
		if balance < cost {
			return nil, &domain.InsufficientPointsError{Balance: balance, Cost: cost}
		}
		return []domain.LedgerEntry{{Delta: -cost, Reason: domain.ReasonDownload}}, nil
	}
}

func credit(amount int64) domain.Plan {
	return func(int64) ([]domain.LedgerEntry, error) {
		return []domain.LedgerEntry{{Delta: amount, Reason: domain.ReasonRecharge}}, nil
	}
}

func TestApplyCommitsEntryAndBalanceTogether(t *testing.T) {
	forEachStore(t, func(t *testing.T, s contractStore) {
		ctx := context.Background()
		acc, err := s.CreateAccount(ctx)
		require.NoError(t, err)
		assert.Zero(t, acc.Balance)

		change, err := s.Apply(ctx, acc.ID, credit(100))
		require.NoError(t, err)
		assert.Equal(t, int64(0), change.Previous)
		assert.Equal(t, int64(100), change.Current)
		require.Len(t, change.Entries, 1)
		assert.NotEmpty(t, change.Entries[0].ID)
		assert.Equal(t, acc.ID, change.Entries[0].AccountID)

		change, err = s.Apply(ctx, acc.ID, func(int64) ([]domain.LedgerEntry, error) {
			return []domain.LedgerEntry{{
				Delta:          -3,
				Reason:         domain.ReasonDownload,
				DistributionID: "dist-1",
				BucketMinute:   29000000,
				Platform:       domain.PlatformAPK,
			}}, nil
		})
		require.NoError(t, err)
		assert.Equal(t, int64(97), change.Current)

		got, err := s.GetAccount(ctx, acc.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(97), got.Balance)

		entries, err := s.ListEntries(ctx, acc.ID, 10)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, int64(-3), entries[0].Delta, "newest first")
		assert.Equal(t, "dist-1", entries[0].DistributionID)
		assert.Equal(t, int64(29000000), entries[0].BucketMinute)
		assert.Equal(t, domain.PlatformAPK, entries[0].Platform)
		assert.Empty(t, entries[1].DistributionID)

		sum, err := s.SumDeltas(ctx, acc.ID)
		require.NoError(t, err)
		assert.Equal(t, got.Balance, sum)
	})
}

func TestListEntriesKeepsInsertionOrderWithinUnit(t *testing.T) {
	forEachStore(t, func(t *testing.T, s contractStore) {
		ctx := context.Background()
		acc, err := s.CreateAccount(ctx)
		require.NoError(t, err)

		for range 5 {
			_, err = s.Apply(ctx, acc.ID, func(int64) ([]domain.LedgerEntry, error) {
				return []domain.LedgerEntry{
					{Delta: 50, Reason: domain.ReasonAdminSet},
					{Delta: -7, Reason: domain.ReasonAdminAdjust},
				}, nil
			})
			require.NoError(t, err)
		}

		entries, err := s.ListEntries(ctx, acc.ID, 0)
		require.NoError(t, err)
		require.Len(t, entries, 10)
		for i := 0; i < len(entries); i += 2 {
			assert.Equal(t, domain.ReasonAdminAdjust, entries[i].Reason, "entry %d", i)
			assert.Equal(t, domain.ReasonAdminSet, entries[i+1].Reason, "entry %d", i+1)
		}
	})
}

func TestApplyPlanErrorLeavesStateUntouched(t *testing.T) {
	forEachStore(t, func(t *testing.T, s contractStore) {
		ctx := context.Background()
		acc, err := s.CreateAccount(ctx)
		require.NoError(t, err)
		_, err = s.Apply(ctx, acc.ID, credit(2))
		require.NoError(t, err)

		_, err = s.Apply(ctx, acc.ID, debit(3))
		var insufficient *domain.InsufficientPointsError
		require.ErrorAs(t, err, &insufficient)
		assert.Equal(t, int64(2), insufficient.Balance)
		assert.ErrorIs(t, err, domain.ErrInsufficientPoints)

		got, err := s.GetAccount(ctx, acc.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Balance)

		entries, err := s.ListEntries(ctx, acc.ID, 0)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})
}

func TestApplyEmptyPlanIsNoop(t *testing.T) {
	forEachStore(t, func(t *testing.T, s contractStore) {
		ctx := context.Background()
		acc, err := s.CreateAccount(ctx)
		require.NoError(t, err)

		change, err := s.Apply(ctx, acc.ID, func(int64) ([]domain.LedgerEntry, error) { return nil, nil })
		require.NoError(t, err)
		assert.Equal(t, change.Previous, change.Current)
		assert.Empty(t, change.Entries)
	})
}

func TestApplyUnknownAccount(t *testing.T) {
	forEachStore(t, func(t *testing.T, s contractStore) {
		_, err := s.Apply(context.Background(), "missing", credit(1))
		assert.ErrorIs(t, err, domain.ErrAccountNotFound)

		_, err = s.GetAccount(context.Background(), "missing")
		assert.ErrorIs(t, err, domain.ErrAccountNotFound)

		_, err = s.ListEntries(context.Background(), "missing", 10)
		assert.ErrorIs(t, err, domain.ErrAccountNotFound)
	})
}

func TestConcurrentApplyLosesNoUpdates(t *testing.T) {
	forEachStore(t, func(t *testing.T, s contractStore) {
		ctx := context.Background()
		acc, err := s.CreateAccount(ctx)
		require.NoError(t, err)
		_, err = s.Apply(ctx, acc.ID, credit(50))
		require.NoError(t, err)

		// 60 debits of 1 against a balance of 50: exactly 50 may succeed.
		var mu sync.Mutex
		var ok, rejected int
		var g errgroup.Group
		for range 60 {
			g.Go(func() error {
				_, err := s.Apply(ctx, acc.ID, debit(1))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
				case errors.Is(err, domain.ErrInsufficientPoints):
					rejected++
				default:
					return err
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())
		assert.Equal(t, 50, ok)
		assert.Equal(t, 10, rejected)

		got, err := s.GetAccount(ctx, acc.ID)
		require.NoError(t, err)
		assert.Zero(t, got.Balance)

		sum, err := s.SumDeltas(ctx, acc.ID)
		require.NoError(t, err)
		assert.Zero(t, sum)
	})
}

func TestTryAcquireOncePerKey(t *testing.T) {
	forEachStore(t, func(t *testing.T, s contractStore) {
		ctx := context.Background()
		key := domain.DedupeKey{AccountID: "a", DistributionID: "d", Platform: domain.PlatformIPA, BucketMinute: 100}

		var mu sync.Mutex
		results := map[domain.AcquireResult]int{}
		var g errgroup.Group
		for range 20 {
			g.Go(func() error {
				r, err := s.TryAcquire(ctx, key)
				if err != nil {
					return err
				}
				mu.Lock()
				results[r]++
				mu.Unlock()
				return nil
			})
		}
		require.NoError(t, g.Wait())
		assert.Equal(t, 1, results[domain.Acquired])
		assert.Equal(t, 19, results[domain.AlreadyBilled])

		next := key
		next.BucketMinute++
		r, err := s.TryAcquire(ctx, next)
		require.NoError(t, err)
		assert.Equal(t, domain.Acquired, r)

		other := key
		other.Platform = domain.PlatformAPK
		r, err = s.TryAcquire(ctx, other)
		require.NoError(t, err)
		assert.Equal(t, domain.Acquired, r)
	})
}

func TestDistributions(t *testing.T) {
	forEachStore(t, func(t *testing.T, s contractStore) {
		ctx := context.Background()
		_, err := s.GetDistribution(ctx, "nope")
		assert.ErrorIs(t, err, domain.ErrDistributionNotFound)

		d := domain.Distribution{ID: "d1", Code: "abc", IsActive: true, NetworkArea: "CN"}
		require.NoError(t, s.PutDistribution(ctx, d))
		got, err := s.GetDistribution(ctx, "d1")
		require.NoError(t, err)
		assert.Equal(t, d, got)

		d.IsActive = false
		require.NoError(t, s.PutDistribution(ctx, d))
		got, err = s.GetDistribution(ctx, "d1")
		require.NoError(t, err)
		assert.False(t, got.IsActive)

		err = s.PutDistribution(ctx, domain.Distribution{ID: "d2", Code: "abc", IsActive: true})
		assert.ErrorIs(t, err, domain.ErrDuplicate)
	})
}

func TestRecordDownloadCounters(t *testing.T) {
	forEachStore(t, func(t *testing.T, s contractStore) {
		ctx := context.Background()
		day1 := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
		day2 := day1.Add(2 * time.Minute)

		_, err := s.RecordDownload(ctx, "d1", domain.PlatformAPK, day1)
		require.NoError(t, err)
		_, err = s.RecordDownload(ctx, "d1", domain.PlatformIPA, day1)
		require.NoError(t, err)
		_, err = s.RecordDownload(ctx, "other", domain.PlatformIPA, day1)
		require.NoError(t, err)

		totals, err := s.RecordDownload(ctx, "d1", domain.PlatformAPK, day2)
		require.NoError(t, err)
		assert.Equal(t, domain.DownloadTotals{
			TodayAPK: 1, TodayIPA: 0, TodayTotal: 1,
			TotalAPK: 2, TotalIPA: 1, TotalTotal: 3,
		}, totals)
	})
}

func TestMonitorsAndTelegramToken(t *testing.T) {
	forEachStore(t, func(t *testing.T, s contractStore) {
		ctx := context.Background()
		acc, err := s.CreateAccount(ctx)
		require.NoError(t, err)

		_, err = s.CreateMonitor(ctx, domain.Monitor{OwnerID: "ghost", Kind: domain.MonitorPoints, Target: "1", Message: "m"})
		assert.ErrorIs(t, err, domain.ErrAccountNotFound)

		first, err := s.CreateMonitor(ctx, domain.Monitor{
			OwnerID: acc.ID, Kind: domain.MonitorPoints, Threshold: 10, Target: "chat", Message: "low", IsActive: true,
		})
		require.NoError(t, err)
		second, err := s.CreateMonitor(ctx, domain.Monitor{
			OwnerID: acc.ID, Kind: domain.MonitorDownloads, Threshold: 5, Metric: domain.MetricAPK,
			DistributionCode: "abc", Target: "chat", Message: "hot", IsActive: true,
		})
		require.NoError(t, err)
		assert.Greater(t, second.ID, first.ID)

		list, err := s.ListMonitors(ctx, acc.ID)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, second.ID, list[0].ID)
		assert.Equal(t, domain.MetricAPK, list[0].Metric)
		assert.Equal(t, "abc", list[0].DistributionCode)

		deleted, err := s.DeleteMonitor(ctx, "someone-else", first.ID)
		require.NoError(t, err)
		assert.False(t, deleted)
		deleted, err = s.DeleteMonitor(ctx, acc.ID, first.ID)
		require.NoError(t, err)
		assert.True(t, deleted)
		list, err = s.ListMonitors(ctx, acc.ID)
		require.NoError(t, err)
		assert.Len(t, list, 1)

		token, err := s.TelegramToken(ctx, acc.ID)
		require.NoError(t, err)
		assert.Empty(t, token)

		require.NoError(t, s.SetTelegramToken(ctx, acc.ID, "123:abc"))
		token, err = s.TelegramToken(ctx, acc.ID)
		require.NoError(t, err)
		assert.Equal(t, "123:abc", token)

		assert.ErrorIs(t, s.SetTelegramToken(ctx, "ghost", "x"), domain.ErrAccountNotFound)
	})
}

func TestOrderLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s contractStore) {
		ctx := context.Background()
		acc, err := s.CreateAccount(ctx)
		require.NoError(t, err)

		_, err = s.CreateOrder(ctx, domain.PaymentOrder{TradeNo: "T1", AccountID: "ghost", Points: 10, Amount: 30})
		assert.ErrorIs(t, err, domain.ErrAccountNotFound)

		o, err := s.CreateOrder(ctx, domain.PaymentOrder{TradeNo: "T1", AccountID: acc.ID, Points: 10, Amount: 30})
		require.NoError(t, err)
		assert.Equal(t, domain.OrderPending, o.Status)

		_, err = s.CreateOrder(ctx, domain.PaymentOrder{TradeNo: "T1", AccountID: acc.ID, Points: 10, Amount: 30})
		assert.ErrorIs(t, err, domain.ErrDuplicate)

		var mu sync.Mutex
		claims := 0
		var g errgroup.Group
		for range 10 {
			g.Go(func() error {
				_, claimed, err := s.ClaimOrder(ctx, "T1")
				if claimed {
					mu.Lock()
					claims++
					mu.Unlock()
				}
				return err
			})
		}
		require.NoError(t, g.Wait())
		assert.Equal(t, 1, claims)

		o, err = s.GetOrder(ctx, "T1")
		require.NoError(t, err)
		assert.Equal(t, domain.OrderPaid, o.Status)
		assert.NotNil(t, o.PaidAt)

		require.NoError(t, s.ReleaseOrder(ctx, "T1"))
		o, err = s.GetOrder(ctx, "T1")
		require.NoError(t, err)
		assert.Equal(t, domain.OrderPending, o.Status)

		require.NoError(t, s.FailOrder(ctx, "T1"))
		o, err = s.GetOrder(ctx, "T1")
		require.NoError(t, err)
		assert.Equal(t, domain.OrderFailed, o.Status)

		o, claimed, err := s.ClaimOrder(ctx, "T1")
		require.NoError(t, err)
		assert.False(t, claimed, "failed orders stay failed")
		assert.Equal(t, domain.OrderFailed, o.Status)
		assert.Nil(t, o.PaidAt)

		assert.ErrorIs(t, s.FailOrder(ctx, "T404"), domain.ErrOrderNotFound)
		_, _, err = s.ClaimOrder(ctx, "T404")
		assert.ErrorIs(t, err, domain.ErrOrderNotFound)
	})
}
