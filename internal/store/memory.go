package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/pointledger/internal/domain"
)

// Memory is an in-process store for tests and local development. A single
// mutex serializes every mutation, which gives Apply and TryAcquire the same
// atomicity the Postgres store gets from row locks and unique keys.
type Memory struct {
	mu            sync.Mutex
	now           func() time.Time
	accounts      map[string]*domain.Account
	entries       map[string][]domain.LedgerEntry
	dedupe        map[domain.DedupeKey]struct{}
	distributions map[string]domain.Distribution
	stats         map[statKey]*dayStats
	monitors      []domain.Monitor
	nextMonitorID int64
	tokens        map[string]string
	orders        map[string]domain.PaymentOrder
}

type statKey struct {
	distributionID string
	day            string
}

type dayStats struct {
	apk, ipa int64
}

func NewMemory() *Memory {
	return &Memory{
		now:           func() time.Time { return time.Now().UTC() },
		accounts:      make(map[string]*domain.Account),
		entries:       make(map[string][]domain.LedgerEntry),
		dedupe:        make(map[domain.DedupeKey]struct{}),
		distributions: make(map[string]domain.Distribution),
		stats:         make(map[statKey]*dayStats),
		tokens:        make(map[string]string),
		orders:        make(map[string]domain.PaymentOrder),
	}
}

func (m *Memory) CreateAccount(_ context.Context) (domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc := &domain.Account{ID: uuid.NewString(), CreatedAt: m.now()}
	m.accounts[acc.ID] = acc
	return *acc, nil
}

func (m *Memory) GetAccount(_ context.Context, id string) (domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.accounts[id]
	if !ok {
		return domain.Account{}, domain.ErrAccountNotFound
	}
	return *acc, nil
}

func (m *Memory) Apply(_ context.Context, accountID string, plan domain.Plan) (domain.BalanceChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.accounts[accountID]
	if !ok {
		return domain.BalanceChange{}, domain.ErrAccountNotFound
	}

	entries, err := plan(acc.Balance)
	if err != nil {
		return domain.BalanceChange{}, err
	}
	change := domain.BalanceChange{AccountID: accountID, Previous: acc.Balance, Current: acc.Balance}
	if len(entries) == 0 {
		return change, nil
	}

	now := m.now()
	for i := range entries {
		if entries[i].ID == "" {
			entries[i].ID = uuid.NewString()
		}
		entries[i].AccountID = accountID
		entries[i].CreatedAt = now
		change.Current += entries[i].Delta
	}
	m.entries[accountID] = append(m.entries[accountID], entries...)
	acc.Balance = change.Current
	change.Entries = entries
	return change, nil
}

func (m *Memory) TryAcquire(_ context.Context, key domain.DedupeKey) (domain.AcquireResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.dedupe[key]; ok {
		return domain.AlreadyBilled, nil
	}
	m.dedupe[key] = struct{}{}
	return domain.Acquired, nil
}

func (m *Memory) ListEntries(_ context.Context, accountID string, limit int) ([]domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[accountID]; !ok {
		return nil, domain.ErrAccountNotFound
	}
	if limit <= 0 {
		limit = 100
	}

	src := m.entries[accountID]
	out := make([]domain.LedgerEntry, 0, min(limit, len(src)))
	for i := len(src) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, src[i])
	}
	return out, nil
}

func (m *Memory) SumDeltas(_ context.Context, accountID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sum int64
	for _, e := range m.entries[accountID] {
		sum += e.Delta
	}
	return sum, nil
}

func (m *Memory) PutDistribution(_ context.Context, d domain.Distribution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, existing := range m.distributions {
		if id != d.ID && existing.Code == d.Code {
			return fmt.Errorf("distribution code %q: %w", d.Code, domain.ErrDuplicate)
		}
	}
	m.distributions[d.ID] = d
	return nil
}

func (m *Memory) GetDistribution(_ context.Context, id string) (domain.Distribution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.distributions[id]
	if !ok {
		return domain.Distribution{}, domain.ErrDistributionNotFound
	}
	return d, nil
}

func (m *Memory) RecordDownload(_ context.Context, distributionID string, platform domain.Platform, at time.Time) (domain.DownloadTotals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := statKey{distributionID: distributionID, day: at.UTC().Format(time.DateOnly)}
	day, ok := m.stats[k]
	if !ok {
		day = &dayStats{}
		m.stats[k] = day
	}
	if platform == domain.PlatformAPK {
		day.apk++
	} else {
		day.ipa++
	}

	totals := domain.DownloadTotals{TodayAPK: day.apk, TodayIPA: day.ipa}
	for sk, s := range m.stats {
		if sk.distributionID == distributionID {
			totals.TotalAPK += s.apk
			totals.TotalIPA += s.ipa
		}
	}
	totals.TodayTotal = totals.TodayAPK + totals.TodayIPA
	totals.TotalTotal = totals.TotalAPK + totals.TotalIPA
	return totals, nil
}

func (m *Memory) CreateMonitor(_ context.Context, mon domain.Monitor) (domain.Monitor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[mon.OwnerID]; !ok {
		return domain.Monitor{}, domain.ErrAccountNotFound
	}
	m.nextMonitorID++
	mon.ID = m.nextMonitorID
	mon.CreatedAt = m.now()
	m.monitors = append(m.monitors, mon)
	return mon, nil
}

func (m *Memory) ListMonitors(_ context.Context, ownerID string) ([]domain.Monitor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []domain.Monitor{}
	for _, mon := range m.monitors {
		if mon.OwnerID == ownerID {
			out = append(out, mon)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *Memory) DeleteMonitor(_ context.Context, ownerID string, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, mon := range m.monitors {
		if mon.ID == id && mon.OwnerID == ownerID {
			m.monitors = append(m.monitors[:i], m.monitors[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) TelegramToken(_ context.Context, ownerID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[ownerID]; !ok {
		return "", domain.ErrAccountNotFound
	}
	return m.tokens[ownerID], nil
}

func (m *Memory) SetTelegramToken(_ context.Context, ownerID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[ownerID]; !ok {
		return domain.ErrAccountNotFound
	}
	m.tokens[ownerID] = token
	return nil
}

func (m *Memory) CreateOrder(_ context.Context, o domain.PaymentOrder) (domain.PaymentOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[o.AccountID]; !ok {
		return domain.PaymentOrder{}, domain.ErrAccountNotFound
	}
	if _, ok := m.orders[o.TradeNo]; ok {
		return domain.PaymentOrder{}, fmt.Errorf("order %s: %w", o.TradeNo, domain.ErrDuplicate)
	}
	o.Status = domain.OrderPending
	o.CreatedAt = m.now()
	o.PaidAt = nil
	m.orders[o.TradeNo] = o
	return o, nil
}

func (m *Memory) GetOrder(_ context.Context, tradeNo string) (domain.PaymentOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[tradeNo]
	if !ok {
		return domain.PaymentOrder{}, domain.ErrOrderNotFound
	}
	return o, nil
}

func (m *Memory) ClaimOrder(_ context.Context, tradeNo string) (domain.PaymentOrder, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[tradeNo]
	if !ok {
		return domain.PaymentOrder{}, false, domain.ErrOrderNotFound
	}
	if o.Status != domain.OrderPending {
		return o, false, nil
	}
	paidAt := m.now()
	o.Status = domain.OrderPaid
	o.PaidAt = &paidAt
	m.orders[tradeNo] = o
	return o, true, nil
}

func (m *Memory) ReleaseOrder(_ context.Context, tradeNo string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[tradeNo]
	if !ok || o.Status != domain.OrderPaid {
		return nil
	}
	o.Status = domain.OrderPending
	o.PaidAt = nil
	m.orders[tradeNo] = o
	return nil
}

func (m *Memory) FailOrder(_ context.Context, tradeNo string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[tradeNo]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if o.Status == domain.OrderPending {
		o.Status = domain.OrderFailed
		m.orders[tradeNo] = o
	}
	return nil
}

func (m *Memory) Close() {}
