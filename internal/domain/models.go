package domain

import (
	"fmt"
	"strings"
	"time"
)

// Platform identifies the package flavour being downloaded.
type Platform string

const (
	PlatformAPK Platform = "apk"
	PlatformIPA Platform = "ipa"
)

// Valid reports whether p is one of the billable platforms.
func (p Platform) Valid() bool {
	return p == PlatformAPK || p == PlatformIPA
}

// Ledger reasons. Recharges may carry a memo suffix ("recharge:<memo>").
const (
	ReasonDownload    = "download"
	ReasonRecharge    = "recharge"
	ReasonAdminSet    = "admin:set"
	ReasonAdminAdjust = "admin:adjust"
)

// Account represents a billable member and its cached point balance.
// The balance is a projection of the ledger and only moves through Apply.
type Account struct {
	ID        string    `json:"id"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
}

// LedgerEntry is one immutable, signed change to an account balance.
// Zero values of the optional fields mean "not set".
type LedgerEntry struct {
	ID             string    `json:"id"`
	AccountID      string    `json:"account_id"`
	Delta          int64     `json:"delta"`
	Reason         string    `json:"reason"`
	DistributionID string    `json:"distribution_id,omitempty"`
	DownloadID     string    `json:"download_id,omitempty"`
	BucketMinute   int64     `json:"bucket_minute,omitempty"`
	Platform       Platform  `json:"platform,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Plan decides which entries to append given the locked current balance.
// Returning no entries leaves the account untouched; returning an error
// aborts the unit of work.
type Plan func(balance int64) ([]LedgerEntry, error)

// BalanceChange is the outcome of one atomic ledger+balance unit.
type BalanceChange struct {
	AccountID string        `json:"account_id"`
	Previous  int64         `json:"previous"`
	Current   int64         `json:"current"`
	Entries   []LedgerEntry `json:"entries"`
}

// DedupeKey identifies one billable download unit inside a time window.
type DedupeKey struct {
	AccountID      string
	DistributionID string
	Platform       Platform
	BucketMinute   int64
}

// ThrottleKey drops the bucket so TTL-based guards cover a sliding window.
func (k DedupeKey) ThrottleKey() string {
	return strings.Join([]string{k.AccountID, k.DistributionID, string(k.Platform)}, "|")
}

func (k DedupeKey) String() string {
	return fmt.Sprintf("%s|%d", k.ThrottleKey(), k.BucketMinute)
}

// AcquireResult is the tagged outcome of a dedupe acquisition.
type AcquireResult int

const (
	Acquired AcquireResult = iota + 1
	AlreadyBilled
)

func (r AcquireResult) String() string {
	switch r {
	case Acquired:
		return "acquired"
	case AlreadyBilled:
		return "already_billed"
	default:
		return "unknown"
	}
}

// BucketMinute returns the whole-minute unix bucket for t.
func BucketMinute(t time.Time) int64 {
	return t.Unix() / 60
}

// Distribution is the slice of a published app the billing engine needs.
type Distribution struct {
	ID          string `json:"id"`
	Code        string `json:"code"`
	OwnerID     string `json:"owner_id"`
	IsActive    bool   `json:"is_active"`
	NetworkArea string `json:"network_area"`
}

// DownloadTotals are per-distribution counters after a recorded download.
type DownloadTotals struct {
	TodayAPK   int64 `json:"today_apk"`
	TodayIPA   int64 `json:"today_ipa"`
	TodayTotal int64 `json:"today_total"`
	TotalAPK   int64 `json:"total_apk"`
	TotalIPA   int64 `json:"total_ipa"`
	TotalTotal int64 `json:"total_total"`
}

// BillRequest is the payload of the billing endpoint.
type BillRequest struct {
	AccountID      string `json:"account_id"`
	DistributionID string `json:"distribution_id"`
	Platform       string `json:"platform"`
}

// BillResult is returned for both committed and deduped downloads.
type BillResult struct {
	OK       bool   `json:"ok"`
	Cost     int64  `json:"cost"`
	Deduped  bool   `json:"deduped,omitempty"`
	LedgerID string `json:"ledger_id,omitempty"`
	Balance  *int64 `json:"balance,omitempty"`
}

// RechargeResult is returned by the recharge applier.
type RechargeResult struct {
	OK       bool   `json:"ok"`
	Amount   int64  `json:"amount"`
	Balance  int64  `json:"balance"`
	LedgerID string `json:"ledger_id"`
}

// BalanceUpdate is an admin request to set and/or adjust a balance.
type BalanceUpdate struct {
	Set    *int64 `json:"set_balance,omitempty"`
	Adjust *int64 `json:"adjust_balance,omitempty"`
}

// MonitorKind selects what a monitor watches.
type MonitorKind string

const (
	MonitorPoints    MonitorKind = "points"
	MonitorDownloads MonitorKind = "downloads"
)

// DownloadMetric selects which download counter a monitor compares.
type DownloadMetric string

const (
	MetricTotal DownloadMetric = "total"
	MetricAPK   DownloadMetric = "apk"
	MetricIPA   DownloadMetric = "ipa"
)

// Monitor is an owner-defined threshold alert delivered over Telegram.
type Monitor struct {
	ID               int64          `json:"id"`
	OwnerID          string         `json:"owner_id"`
	Kind             MonitorKind    `json:"kind"`
	Threshold        int64          `json:"threshold"`
	Metric           DownloadMetric `json:"metric,omitempty"`
	DistributionCode string         `json:"distribution_code,omitempty"`
	Target           string         `json:"target"`
	Message          string         `json:"message"`
	IsActive         bool           `json:"is_active"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Payment order statuses.
const (
	OrderPending = "PENDING"
	OrderPaid    = "PAID"
	OrderFailed  = "FAILED"
)

// PaymentOrder is a point purchase awaiting provider settlement.
type PaymentOrder struct {
	TradeNo   string     `json:"merchant_trade_no"`
	AccountID string     `json:"account_id"`
	Points    int64      `json:"points"`
	Amount    int64      `json:"amount"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	PaidAt    *time.Time `json:"paid_at,omitempty"`
}
