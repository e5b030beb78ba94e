package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/pointledger/internal/domain"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Postgres is the durable store. Balance mutations lock the account row and
// update it server-side in the same transaction as the ledger insert.
type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Postgres{db: pool}, nil
}

func NewPostgresFromPool(pool *pgxpool.Pool) *Postgres {
	return &Postgres{db: pool}
}

func (s *Postgres) Pool() *pgxpool.Pool {
	return s.db
}

func (s *Postgres) Close() {
	s.db.Close()
}

// CreateAccount creates a new account with 0 balance.
func (s *Postgres) CreateAccount(ctx context.Context) (domain.Account, error) {
	acc := domain.Account{ID: uuid.NewString()}
	err := s.db.QueryRow(ctx,
		"INSERT INTO accounts (id, balance) VALUES ($1, 0) RETURNING created_at",
		acc.ID,
	).Scan(&acc.CreatedAt)
	if err != nil {
		return domain.Account{}, domain.Unavailable("create account", err)
	}
	return acc, nil
}

// GetAccount retrieves a single account by ID.
func (s *Postgres) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	var acc domain.Account
	err := s.db.QueryRow(ctx,
		"SELECT id, balance, created_at FROM accounts WHERE id = $1", id,
	).Scan(&acc.ID, &acc.Balance, &acc.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Account{}, domain.ErrAccountNotFound
	}
	if err != nil {
		return domain.Account{}, domain.Unavailable("get account", err)
	}
	return acc, nil
}

// Apply runs plan against the locked balance and persists the entries it
// returns together with the balance update, or nothing at all.
func (s *Postgres) Apply(ctx context.Context, accountID string, plan domain.Plan) (domain.BalanceChange, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return domain.BalanceChange{}, domain.Unavailable("tx begin", err)
	}
	defer tx.Rollback(ctx)

	var balance int64
	err = tx.QueryRow(ctx, "SELECT balance FROM accounts WHERE id = $1 FOR UPDATE", accountID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.BalanceChange{}, domain.ErrAccountNotFound
	}
	if err != nil {
		return domain.BalanceChange{}, domain.Unavailable("lock account", err)
	}

	entries, err := plan(balance)
	if err != nil {
		return domain.BalanceChange{}, err
	}
	change := domain.BalanceChange{AccountID: accountID, Previous: balance, Current: balance}
	if len(entries) == 0 {
		return change, nil
	}

	var total int64
	for i := range entries {
		e := &entries[i]
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		e.AccountID = accountID
		err = tx.QueryRow(ctx,
			`INSERT INTO ledger_entries (id, account_id, delta, reason, distribution_id, download_id, bucket_minute, platform)
			 VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7::BIGINT, 0), NULLIF($8, ''))
			 RETURNING created_at`,
			e.ID, accountID, e.Delta, e.Reason, e.DistributionID, e.DownloadID, e.BucketMinute, string(e.Platform),
		).Scan(&e.CreatedAt)
		if err != nil {
			return domain.BalanceChange{}, domain.Unavailable("ledger insert", err)
		}
		total += e.Delta
	}

	err = tx.QueryRow(ctx,
		"UPDATE accounts SET balance = balance + $1 WHERE id = $2 RETURNING balance",
		total, accountID,
	).Scan(&change.Current)
	if err != nil {
		return domain.BalanceChange{}, domain.Unavailable("balance update", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return domain.BalanceChange{}, domain.Unavailable("tx commit", err)
	}
	change.Entries = entries
	return change, nil
}

// TryAcquire inserts the dedupe row; an existing row means already billed.
func (s *Postgres) TryAcquire(ctx context.Context, key domain.DedupeKey) (domain.AcquireResult, error) {
	tag, err := s.db.Exec(ctx,
		`INSERT INTO point_dedupe (account_id, distribution_id, platform, bucket_minute)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT DO NOTHING`,
		key.AccountID, key.DistributionID, string(key.Platform), key.BucketMinute,
	)
	if err != nil {
		if isPgCode(err, pgUniqueViolation) {
			return domain.AlreadyBilled, nil
		}
		return 0, domain.Unavailable("dedupe insert", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.AlreadyBilled, nil
	}
	return domain.Acquired, nil
}

// ListEntries retrieves ledger entries for an account, newest first.
// Entries from one unit share created_at, so insertion order comes from seq.
func (s *Postgres) ListEntries(ctx context.Context, accountID string, limit int) ([]domain.LedgerEntry, error) {
	var exists bool
	err := s.db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM accounts WHERE id=$1)", accountID).Scan(&exists)
	if err != nil {
		return nil, domain.Unavailable("account lookup", err)
	}
	if !exists {
		return nil, domain.ErrAccountNotFound
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(ctx,
		`SELECT id, account_id, delta, reason, COALESCE(distribution_id, ''), COALESCE(download_id, ''),
		        COALESCE(bucket_minute, 0), COALESCE(platform, ''), created_at
		 FROM ledger_entries WHERE account_id = $1
		 ORDER BY seq DESC LIMIT $2`,
		accountID, limit)
	if err != nil {
		return nil, domain.Unavailable("list entries", err)
	}
	defer rows.Close()

	entries := []domain.LedgerEntry{}
	for rows.Next() {
		var e domain.LedgerEntry
		var platform string
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Delta, &e.Reason, &e.DistributionID,
			&e.DownloadID, &e.BucketMinute, &platform, &e.CreatedAt); err != nil {
			return nil, domain.Unavailable("scan entry", err)
		}
		e.Platform = domain.Platform(platform)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Unavailable("list entries", err)
	}
	return entries, nil
}

// SumDeltas totals the ledger for an account.
func (s *Postgres) SumDeltas(ctx context.Context, accountID string) (int64, error) {
	var sum int64
	err := s.db.QueryRow(ctx,
		"SELECT COALESCE(SUM(delta), 0)::BIGINT FROM ledger_entries WHERE account_id = $1", accountID,
	).Scan(&sum)
	if err != nil {
		return 0, domain.Unavailable("sum deltas", err)
	}
	return sum, nil
}

func (s *Postgres) PutDistribution(ctx context.Context, d domain.Distribution) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO distributions (id, code, owner_id, is_active, network_area)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5)
		 ON CONFLICT (id) DO UPDATE SET code = EXCLUDED.code, owner_id = EXCLUDED.owner_id,
		     is_active = EXCLUDED.is_active, network_area = EXCLUDED.network_area`,
		d.ID, d.Code, d.OwnerID, d.IsActive, d.NetworkArea,
	)
	if err != nil {
		if isPgCode(err, pgUniqueViolation) {
			return fmt.Errorf("distribution code %q: %w", d.Code, domain.ErrDuplicate)
		}
		return domain.Unavailable("put distribution", err)
	}
	return nil
}

func (s *Postgres) GetDistribution(ctx context.Context, id string) (domain.Distribution, error) {
	var d domain.Distribution
	err := s.db.QueryRow(ctx,
		"SELECT id, code, COALESCE(owner_id, ''), is_active, network_area FROM distributions WHERE id = $1", id,
	).Scan(&d.ID, &d.Code, &d.OwnerID, &d.IsActive, &d.NetworkArea)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Distribution{}, domain.ErrDistributionNotFound
	}
	if err != nil {
		return domain.Distribution{}, domain.Unavailable("get distribution", err)
	}
	return d, nil
}

// RecordDownload bumps today's counter and returns today's and lifetime totals.
func (s *Postgres) RecordDownload(ctx context.Context, distributionID string, platform domain.Platform, at time.Time) (domain.DownloadTotals, error) {
	var apk, ipa int64
	if platform == domain.PlatformAPK {
		apk = 1
	} else {
		ipa = 1
	}
	day := at.UTC().Format(time.DateOnly)

	var totals domain.DownloadTotals
	err := s.db.QueryRow(ctx,
		`INSERT INTO download_stats (distribution_id, day, apk_dl, ipa_dl)
		 VALUES ($1, $2::date, $3, $4)
		 ON CONFLICT (distribution_id, day) DO UPDATE
		 SET apk_dl = download_stats.apk_dl + EXCLUDED.apk_dl,
		     ipa_dl = download_stats.ipa_dl + EXCLUDED.ipa_dl
		 RETURNING apk_dl, ipa_dl`,
		distributionID, day, apk, ipa,
	).Scan(&totals.TodayAPK, &totals.TodayIPA)
	if err != nil {
		return domain.DownloadTotals{}, domain.Unavailable("record download", err)
	}

	err = s.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(apk_dl), 0)::BIGINT, COALESCE(SUM(ipa_dl), 0)::BIGINT
		 FROM download_stats WHERE distribution_id = $1`,
		distributionID,
	).Scan(&totals.TotalAPK, &totals.TotalIPA)
	if err != nil {
		return domain.DownloadTotals{}, domain.Unavailable("download totals", err)
	}

	totals.TodayTotal = totals.TodayAPK + totals.TodayIPA
	totals.TotalTotal = totals.TotalAPK + totals.TotalIPA
	return totals, nil
}

func (s *Postgres) CreateMonitor(ctx context.Context, m domain.Monitor) (domain.Monitor, error) {
	err := s.db.QueryRow(ctx,
		`INSERT INTO monitor_records (owner_id, kind, threshold, metric, distribution_code, target, message, is_active)
		 VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8)
		 RETURNING id, created_at`,
		m.OwnerID, string(m.Kind), m.Threshold, string(m.Metric), m.DistributionCode, m.Target, m.Message, m.IsActive,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		if isPgCode(err, pgForeignKeyViolation) {
			return domain.Monitor{}, domain.ErrAccountNotFound
		}
		return domain.Monitor{}, domain.Unavailable("create monitor", err)
	}
	return m, nil
}

func (s *Postgres) ListMonitors(ctx context.Context, ownerID string) ([]domain.Monitor, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, owner_id, kind, threshold, COALESCE(metric, ''), COALESCE(distribution_code, ''),
		        target, message, is_active, created_at
		 FROM monitor_records WHERE owner_id = $1 ORDER BY id DESC`,
		ownerID)
	if err != nil {
		return nil, domain.Unavailable("list monitors", err)
	}
	defer rows.Close()

	monitors := []domain.Monitor{}
	for rows.Next() {
		var m domain.Monitor
		var kind, metric string
		if err := rows.Scan(&m.ID, &m.OwnerID, &kind, &m.Threshold, &metric, &m.DistributionCode,
			&m.Target, &m.Message, &m.IsActive, &m.CreatedAt); err != nil {
			return nil, domain.Unavailable("scan monitor", err)
		}
		m.Kind = domain.MonitorKind(kind)
		m.Metric = domain.DownloadMetric(metric)
		monitors = append(monitors, m)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Unavailable("list monitors", err)
	}
	return monitors, nil
}

// DeleteMonitor removes one of ownerID's monitors; another owner's id is not found.
func (s *Postgres) DeleteMonitor(ctx context.Context, ownerID string, id int64) (bool, error) {
	tag, err := s.db.Exec(ctx, "DELETE FROM monitor_records WHERE id = $1 AND owner_id = $2", id, ownerID)
	if err != nil {
		return false, domain.Unavailable("delete monitor", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Postgres) TelegramToken(ctx context.Context, ownerID string) (string, error) {
	var token string
	err := s.db.QueryRow(ctx,
		"SELECT COALESCE(telegram_bot_token, '') FROM accounts WHERE id = $1", ownerID,
	).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", domain.ErrAccountNotFound
	}
	if err != nil {
		return "", domain.Unavailable("telegram token", err)
	}
	return token, nil
}

func (s *Postgres) SetTelegramToken(ctx context.Context, ownerID, token string) error {
	tag, err := s.db.Exec(ctx,
		"UPDATE accounts SET telegram_bot_token = NULLIF($1, '') WHERE id = $2", token, ownerID,
	)
	if err != nil {
		return domain.Unavailable("set telegram token", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

func (s *Postgres) CreateOrder(ctx context.Context, o domain.PaymentOrder) (domain.PaymentOrder, error) {
	o.Status = domain.OrderPending
	err := s.db.QueryRow(ctx,
		`INSERT INTO payment_orders (merchant_trade_no, account_id, points, amount, status)
		 VALUES ($1, $2, $3, $4, $5) RETURNING created_at`,
		o.TradeNo, o.AccountID, o.Points, o.Amount, o.Status,
	).Scan(&o.CreatedAt)
	if err != nil {
		switch {
		case isPgCode(err, pgForeignKeyViolation):
			return domain.PaymentOrder{}, domain.ErrAccountNotFound
		case isPgCode(err, pgUniqueViolation):
			return domain.PaymentOrder{}, fmt.Errorf("order %s: %w", o.TradeNo, domain.ErrDuplicate)
		}
		return domain.PaymentOrder{}, domain.Unavailable("create order", err)
	}
	return o, nil
}

const orderColumns = "merchant_trade_no, account_id, points, amount, status, created_at, paid_at"

func scanOrder(row pgx.Row) (domain.PaymentOrder, error) {
	var o domain.PaymentOrder
	err := row.Scan(&o.TradeNo, &o.AccountID, &o.Points, &o.Amount, &o.Status, &o.CreatedAt, &o.PaidAt)
	return o, err
}

func (s *Postgres) GetOrder(ctx context.Context, tradeNo string) (domain.PaymentOrder, error) {
	o, err := scanOrder(s.db.QueryRow(ctx,
		"SELECT "+orderColumns+" FROM payment_orders WHERE merchant_trade_no = $1", tradeNo))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PaymentOrder{}, domain.ErrOrderNotFound
	}
	if err != nil {
		return domain.PaymentOrder{}, domain.Unavailable("get order", err)
	}
	return o, nil
}

// ClaimOrder flips a pending order to PAID. Exactly one caller observes
// claimed=true for a given order; paid and failed orders are never claimed.
func (s *Postgres) ClaimOrder(ctx context.Context, tradeNo string) (domain.PaymentOrder, bool, error) {
	o, err := scanOrder(s.db.QueryRow(ctx,
		`UPDATE payment_orders SET status = 'PAID', paid_at = now()
		 WHERE merchant_trade_no = $1 AND status = 'PENDING'
		 RETURNING `+orderColumns, tradeNo))
	if err == nil {
		return o, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.PaymentOrder{}, false, domain.Unavailable("claim order", err)
	}
	o, err = s.GetOrder(ctx, tradeNo)
	if err != nil {
		return domain.PaymentOrder{}, false, err
	}
	return o, false, nil
}

// ReleaseOrder undoes a claim whose recharge did not commit.
func (s *Postgres) ReleaseOrder(ctx context.Context, tradeNo string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE payment_orders SET status = 'PENDING', paid_at = NULL
		 WHERE merchant_trade_no = $1 AND status = 'PAID'`, tradeNo)
	if err != nil {
		return domain.Unavailable("release order", err)
	}
	return nil
}

func (s *Postgres) FailOrder(ctx context.Context, tradeNo string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE payment_orders SET status = 'FAILED'
		 WHERE merchant_trade_no = $1 AND status = 'PENDING'`, tradeNo)
	if err != nil {
		return domain.Unavailable("fail order", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetOrder(ctx, tradeNo); err != nil {
			return err
		}
	}
	return nil
}

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
