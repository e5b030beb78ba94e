package main

import (
	"bufio"
	"context"
	"flag"
	"log"
	"os"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/punchamoorthee/pointledger/internal/config"
	"github.com/punchamoorthee/pointledger/internal/domain"
	"github.com/punchamoorthee/pointledger/internal/logger"
	"github.com/punchamoorthee/pointledger/internal/store"
	"go.uber.org/zap"
)

const seedReason = domain.ReasonRecharge + ":seed"

// Demo distributions, one per pricing tier.
var distributions = []domain.Distribution{
	{ID: "bench-local", Code: "benchlocal", IsActive: true, NetworkArea: "US"},
	{ID: "bench-cn", Code: "benchcn", IsActive: true, NetworkArea: "CN"},
}

func main() {
	var (
		total   = flag.Int("accounts", 1000, "number of accounts to create")
		balance = flag.Int64("balance", 10000, "opening balance per account")
		out     = flag.String("out", "accounts.txt", "file receiving the created account ids")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logg, err := logger.New(logger.Config{ServiceName: "pointledger-seeder", Environment: cfg.Env, Level: cfg.LogLevel, Format: "console"})
	if err != nil {
		log.Fatal(err)
	}
	defer logg.Sync()

	ctx := context.Background()
	pg, err := store.NewPostgres(ctx, cfg.DBSource)
	if err != nil {
		logg.Fatal("connect", zap.Error(err))
	}
	defer pg.Close()

	if err := store.Migrate(pg.Pool()); err != nil {
		logg.Fatal("migrate", zap.Error(err))
	}

	for _, d := range distributions {
		if err := pg.PutDistribution(ctx, d); err != nil {
			logg.Fatal("seed distribution", zap.String("id", d.ID), zap.Error(err))
		}
	}

	var count int
	if err := pg.Pool().QueryRow(ctx, "SELECT COUNT(*) FROM accounts").Scan(&count); err != nil {
		logg.Fatal("count accounts", zap.Error(err))
	}
	if count >= *total {
		logg.Info("database already seeded, skipping accounts", zap.Int("accounts", count))
		return
	}

	ids := make([]string, *total)
	accounts := make([][]any, *total)
	entries := make([][]any, *total)
	for i := range ids {
		ids[i] = uuid.NewString()
		accounts[i] = []any{ids[i], *balance}
		// Every opening balance is backed by a ledger entry.
		entries[i] = []any{uuid.NewString(), ids[i], *balance, seedReason}
	}

	tx, err := pg.Pool().Begin(ctx)
	if err != nil {
		logg.Fatal("begin", zap.Error(err))
	}
	defer tx.Rollback(ctx)

	n, err := tx.CopyFrom(ctx, pgx.Identifier{"accounts"}, []string{"id", "balance"}, pgx.CopyFromRows(accounts))
	if err != nil {
		logg.Fatal("copy accounts", zap.Error(err))
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"ledger_entries"}, []string{"id", "account_id", "delta", "reason"}, pgx.CopyFromRows(entries)); err != nil {
		logg.Fatal("copy ledger entries", zap.Error(err))
	}
	if err := tx.Commit(ctx); err != nil {
		logg.Fatal("commit", zap.Error(err))
	}

	if err := writeIDs(*out, ids); err != nil {
		logg.Fatal("write account ids", zap.String("file", *out), zap.Error(err))
	}
	logg.Info("seeded", zap.Int64("accounts", n), zap.Int64("balance", *balance), zap.String("ids_file", *out))
}

func writeIDs(path string, ids []string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, id := range ids {
		w.WriteString(id)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
