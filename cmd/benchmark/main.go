package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Config holds the benchmark settings
var (
	targetURL    string
	concurrency  int
	duration     time.Duration
	workload     string
	accountsFile string
)

// Metrics
var (
	totalRequests uint64
	committed     uint64
	deduped       uint64
	insufficient  uint64 // 402
	failOther     uint64
)

var distributionIDs = []string{"bench-local", "bench-cn"}

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.StringVar(&accountsFile, "accounts", "accounts.txt", "Account ids written by the seeder")
}

func main() {
	flag.Parse()
	if workload != "uniform" && workload != "hotspot" {
		log.Fatalf("unknown workload %q", workload)
	}

	accounts, err := readAccounts(accountsFile)
	if err != nil {
		log.Fatalf("load accounts: %v", err)
	}
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s | Accounts: %d", workload, concurrency, duration, len(accounts))

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for range concurrency {
		g.Go(func() error {
			worker(ctx, accounts)
			return nil
		})
	}
	_ = g.Wait()
	printResults(time.Since(start))
}

func worker(ctx context.Context, accounts []string) {
	client := &http.Client{Timeout: 5 * time.Second}

	for ctx.Err() == nil {
		body, _ := json.Marshal(nextRequest(accounts))

		req, _ := http.NewRequestWithContext(ctx, http.MethodPost, targetURL+"/api/v1/billing/downloads", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() == nil {
				atomic.AddUint64(&failOther, 1)
			}
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case http.StatusOK:
			var res struct {
				Deduped bool `json:"deduped"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&res); err == nil && res.Deduped {
				atomic.AddUint64(&deduped, 1)
			} else {
				atomic.AddUint64(&committed, 1)
			}
		case http.StatusPaymentRequired:
			atomic.AddUint64(&insufficient, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

type billRequest struct {
	AccountID      string `json:"account_id"`
	DistributionID string `json:"distribution_id"`
	Platform       string `json:"platform"`
}

func nextRequest(accounts []string) billRequest {
	// Hotspot: 90% of traffic repeats one billing key, so nearly all of it dedupes.
	if workload == "hotspot" && rand.Float32() < 0.90 {
		return billRequest{AccountID: accounts[0], DistributionID: distributionIDs[0], Platform: "apk"}
	}

	platform := "apk"
	if rand.IntN(2) == 1 {
		platform = "ipa"
	}
	return billRequest{
		AccountID:      accounts[rand.IntN(len(accounts))],
		DistributionID: distributionIDs[rand.IntN(len(distributionIDs))],
		Platform:       platform,
	}
}

func readAccounts(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var ids []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if id := strings.TrimSpace(sc.Text()); id != "" {
			ids = append(ids, id)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%s contains no account ids", path)
	}
	return ids, nil
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	ok := atomic.LoadUint64(&committed)
	dup := atomic.LoadUint64(&deduped)
	f402 := atomic.LoadUint64(&insufficient)
	fErr := atomic.LoadUint64(&failOther)

	var dedupeRate float64
	if total > 0 {
		dedupeRate = float64(dup) / float64(total) * 100
	}

	results := map[string]any{
		"workload":         workload,
		"duration_sec":     d.Seconds(),
		"total_requests":   total,
		"throughput_rps":   float64(total) / d.Seconds(),
		"committed":        ok,
		"deduped":          dup,
		"dedupe_rate_pct":  dedupeRate,
		"insufficient_402": f402,
		"errors":           fErr,
	}

	// Print JSON for the python plotter to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("save results: %v", err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
