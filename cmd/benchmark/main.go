// Benchmark tool for load-testing Kite's event ingestion pipeline.
//
// Usage:
//   go run cmd/benchmark/main.go -url http://localhost:8080 -count 10000
//
// This tool:
//   1. Seeds one notification rule per trigger type via POST /rules
//   2. Fires synthetic trigger events at POST /events from concurrent workers
//   3. Reports latency, throughput, and match/dispatch statistics
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// EventRequest mirrors Kite's ingestion payload.
type EventRequest struct {
	Type            string `json:"type"`
	Recipient       string `json:"recipient"`
	CustomerType    string `json:"customerType,omitempty"`
	AgeInDays       int    `json:"ageInDays,omitempty"`
	DaysUntilExpiry int    `json:"daysUntilExpiry,omitempty"`
	DaysOverdue     int    `json:"daysOverdue,omitempty"`
}

// RuleRequest mirrors Kite's rule creation payload.
type RuleRequest struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	TriggerType string          `json:"triggerType"`
	Conditions  map[string]any  `json:"conditions,omitempty"`
	Channels    map[string]bool `json:"channels"`
}

// PlanResponse is the slice of the dispatch plan the benchmark cares about.
type PlanResponse struct {
	EventID      string `json:"eventId"`
	Instructions []any  `json:"instructions"`
	Metadata     struct {
		RulesMatched int `json:"rulesMatched"`
	} `json:"metadata"`
}

// Metrics tracks benchmark results.
type Metrics struct {
	TotalSent         int64
	TotalErrors       int64
	TotalAccepted     int64 // 202 from the async profile
	TotalMatched      int64
	TotalInstructions int64
	LatencySumMs      int64
	LatencyMaxMs      int64
}

var triggerTypes = []string{"package_arrival", "package_age", "mailbox_expiry", "payment_due"}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Kite base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	count := flag.Int("count", 10000, "Number of events to send")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	skipSeed := flag.Bool("skip-seed", false, "Skip creating benchmark rules")
	verbose := flag.Bool("verbose", false, "Print each event result")
	flag.Parse()

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║            KITE BENCHMARK - Event Ingestion Load              ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nKite URL:   %s\n", *baseURL)
	fmt.Printf("Tenant ID:  %s\n", *tenantID)
	fmt.Printf("Events:     %d\n", *count)
	fmt.Printf("Workers:    %d\n", *workers)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kite not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kite is running:")
		fmt.Println("  go run cmd/kite/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Kite is healthy")

	if !*skipSeed {
		if err := seedRules(*baseURL, *tenantID); err != nil {
			fmt.Printf("ERROR: Failed to seed rules: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("✓ Seeded %d benchmark rules\n", len(triggerTypes))
	}

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(*baseURL, *tenantID, *count, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// seedRules creates one rule per trigger type. Creation is an upsert, so
// rerunning the benchmark is safe.
func seedRules(baseURL, tenantID string) error {
	client := &http.Client{Timeout: 10 * time.Second}

	seeds := []RuleRequest{
		{
			ID:          "bench-arrival",
			Name:        "Benchmark arrival notice",
			TriggerType: "package_arrival",
			Channels:    map[string]bool{"email": true, "push": true},
		},
		{
			ID:          "bench-age",
			Name:        "Benchmark age reminder",
			TriggerType: "package_age",
			Conditions:  map[string]any{"age_days": 3},
			Channels:    map[string]bool{"sms": true},
		},
		{
			ID:          "bench-expiry",
			Name:        "Benchmark expiry warning",
			TriggerType: "mailbox_expiry",
			Conditions:  map[string]any{"days_before": 30},
			Channels:    map[string]bool{"email": true},
		},
		{
			ID:          "bench-payment",
			Name:        "Benchmark payment chase",
			TriggerType: "payment_due",
			Conditions:  map[string]any{"days_overdue": 1},
			Channels:    map[string]bool{"whatsapp": true},
		},
	}

	for _, rule := range seeds {
		body, _ := json.Marshal(rule)
		req, err := http.NewRequest(http.MethodPost, baseURL+"/rules", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Tenant-ID", tenantID)

		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			return fmt.Errorf("rule %s: status %d", rule.ID, resp.StatusCode)
		}
	}

	return nil
}

func runBenchmark(baseURL, tenantID string, count, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan EventRequest, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for ev := range work {
				start := time.Now()
				result, code, err := ingestEvent(client, baseURL, tenantID, ev)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.TotalSent, 1)
				atomic.AddInt64(&metrics.LatencySumMs, elapsed)
				for {
					max := atomic.LoadInt64(&metrics.LatencyMaxMs)
					if elapsed <= max || atomic.CompareAndSwapInt64(&metrics.LatencyMaxMs, max, elapsed) {
						break
					}
				}

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s/%s -> %v\n", ev.Type, ev.Recipient, err)
					}
					continue
				}

				if code == http.StatusAccepted {
					atomic.AddInt64(&metrics.TotalAccepted, 1)
					continue
				}

				if result.Metadata.RulesMatched > 0 {
					atomic.AddInt64(&metrics.TotalMatched, 1)
				}
				atomic.AddInt64(&metrics.TotalInstructions, int64(len(result.Instructions)))

				if verbose {
					fmt.Printf("✓ %-15s | recipient: %-10s | matched: %d | instructions: %d | %dms\n",
						ev.Type, ev.Recipient, result.Metadata.RulesMatched, len(result.Instructions), elapsed)
				}
			}
		}()
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := 0; i < count; i++ {
		work <- syntheticEvent(rng, i)
	}
	close(work)

	wg.Wait()

	return metrics
}

// syntheticEvent fabricates a plausible trigger event. Roughly half the
// measured values sit below the seeded thresholds so non-matches get
// exercised too.
func syntheticEvent(rng *rand.Rand, seq int) EventRequest {
	ev := EventRequest{
		Type:      triggerTypes[rng.Intn(len(triggerTypes))],
		Recipient: fmt.Sprintf("box-%04d", seq%500),
	}

	switch ev.Type {
	case "package_age":
		ev.AgeInDays = rng.Intn(7)
	case "mailbox_expiry":
		ev.DaysUntilExpiry = rng.Intn(60)
	case "payment_due":
		ev.DaysOverdue = rng.Intn(3)
	}

	return ev
}

func ingestEvent(client *http.Client, baseURL, tenantID string, ev EventRequest) (*PlanResponse, int, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, 0, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/events", bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted {
		return nil, resp.StatusCode, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result PlanResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, resp.StatusCode, err
	}

	return &result, resp.StatusCode, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 PIPELINE STATISTICS\n")
	fmt.Printf("   Events Sent:         %d\n", m.TotalSent)
	fmt.Printf("   Errors:              %d\n", m.TotalErrors)
	if m.TotalAccepted > 0 {
		fmt.Printf("   Queued (async):      %d\n", m.TotalAccepted)
	}
	fmt.Printf("   Events Matched:      %d\n", m.TotalMatched)
	fmt.Printf("   Instructions Planned: %d\n", m.TotalInstructions)

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalSent > 0 {
		avgMs := float64(m.LatencySumMs) / float64(m.TotalSent)
		eps := float64(m.TotalSent) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Max Latency:      %d ms\n", m.LatencyMaxMs)
		fmt.Printf("   Throughput:       %.2f events/sec\n", eps)
	}

	fmt.Println()
}
