// Benchmark tool for load-testing SmartUnderwrite with synthetic applications.
//
// Usage:
//   go run cmd/benchmark/main.go -url http://localhost:8080 -count 10000
//
// This tool:
//   1. Generates synthetic loan applications across credit score bands
//   2. Submits each application for evaluation
//   3. Tallies outcomes (APPROVE/REJECT/MANUAL) and errors
//   4. Reports latency percentiles and throughput
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SubmitRequest is the SmartUnderwrite intake format.
type SubmitRequest struct {
	Amount         string    `json:"amount"`
	IncomeMonthly  string    `json:"incomeMonthly"`
	CreditScore    *int      `json:"creditScore,omitempty"`
	EmploymentType string    `json:"employmentType"`
	ProductType    string    `json:"productType"`
	Applicant      Applicant `json:"applicant"`
}

type Applicant struct {
	ID       string `json:"id"`
	FullName string `json:"fullName"`
}

// SubmitResponse is the intake response.
type SubmitResponse struct {
	Decision struct {
		Outcome string   `json:"outcome"`
		Score   int      `json:"score"`
		Reasons []string `json:"reasons"`
	} `json:"decision"`
}

// Metrics tracks benchmark results.
type Metrics struct {
	Approved  int64
	Rejected  int64
	Manual    int64
	Errors    int64
	Processed int64

	mu        sync.Mutex
	latencies []time.Duration
}

func (m *Metrics) record(d time.Duration) {
	m.mu.Lock()
	m.latencies = append(m.latencies, d)
	m.mu.Unlock()
}

var employmentTypes = []string{"Full-Time", "Part-Time", "Self-Employed", "Contract"}
var productTypes = []string{"Personal", "Auto", "Home-Improvement"}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "SmartUnderwrite base URL")
	affiliateID := flag.String("affiliate", "benchmark-test", "Affiliate ID for requests")
	count := flag.Int("count", 10000, "Number of applications to submit")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	nullRate := flag.Float64("null-rate", 0.05, "Fraction of applications with no credit score")
	verbose := flag.Bool("verbose", false, "Print each application result")
	flag.Parse()

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║       SMARTUNDERWRITE BENCHMARK - Synthetic Applications      ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nURL:          %s\n", *baseURL)
	fmt.Printf("Affiliate ID: %s\n", *affiliateID)
	fmt.Printf("Workers:      %d\n", *workers)
	fmt.Printf("Count:        %d\n", *count)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: SmartUnderwrite not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure the server is running:")
		fmt.Println("  go run cmd/smartunderwrite/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ SmartUnderwrite is healthy")

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(*baseURL, *affiliateID, *count, *workers, *nullRate, *verbose)
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

func syntheticRequest(rng *rand.Rand, seq int, nullRate float64) SubmitRequest {
	req := SubmitRequest{
		Amount:         fmt.Sprintf("%d.%02d", 1000+rng.Intn(49000), rng.Intn(100)),
		IncomeMonthly:  fmt.Sprintf("%d", 1500+rng.Intn(10000)),
		EmploymentType: employmentTypes[rng.Intn(len(employmentTypes))],
		ProductType:    productTypes[rng.Intn(len(productTypes))],
		Applicant: Applicant{
			ID:       fmt.Sprintf("bench-%06d", seq),
			FullName: fmt.Sprintf("Applicant %06d", seq),
		},
	}
	if rng.Float64() >= nullRate {
		score := 350 + rng.Intn(500)
		req.CreditScore = &score
	}
	return req
}

func runBenchmark(baseURL, affiliateID string, count, numWorkers int, nullRate float64, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan SubmitRequest, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for req := range work {
				start := time.Now()
				result, err := submitApplication(client, baseURL, affiliateID, req)
				elapsed := time.Since(start)

				metrics.record(elapsed)
				atomic.AddInt64(&metrics.Processed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.Errors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", req.Applicant.ID, err)
					}
					continue
				}

				switch result.Decision.Outcome {
				case "APPROVE":
					atomic.AddInt64(&metrics.Approved, 1)
				case "REJECT":
					atomic.AddInt64(&metrics.Rejected, 1)
				default:
					atomic.AddInt64(&metrics.Manual, 1)
				}

				if verbose {
					score := "null"
					if req.CreditScore != nil {
						score = fmt.Sprintf("%d", *req.CreditScore)
					}
					fmt.Printf("%-12s | Amount: %10s | Credit: %4s | %-7s (%d) | %v\n",
						req.Applicant.ID,
						req.Amount,
						score,
						result.Decision.Outcome,
						result.Decision.Score,
						elapsed.Round(time.Millisecond),
					)
				}
			}
		}()
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := 0; i < count; i++ {
		work <- syntheticRequest(rng, i, nullRate)
	}
	close(work)

	wg.Wait()

	return metrics
}

func submitApplication(client *http.Client, baseURL, affiliateID string, req SubmitRequest) (*SubmitResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/applications", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Affiliate-ID", affiliateID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 OUTCOMES\n")
	fmt.Printf("   Processed:  %d\n", m.Processed)
	fmt.Printf("   Approved:   %d\n", m.Approved)
	fmt.Printf("   Rejected:   %d\n", m.Rejected)
	fmt.Printf("   Manual:     %d\n", m.Manual)
	fmt.Printf("   Errors:     %d\n", m.Errors)

	m.mu.Lock()
	sorted := make([]time.Duration, len(m.latencies))
	copy(sorted, m.latencies)
	m.mu.Unlock()
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:  %v\n", duration.Round(time.Millisecond))
	if len(sorted) > 0 {
		fmt.Printf("   p50 Latency:     %v\n", percentile(sorted, 0.50).Round(time.Microsecond))
		fmt.Printf("   p95 Latency:     %v\n", percentile(sorted, 0.95).Round(time.Microsecond))
		fmt.Printf("   p99 Latency:     %v\n", percentile(sorted, 0.99).Round(time.Microsecond))
		fmt.Printf("   Max Latency:     %v\n", sorted[len(sorted)-1].Round(time.Microsecond))
		fmt.Printf("   Throughput:      %.2f apps/sec\n", float64(m.Processed)/duration.Seconds())
	}

	fmt.Println()
}
