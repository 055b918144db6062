// Benchmark tool for load testing wastebill period runs.
//
// Usage:
//
//	go run ./cmd/benchmark -url http://localhost:8080 -contracts 50 -events 200
//	go run ./cmd/benchmark -csv collections.csv -contracts 10
//
// This tool:
//  1. Registers N contracts with the standard three-band tier table and SLA
//  2. Records usage and collection events for one month per contract, either
//     synthesized or replayed from a collection log CSV
//  3. Runs every contract's period concurrently and reports latency, errors,
//     and the billed, credited, and net amounts
//
// CSV columns (header required): event_id, requested_at, arrived_at,
// completed_at, status, waste_type, kg. Times are RFC 3339; arrived_at and
// completed_at may be empty for missed pickups.
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/wastebill/internal/domain"
)

// Collection is one row of the collection log.
type Collection struct {
	EventID     string
	RequestedAt time.Time
	ArrivedAt   *time.Time
	CompletedAt *time.Time
	Status      domain.EventStatus
	WasteType   string
	Kg          decimal.Decimal
}

// Metrics tracks benchmark results
type Metrics struct {
	Runs   int64
	Errors int64

	Billed   int64
	Credited int64
	Penalty  int64
	Net      int64

	mu        sync.Mutex
	latencies []time.Duration
}

func (m *Metrics) observe(d time.Duration) {
	m.mu.Lock()
	m.latencies = append(m.latencies, d)
	m.mu.Unlock()
}

func main() {
	csvPath := flag.String("csv", "", "Collection log CSV to replay (default: synthesize)")
	baseURL := flag.String("url", "http://localhost:8080", "wastebill base URL")
	contracts := flag.Int("contracts", 20, "Number of contracts to register")
	events := flag.Int("events", 100, "Synthesized events per contract")
	period := flag.String("period", "2025-03", "Billing period to run")
	workers := flag.Int("workers", 10, "Number of concurrent runs")
	missRate := flag.Float64("miss-rate", 0.05, "Share of synthesized pickups that are missed")
	verbose := flag.Bool("verbose", false, "Print each run result")
	flag.Parse()

	p, err := domain.ParsePeriod(*period)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("WASTEBILL BENCHMARK - period runs")
	fmt.Printf("\nURL:        %s\n", *baseURL)
	fmt.Printf("Contracts:  %d\n", *contracts)
	fmt.Printf("Period:     %s\n", p.Key)
	fmt.Printf("Workers:    %d\n", *workers)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: wastebill not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure wastebill is running:")
		fmt.Println("  go run ./cmd/wastebill")
		os.Exit(1)
	}
	fmt.Println("wastebill is healthy")

	var log []Collection
	if *csvPath != "" {
		if log, err = readCollections(*csvPath); err != nil {
			fmt.Printf("ERROR: failed to read CSV: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Loaded %d collections from %s\n", len(log), *csvPath)
	}

	client := &http.Client{Timeout: 60 * time.Second}
	prefix := fmt.Sprintf("BENCH-%d", time.Now().Unix())
	ids := make([]string, 0, *contracts)

	fmt.Printf("\nSeeding %d contracts...\n", *contracts)
	for i := 0; i < *contracts; i++ {
		id := fmt.Sprintf("%s-%04d", prefix, i)
		rows := log
		if rows == nil {
			rows = synthesize(p, *events, *missRate)
		}
		if err := seed(client, *baseURL, id, rows); err != nil {
			fmt.Printf("ERROR: seeding %s: %v\n", id, err)
			os.Exit(1)
		}
		ids = append(ids, id)
	}

	fmt.Printf("\nRunning %d periods with %d workers...\n", len(ids), *workers)
	start := time.Now()
	metrics := runBenchmark(client, *baseURL, p.Key, ids, *workers, *verbose)
	printResults(metrics, time.Since(start))
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

func readCollections(path string) ([]Collection, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	col := make(map[string]int)
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}

	optionalTime := func(s string) *time.Time {
		if s == "" {
			return nil
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil
		}
		return &t
	}

	var out []Collection
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}
		requested, err := time.Parse(time.RFC3339, record[col["requested_at"]])
		if err != nil {
			continue
		}
		kg, err := decimal.NewFromString(record[col["kg"]])
		if err != nil {
			kg = decimal.Zero
		}
		out = append(out, Collection{
			EventID:     record[col["event_id"]],
			RequestedAt: requested.UTC(),
			ArrivedAt:   optionalTime(record[col["arrived_at"]]),
			CompletedAt: optionalTime(record[col["completed_at"]]),
			Status:      domain.EventStatus(record[col["status"]]),
			WasteType:   record[col["waste_type"]],
			Kg:          kg,
		})
	}
	return out, nil
}

// synthesize spreads n pickups over the period. Most arrive inside the
// 08:00-12:00 window; some are late and missRate of them are missed.
func synthesize(p domain.Period, n int, missRate float64) []Collection {
	days := int(p.End.Sub(p.Start).Hours() / 24)
	types := []string{"paper", "plastic"}
	out := make([]Collection, 0, n)
	for i := 0; i < n; i++ {
		requested := p.Start.AddDate(0, 0, i%days).Add(8 * time.Hour)
		c := Collection{
			EventID:     fmt.Sprintf("EV-%05d", i),
			RequestedAt: requested,
			Status:      domain.EventCompleted,
			WasteType:   types[i%len(types)],
			Kg:          decimal.NewFromInt(int64(5 + rand.Intn(40))),
		}
		if rand.Float64() < missRate {
			c.Status = domain.EventMissed
			c.Kg = decimal.Zero
		} else {
			arrived := requested.Add(time.Duration(30+rand.Intn(300)) * time.Minute)
			completed := arrived.Add(20 * time.Minute)
			c.ArrivedAt, c.CompletedAt = &arrived, &completed
		}
		out = append(out, c)
	}
	return out
}

func seed(client *http.Client, baseURL, id string, rows []Collection) error {
	if err := post(client, baseURL+"/contracts", contract(id), http.StatusCreated); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	var usage []*domain.CollectionUsageRecord
	var events []*domain.CollectionEvent
	for _, r := range rows {
		eventID := id + "-" + r.EventID
		events = append(events, &domain.CollectionEvent{
			ID:          eventID,
			WasteTypes:  []string{r.WasteType},
			Status:      r.Status,
			RequestedAt: r.RequestedAt,
			ArrivedAt:   r.ArrivedAt,
			CompletedAt: r.CompletedAt,
		})
		if r.Status != domain.EventMissed && r.CompletedAt != nil && r.Kg.IsPositive() {
			usage = append(usage, &domain.CollectionUsageRecord{
				ID:         eventID + "-U",
				EventID:    eventID,
				PickupAt:   *r.CompletedAt,
				Categories: map[string]decimal.Decimal{r.WasteType: r.Kg},
			})
		}
	}
	if err := post(client, baseURL+"/contracts/"+id+"/usage", usage, http.StatusCreated); err != nil {
		return fmt.Errorf("usage: %w", err)
	}
	if err := post(client, baseURL+"/contracts/"+id+"/events", events, http.StatusCreated); err != nil {
		return fmt.Errorf("events: %w", err)
	}
	return nil
}

func contract(id string) *domain.Contract {
	epoch := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	from := domain.DateRange{EffectiveDate: epoch}
	band2, band3 := decimal.NewFromInt(201), decimal.NewFromInt(501)
	maxPenalty := domain.Money(5000)
	return &domain.Contract{
		ID:               id,
		ClientID:         "CL-BENCH",
		Name:             "benchmark contract",
		Status:           domain.StatusActive,
		EffectiveDate:    epoch,
		Currency:         "NGN",
		ServiceFrequency: "weekly",
		Pricing: domain.PricingConfiguration{
			WasteTypes: []domain.WasteTypePricing{
				{ID: "R-paper", WasteType: "paper", RatePerKg: decimal.NewFromInt(50), DateRange: from},
				{ID: "R-plastic", WasteType: "plastic", RatePerKg: decimal.NewFromInt(80), DateRange: from},
			},
			VolumeTiers: []domain.VolumeTier{
				{ID: "T-1", MinVolume: decimal.Zero, MaxVolume: &band2, DiscountPercentage: decimal.Zero, DateRange: from},
				{ID: "T-2", MinVolume: band2, MaxVolume: &band3, DiscountPercentage: decimal.NewFromInt(10), DateRange: from},
				{ID: "T-3", MinVolume: band3, DiscountPercentage: decimal.NewFromInt(15), DateRange: from},
			},
		},
		SLA: []domain.SLAConfiguration{{
			ID:                   "SLA-BENCH",
			Tier:                 domain.SLAStandard,
			ResponseTimeMinutes:  240,
			PickupWindow:         domain.PickupWindow{Start: "08:00", End: "12:00"},
			TargetCompletionRate: decimal.NewFromInt(95),
			PenaltyRules: []domain.SLAPenaltyRule{
				{ID: "P-LATE", Trigger: domain.BreachLatePickup, PenaltyType: domain.PenaltyServiceCredit,
					Value: decimal.NewFromInt(10), CalculationMethod: domain.MethodPercentageOfCharge, MaxPenalty: &maxPenalty},
				{ID: "P-MISSED", Trigger: domain.BreachMissedPickup, PenaltyType: domain.PenaltyFixed, Value: decimal.NewFromInt(2500)},
			},
			DateRange: from,
		}},
		Coverage: domain.Coverage{WasteTypes: []string{"paper", "plastic"}},
	}
}

func post(client *http.Client, url string, body any, want int) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}

func runBenchmark(client *http.Client, baseURL, period string, ids []string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}
	work := make(chan string, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range work {
				start := time.Now()
				summary, err := runPeriod(client, baseURL, id, period)
				metrics.observe(time.Since(start))
				atomic.AddInt64(&metrics.Runs, 1)

				if err != nil {
					atomic.AddInt64(&metrics.Errors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", id, err)
					}
					continue
				}
				atomic.AddInt64(&metrics.Billed, int64(summary.Charge.Total))
				atomic.AddInt64(&metrics.Credited, int64(summary.CreditTotal))
				atomic.AddInt64(&metrics.Penalty, int64(summary.PenaltyTotal))
				atomic.AddInt64(&metrics.Net, int64(summary.NetAmount))

				if verbose {
					fmt.Printf("%s | total %10d | credits %8d | penalties %8d | net %10d | compliance %s%%\n",
						id,
						summary.Charge.Total,
						summary.CreditTotal,
						summary.PenaltyTotal,
						summary.NetAmount,
						summary.ComplianceRate.StringFixed(1),
					)
				}
			}
		}()
	}

	for _, id := range ids {
		work <- id
	}
	close(work)
	wg.Wait()

	return metrics
}

func runPeriod(client *http.Client, baseURL, id, period string) (*domain.PeriodSummary, error) {
	resp, err := client.Post(fmt.Sprintf("%s/contracts/%s/periods/%s/run", baseURL, id, period), "application/json", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	var summary domain.PeriodSummary
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	i := int(float64(len(sorted)-1) * p)
	return sorted[i]
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nBENCHMARK RESULTS")

	fmt.Printf("\nRUNS\n")
	fmt.Printf("   Completed:  %d\n", m.Runs-m.Errors)
	fmt.Printf("   Errors:     %d\n", m.Errors)

	fmt.Printf("\nAMOUNTS (minor units)\n")
	fmt.Printf("   Billed:     %d\n", m.Billed)
	fmt.Printf("   Credits:    %d\n", m.Credited)
	fmt.Printf("   Penalties:  %d\n", m.Penalty)
	fmt.Printf("   Net:        %d\n", m.Net)

	sort.Slice(m.latencies, func(i, j int) bool { return m.latencies[i] < m.latencies[j] })
	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:  %v\n", duration.Round(time.Millisecond))
	if m.Runs > 0 {
		fmt.Printf("   p50 Latency:     %v\n", percentile(m.latencies, 0.50).Round(time.Microsecond))
		fmt.Printf("   p95 Latency:     %v\n", percentile(m.latencies, 0.95).Round(time.Microsecond))
		fmt.Printf("   p99 Latency:     %v\n", percentile(m.latencies, 0.99).Round(time.Microsecond))
		fmt.Printf("   Throughput:      %.2f runs/sec\n", float64(m.Runs)/duration.Seconds())
	}
	fmt.Println()
}
