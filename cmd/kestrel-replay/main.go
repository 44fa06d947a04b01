// Replay tool for measuring Kestrel against labelled decision requests.
//
// Usage:
//
//	go run ./cmd/kestrel-replay -csv /path/to/cases.csv -url http://localhost:8080
//
// The CSV needs a header with user_id, kind, priority and expected_label
// columns; module and amount are optional. Each row is posted to
// POST /decisions, the chosen label is compared with expected_label and the
// outcome is reported back through POST /decisions/{id}/feedback.
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Case is one labelled request.
type Case struct {
	UserID        string
	Kind          string
	Module        string
	Priority      string
	Amount        float64
	ExpectedLabel string
}

// decisionRequest mirrors the POST /decisions body.
type decisionRequest struct {
	UserID   string         `json:"userId"`
	Kind     string         `json:"kind"`
	Module   string         `json:"module,omitempty"`
	Priority string         `json:"priority"`
	Payload  map[string]any `json:"payload,omitempty"`
}

type decisionResponse struct {
	ID         string  `json:"id"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Escalated  bool    `json:"escalated"`
}

// Stats accumulates replay results.
type Stats struct {
	Processed int64
	Correct   int64
	Escalated int64
	Errors    int64
	LatencyMs int64

	mu        sync.Mutex
	latencies []int64
}

func (s *Stats) observe(ms int64) {
	atomic.AddInt64(&s.LatencyMs, ms)
	s.mu.Lock()
	s.latencies = append(s.latencies, ms)
	s.mu.Unlock()
}

// Percentile returns the p-th latency percentile in milliseconds.
func (s *Stats) Percentile(p float64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.latencies) == 0 {
		return 0
	}
	sorted := append([]int64(nil), s.latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

// Accuracy is the share of successful decisions that matched their label.
func (s *Stats) Accuracy() float64 {
	ok := s.Processed - s.Errors
	if ok <= 0 {
		return 0
	}
	return float64(s.Correct) / float64(ok)
}

func main() {
	csvPath := flag.String("csv", "", "Path to the labelled CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	tenantID := flag.String("tenant", "replay-test", "Tenant ID for requests")
	limit := flag.Int("limit", 0, "Maximum rows to replay (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	feedback := flag.Bool("feedback", true, "Report each outcome as feedback")
	verbose := flag.Bool("verbose", false, "Print each result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: kestrel-replay -csv /path/to/cases.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	if err := checkHealth(client, *baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		os.Exit(1)
	}

	f, err := os.Open(*csvPath)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	cases, err := ReadCases(f, *limit)
	f.Close()
	if err != nil {
		fmt.Printf("ERROR: failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d cases from %s\n", len(cases), *csvPath)

	start := time.Now()
	stats := Replay(client, *baseURL, *tenantID, cases, *workers, *feedback, *verbose)
	printResults(stats, time.Since(start))
}

func checkHealth(client *http.Client, baseURL string) error {
	resp, err := client.Get(baseURL + "/ready")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: status %d", resp.StatusCode)
	}
	return nil
}

// ReadCases parses the labelled CSV. Rows missing a required column are
// skipped.
func ReadCases(r io.Reader, limit int) ([]Case, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	col := make(map[string]int)
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"user_id", "kind", "priority", "expected_label"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}

	get := func(rec []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var cases []Case
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue
		}

		c := Case{
			UserID:        get(rec, "user_id"),
			Kind:          get(rec, "kind"),
			Module:        get(rec, "module"),
			Priority:      get(rec, "priority"),
			ExpectedLabel: get(rec, "expected_label"),
		}
		if c.UserID == "" || c.Kind == "" || c.ExpectedLabel == "" {
			continue
		}
		if v := get(rec, "amount"); v != "" {
			c.Amount, _ = strconv.ParseFloat(v, 64)
		}
		cases = append(cases, c)

		if limit > 0 && len(cases) >= limit {
			break
		}
	}
	return cases, nil
}

// Replay posts every case with numWorkers concurrent clients.
func Replay(client *http.Client, baseURL, tenantID string, cases []Case, numWorkers int, feedback, verbose bool) *Stats {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	stats := &Stats{}
	work := make(chan Case, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range work {
				start := time.Now()
				d, err := decide(client, baseURL, tenantID, c)
				stats.observe(time.Since(start).Milliseconds())
				atomic.AddInt64(&stats.Processed, 1)

				if err != nil {
					atomic.AddInt64(&stats.Errors, 1)
					if verbose {
						fmt.Printf("ERROR: %s/%s -> %v\n", c.Kind, c.Module, err)
					}
					continue
				}

				correct := d.Label == c.ExpectedLabel
				if correct {
					atomic.AddInt64(&stats.Correct, 1)
				}
				if d.Escalated {
					atomic.AddInt64(&stats.Escalated, 1)
				}
				if feedback {
					if err := sendFeedback(client, baseURL, tenantID, d.ID, correct, c.ExpectedLabel); err != nil && verbose {
						fmt.Printf("ERROR: feedback for %s -> %v\n", d.ID, err)
					}
				}

				if verbose {
					mark := "ok"
					if !correct {
						mark = "MISS"
					}
					fmt.Printf("%-4s %-24s | %-20s | expected %-16s got %-16s (%.3f) escalated=%v\n",
						mark, c.Kind, c.Module, c.ExpectedLabel, d.Label, d.Confidence, d.Escalated)
				}
			}
		}()
	}

	for _, c := range cases {
		work <- c
	}
	close(work)
	wg.Wait()

	return stats
}

func decide(client *http.Client, baseURL, tenantID string, c Case) (*decisionResponse, error) {
	req := decisionRequest{
		UserID:   c.UserID,
		Kind:     c.Kind,
		Module:   c.Module,
		Priority: c.Priority,
	}
	if c.Amount != 0 {
		req.Payload = map[string]any{"amount": c.Amount}
	}

	var d decisionResponse
	if err := post(client, baseURL+"/decisions", tenantID, req, http.StatusCreated, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func sendFeedback(client *http.Client, baseURL, tenantID, decisionID string, correct bool, actual string) error {
	body := map[string]any{"correct": correct, "actualOutcome": actual}
	return post(client, baseURL+"/decisions/"+decisionID+"/feedback", tenantID, body, http.StatusCreated, nil)
}

func post(client *http.Client, url, tenantID string, body any, want int, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printResults(s *Stats, duration time.Duration) {
	fmt.Println()
	fmt.Println("REPLAY RESULTS")
	fmt.Println()
	fmt.Printf("   Processed:     %d\n", s.Processed)
	fmt.Printf("   Errors:        %d\n", s.Errors)
	fmt.Printf("   Correct:       %d\n", s.Correct)
	fmt.Printf("   Accuracy:      %.4f\n", s.Accuracy())
	if ok := s.Processed - s.Errors; ok > 0 {
		fmt.Printf("   Escalated:     %d (%.2f%%)\n", s.Escalated, 100*float64(s.Escalated)/float64(ok))
	}
	fmt.Println()
	fmt.Printf("   Duration:      %v\n", duration.Round(time.Millisecond))
	if s.Processed > 0 {
		fmt.Printf("   Avg Latency:   %.2f ms\n", float64(s.LatencyMs)/float64(s.Processed))
		fmt.Printf("   p95 Latency:   %d ms\n", s.Percentile(0.95))
		fmt.Printf("   Throughput:    %.2f req/sec\n", float64(s.Processed)/duration.Seconds())
	}
	fmt.Println()
}
