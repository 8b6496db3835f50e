// Команда loadtest нагружает HTTP API заказов сценариями create, create-update и create-delete
// и печатает сводку по задержкам и кодам ответов.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/orders"
)

const (
	codeOK             = "ok"
	codeTransportError = "transport_error"
	codeDecodeError    = "decode_error"
)

type loadMode string

const (
	modeCreate       loadMode = "create"
	modeCreateUpdate loadMode = "create-update"
	modeCreateDelete loadMode = "create-delete"
)

type config struct {
	baseURL     string
	total       int
	totalSet    bool
	duration    time.Duration
	concurrency int
	timeout     time.Duration
	mode        loadMode
	customerID  int64
	itemID      int64
	quantity    int
	price       decimal.Decimal
	outputPath  string
}

type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type methodReport struct {
	Calls     int64            `json:"calls"`
	Success   int64            `json:"success"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Codes     map[string]int64 `json:"codes"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

type report struct {
	StartedAt         time.Time               `json:"started_at"`
	DurationSeconds   float64                 `json:"duration_seconds"`
	TotalScenarios    int64                   `json:"total_scenarios"`
	SuccessScenarios  int64                   `json:"success_scenarios"`
	FailedScenarios   int64                   `json:"failed_scenarios"`
	ErrorRate         float64                 `json:"error_rate"`
	RPS               float64                 `json:"rps"`
	ScenarioLatencyMs latencySummary          `json:"scenario_latency_ms"`
	Methods           map[string]methodReport `json:"methods"`
}

type methodStats struct {
	calls     int64
	success   int64
	failed    int64
	codes     map[string]int64
	latencies []float64
}

type collector struct {
	mu      sync.Mutex
	methods map[string]*methodStats
}

func newCollector() *collector {
	return &collector{methods: make(map[string]*methodStats)}
}

func (c *collector) record(method string, latency time.Duration, code string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, ok := c.methods[method]
	if !ok {
		stats = &methodStats{codes: make(map[string]int64)}
		c.methods[method] = stats
	}

	stats.calls++
	if code == codeOK {
		stats.success++
	} else {
		stats.failed++
	}
	stats.codes[code]++
	stats.latencies = append(stats.latencies, float64(latency.Microseconds())/1000.0)
}

func (c *collector) buildReport(startedAt time.Time, duration time.Duration) report {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: duration.Seconds(),
		Methods:         make(map[string]methodReport, len(c.methods)),
	}

	if scenario := c.methods["scenario"]; scenario != nil {
		result.TotalScenarios = scenario.calls
		result.SuccessScenarios = scenario.success
		result.FailedScenarios = scenario.failed
		result.ErrorRate = ratio(scenario.failed, scenario.calls)
		result.ScenarioLatencyMs = buildLatencySummary(scenario.latencies)
	}
	if duration > 0 {
		result.RPS = float64(result.TotalScenarios) / duration.Seconds()
	}

	for name, stats := range c.methods {
		codesCopy := make(map[string]int64, len(stats.codes))
		for code, count := range stats.codes {
			codesCopy[code] = count
		}
		result.Methods[name] = methodReport{
			Calls:     stats.calls,
			Success:   stats.success,
			Failed:    stats.failed,
			ErrorRate: ratio(stats.failed, stats.calls),
			Codes:     codesCopy,
			LatencyMs: buildLatencySummary(stats.latencies),
		}
	}
	return result
}

func parseConfig(args []string) (config, error) {
	var (
		cfg           config
		modeValue     string
		priceValue    string
		durationValue string
	)

	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.baseURL, "addr", "http://localhost:8080", "order API base URL")
	fs.IntVar(&cfg.total, "total", 400, "total scenarios to execute in count mode; in duration mode only used when explicitly set")
	fs.StringVar(&durationValue, "duration", "0s", "optional time-based run duration (e.g. 10m, 15m)")
	fs.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent workers")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-request timeout")
	fs.StringVar(&modeValue, "mode", string(modeCreate), "load mode: create | create-update | create-delete")
	fs.Int64Var(&cfg.customerID, "customer-id", 1, "customer id for created orders")
	fs.Int64Var(&cfg.itemID, "item-id", 1, "product item id for the single order line")
	fs.IntVar(&cfg.quantity, "quantity", 1, "line quantity")
	fs.StringVar(&priceValue, "price", "", "current price with discount of the item, e.g. 18.00")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	duration, err := time.ParseDuration(strings.TrimSpace(durationValue))
	if err != nil {
		return cfg, fmt.Errorf("parse duration: %w", err)
	}
	cfg.duration = duration

	fs.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	if cfg.mode, err = parseMode(modeValue); err != nil {
		return cfg, err
	}
	if strings.TrimSpace(priceValue) == "" {
		return cfg, errors.New("price is required")
	}
	if cfg.price, err = decimal.NewFromString(strings.TrimSpace(priceValue)); err != nil {
		return cfg, fmt.Errorf("parse price: %w", err)
	}
	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")

	switch {
	case cfg.baseURL == "":
		return cfg, errors.New("addr is required")
	case cfg.duration < 0:
		return cfg, errors.New("duration must be >= 0")
	case cfg.duration == 0 && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when duration is not set")
	case cfg.duration > 0 && cfg.totalSet && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when explicitly set with duration")
	case cfg.concurrency <= 0:
		return cfg, errors.New("concurrency must be > 0")
	case cfg.timeout <= 0:
		return cfg, errors.New("timeout must be > 0")
	case cfg.quantity <= 0:
		return cfg, errors.New("quantity must be > 0")
	case cfg.price.IsNegative():
		return cfg, errors.New("price must be >= 0")
	case cfg.customerID <= 0 || cfg.itemID <= 0:
		return cfg, errors.New("customer-id and item-id must be > 0")
	}
	return cfg, nil
}

func parseMode(value string) (loadMode, error) {
	switch mode := loadMode(strings.TrimSpace(value)); mode {
	case modeCreate, modeCreateUpdate, modeCreateDelete:
		return mode, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result := run(ctx, cfg, &http.Client{Timeout: cfg.timeout})
	printReport(os.Stdout, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			stop()
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}
	if result.FailedScenarios > 0 {
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config, httpClient *http.Client) report {
	client := &apiClient{baseURL: cfg.baseURL, http: httpClient, timeout: cfg.timeout}
	col := newCollector()
	startedAt := time.Now()

	jobs := make(chan int, cfg.concurrency*2)
	var wg sync.WaitGroup
	for workerID := 0; workerID < cfg.concurrency; workerID++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range jobs {
				_ = runScenario(ctx, client, cfg, index, col)
			}
		}()
	}

	dispatchJobs(ctx, jobs, cfg)
	wg.Wait()

	return col.buildReport(startedAt, time.Since(startedAt))
}

func dispatchJobs(ctx context.Context, jobs chan<- int, cfg config) {
	defer close(jobs)

	var deadline <-chan time.Time
	if cfg.duration > 0 {
		timer := time.NewTimer(cfg.duration)
		defer timer.Stop()
		deadline = timer.C
	}

	for i := 0; ; i++ {
		if (cfg.duration <= 0 || cfg.totalSet) && i >= cfg.total {
			return
		}
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case jobs <- i:
		}
	}
}

// createRequest повторяет JSON-контракт POST /api/orders.
type createRequest struct {
	CustomerID int64               `json:"customerId"`
	Amount     decimal.Decimal     `json:"amount"`
	Status     domain.OrderStatus  `json:"status"`
	Comments   string              `json:"comments"`
	Lines      []createLineRequest `json:"lines"`
}

type createLineRequest struct {
	ItemID            int64           `json:"itemId"`
	Quantity          int             `json:"quantity"`
	PriceWithDiscount decimal.Decimal `json:"priceWithDiscount"`
	Amount            decimal.Decimal `json:"amount"`
}

func newCreateRequest(cfg config, index int) createRequest {
	amount := domain.LineAmount(cfg.price, cfg.quantity)
	return createRequest{
		CustomerID: cfg.customerID,
		Amount:     amount,
		Status:     domain.OrderStatusCreated,
		Comments:   fmt.Sprintf("loadtest #%d", index),
		Lines: []createLineRequest{{
			ItemID:            cfg.itemID,
			Quantity:          cfg.quantity,
			PriceWithDiscount: cfg.price,
			Amount:            amount,
		}},
	}
}

func runScenario(ctx context.Context, client *apiClient, cfg config, index int, col *collector) error {
	scenarioStart := time.Now()
	scenarioCode := codeOK
	defer func() {
		col.record("scenario", time.Since(scenarioStart), scenarioCode)
	}()

	created, code, err := client.createOrder(ctx, newCreateRequest(cfg, index))
	col.record("CreateOrder", time.Since(scenarioStart), code)
	if err != nil {
		scenarioCode = code
		return err
	}

	switch cfg.mode {
	case modeCreateUpdate:
		comments := fmt.Sprintf("loadtest #%d updated", index)
		created.Comments = &comments

		start := time.Now()
		code, err = client.updateOrder(ctx, created)
		col.record("UpdateOrder", time.Since(start), code)
	case modeCreateDelete:
		start := time.Now()
		code, err = client.deleteOrder(ctx, created.ID)
		col.record("DeleteOrder", time.Since(start), code)
	}
	if err != nil {
		scenarioCode = code
	}
	return err
}

type apiClient struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
}

func (c *apiClient) createOrder(ctx context.Context, req createRequest) (orders.OrderView, string, error) {
	var view orders.OrderView
	code, err := c.do(ctx, http.MethodPost, "/api/orders", req, http.StatusCreated, &view)
	return view, code, err
}

func (c *apiClient) updateOrder(ctx context.Context, view orders.OrderView) (string, error) {
	return c.do(ctx, http.MethodPut, "/api/orders/"+strconv.FormatInt(view.ID, 10), view, http.StatusOK, nil)
}

func (c *apiClient) deleteOrder(ctx context.Context, id int64) (string, error) {
	return c.do(ctx, http.MethodDelete, "/api/orders/"+strconv.FormatInt(id, 10), nil, http.StatusNoContent, nil)
}

// do возвращает код для отчёта: "ok", HTTP-статус или класс транспортной ошибки.
func (c *apiClient) do(ctx context.Context, method, path string, body any, want int, out any) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return codeDecodeError, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return codeTransportError, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return codeTransportError, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return strconv.Itoa(resp.StatusCode), fmt.Errorf("%s %s: unexpected status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return codeDecodeError, fmt.Errorf("decode response: %w", err)
		}
	}
	return codeOK, nil
}

func writeJSONReport(path string, result report) error {
	cleanPath := filepath.Clean(path)
	if cleanPath == "." || cleanPath == string(filepath.Separator) {
		return errors.New("output path must point to a file")
	}
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	// #nosec G304 -- path is an explicit CLI output parameter for local load-test reports.
	file, err := os.Create(cleanPath)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func printReport(w io.Writer, result report, cfg config) {
	_, _ = fmt.Fprintln(w, "Load test summary")
	_, _ = fmt.Fprintf(w, "mode=%s run=%s total=%d success=%d failed=%d error_rate=%.4f\n",
		cfg.mode, runTarget(cfg), result.TotalScenarios, result.SuccessScenarios, result.FailedScenarios, result.ErrorRate)
	_, _ = fmt.Fprintf(w, "duration=%.2fs rps=%.2f\n", result.DurationSeconds, result.RPS)
	_, _ = fmt.Fprintf(w, "scenario latency ms: min=%.2f avg=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		result.ScenarioLatencyMs.Min,
		result.ScenarioLatencyMs.Avg,
		result.ScenarioLatencyMs.P50,
		result.ScenarioLatencyMs.P95,
		result.ScenarioLatencyMs.P99,
		result.ScenarioLatencyMs.Max,
	)

	methodNames := make([]string, 0, len(result.Methods))
	for name := range result.Methods {
		if name != "scenario" {
			methodNames = append(methodNames, name)
		}
	}
	sort.Strings(methodNames)
	for _, name := range methodNames {
		stats := result.Methods[name]
		_, _ = fmt.Fprintf(w, "%s: calls=%d success=%d failed=%d error_rate=%.4f p95=%.2fms\n",
			name, stats.Calls, stats.Success, stats.Failed, stats.ErrorRate, stats.LatencyMs.P95)
	}
}

func runTarget(cfg config) string {
	if cfg.duration <= 0 {
		return fmt.Sprintf("count:%d", cfg.total)
	}
	if cfg.totalSet {
		return fmt.Sprintf("duration:%s,max-total:%d", cfg.duration, cfg.total)
	}
	return fmt.Sprintf("duration:%s", cfg.duration)
}

func buildLatencySummary(values []float64) latencySummary {
	if len(values) == 0 {
		return latencySummary{}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, value := range sorted {
		sum += value
	}

	return latencySummary{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: sum / float64(len(sorted)),
		P50: percentile(sorted, 50),
		P95: percentile(sorted, 95),
		P99: percentile(sorted, 99),
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}

	rank := (p / 100.0) * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}

	weight := rank - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*weight
}

func ratio(failed, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(failed) / float64(total)
}
