package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-booking/internal/config"
	"github.com/hackgods/clinic-booking/internal/db"
	"github.com/hackgods/clinic-booking/internal/logging"
)

// SimConfig drives a contention run: every round picks one free slot and
// fires Contenders concurrent bookings at it from different patients.
type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	Contenders   int
	CancelRatio  float64
	HorizonDays  int
	PatientLimit int
	PostgresDSN  string
}

type DataPool struct {
	Patients  []uuid.UUID
	Providers []uuid.UUID
}

type booked struct {
	id      uuid.UUID
	patient uuid.UUID
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95, max time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	avg = sum / time.Duration(len(latencies))
	p50 = latencies[len(latencies)*50/100]
	p95 = latencies[min(len(latencies)*95/100, len(latencies)-1)]
	max = latencies[len(latencies)-1]
	return avg, p50, p95, max
}

type Metrics struct {
	Slots    OperationMetrics
	Booking  OperationMetrics
	Cancel   OperationMetrics
	Rounds   int64
	Doubles  int64
	Rejected int64 // 422 responses, mostly booking_limit_reached
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	log     zerolog.Logger
	metrics Metrics
	admin   uuid.UUID
}

func main() {
	baseCfg, err := config.Load()
	if err != nil {
		logging.Bootstrap(os.Stderr).Fatal().Err(err).Msg("config load error")
	}
	log := logging.New(baseCfg.Env, baseCfg.LogLevel)

	cfg := loadConfig(baseCfg)
	if err := validateConfig(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	log.Info().
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Int("contenders", cfg.Contenders).
		Msg("simulator starting")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{MaxConns: 2})
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	pgPool.Close()
	if err != nil {
		log.Fatal().Err(err).Msg("load data pool")
	}
	log.Info().Int("patients", len(dataPool.Patients)).Int("providers", len(dataPool.Providers)).Msg("data pool loaded")

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
		admin:  uuid.New(),
	}

	sim.Run()
	sim.PrintReport()

	if atomic.LoadInt64(&sim.metrics.Doubles) > 0 {
		os.Exit(1)
	}
}

func loadConfig(base config.Config) SimConfig {
	return SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 4),
		Contenders:   getInt("SIM_CONTENDERS", 8),
		CancelRatio:  getFloat("SIM_CANCEL_RATIO", 0.3),
		HorizonDays:  getInt("SIM_HORIZON_DAYS", 14),
		PatientLimit: getInt("SIM_PATIENT_LIMIT", 4000),
		PostgresDSN:  base.PostgresDSN,
	}
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Contenders < 2 {
		return fmt.Errorf("SIM_CONTENDERS must be >= 2")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}

	rows, err := pool.Query(ctx, `
		SELECT id FROM patients WHERE active AND NOT blocked LIMIT $1
	`, cfg.PatientLimit)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		dataPool.Patients = append(dataPool.Patients, id)
	}
	rows.Close()

	rows, err = pool.Query(ctx, `
		SELECT DISTINCT p.id
		FROM providers p
		JOIN availability_rules r ON r.provider_id = p.id AND r.active
		WHERE p.active
	`)
	if err != nil {
		return nil, fmt.Errorf("load providers: %w", err)
	}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		dataPool.Providers = append(dataPool.Providers, id)
	}
	rows.Close()

	if len(dataPool.Patients) < cfg.Contenders {
		return nil, fmt.Errorf("need at least %d patients, have %d", cfg.Contenders, len(dataPool.Patients))
	}
	if len(dataPool.Providers) == 0 {
		return nil, fmt.Errorf("no providers with availability loaded")
	}
	return dataPool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.log.Info().Msg("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for ctx.Err() == nil {
		provider := s.pool.Providers[rng.Intn(len(s.pool.Providers))]
		date := time.Now().AddDate(0, 0, 1+rng.Intn(s.config.HorizonDays)).Format("2006-01-02")

		slot, ok := s.pickSlot(ctx, rng, provider, date)
		if !ok {
			continue
		}

		winners := s.contend(ctx, rng, provider, date, slot)
		atomic.AddInt64(&s.metrics.Rounds, 1)
		if len(winners) > 1 {
			atomic.AddInt64(&s.metrics.Doubles, 1)
			s.log.Error().
				Str("provider_id", provider.String()).
				Str("date", date).
				Str("time", slot).
				Int("winners", len(winners)).
				Msg("slot booked more than once")
		}

		// Free some slots again so patients stay under their booking limit.
		for _, b := range winners {
			if rng.Float64() < s.config.CancelRatio {
				s.cancel(ctx, b)
			}
		}
	}
}

func (s *Simulator) pickSlot(ctx context.Context, rng *rand.Rand, provider uuid.UUID, date string) (string, bool) {
	start := time.Now()
	resp, err := s.do(ctx, http.MethodGet,
		fmt.Sprintf("/providers/%s/slots?date=%s", provider, date), nil, s.admin, "admin")
	latency := time.Since(start)
	if err != nil {
		s.metrics.Slots.Record(latency, false, false)
		return "", false
	}
	defer resp.Body.Close()

	var list struct {
		Slots []string `json:"slots"`
	}
	if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&list) != nil {
		s.metrics.Slots.Record(latency, false, false)
		return "", false
	}
	s.metrics.Slots.Record(latency, true, false)

	if len(list.Slots) == 0 {
		return "", false
	}
	return list.Slots[rng.Intn(len(list.Slots))], true
}

// contend books one slot from several patients at once and returns the
// bookings that succeeded. More than one is a double booking.
func (s *Simulator) contend(ctx context.Context, rng *rand.Rand, provider uuid.UUID, date, slot string) []booked {
	patients := make([]uuid.UUID, s.config.Contenders)
	for i, idx := range rng.Perm(len(s.pool.Patients))[:s.config.Contenders] {
		patients[i] = s.pool.Patients[idx]
	}

	var mu sync.Mutex
	var winners []booked
	var wg sync.WaitGroup
	gate := make(chan struct{})

	for _, patient := range patients {
		wg.Add(1)
		go func(patient uuid.UUID) {
			defer wg.Done()
			<-gate

			body, _ := json.Marshal(map[string]any{
				"patient_id":  patient.String(),
				"provider_id": provider.String(),
				"date":        date,
				"time":        slot,
				"payer":       map[string]any{"self_pay": true},
			})

			start := time.Now()
			resp, err := s.do(ctx, http.MethodPost, "/appointments", body, patient, "patient")
			latency := time.Since(start)
			if err != nil {
				s.metrics.Booking.Record(latency, false, false)
				return
			}
			defer resp.Body.Close()

			switch resp.StatusCode {
			case http.StatusCreated:
				var appt struct {
					ID uuid.UUID `json:"id"`
				}
				bodyBytes, _ := io.ReadAll(resp.Body)
				_ = json.Unmarshal(bodyBytes, &appt)
				mu.Lock()
				winners = append(winners, booked{id: appt.ID, patient: patient})
				mu.Unlock()
				s.metrics.Booking.Record(latency, true, false)
			case http.StatusConflict:
				s.metrics.Booking.Record(latency, false, true)
			case http.StatusUnprocessableEntity:
				atomic.AddInt64(&s.metrics.Rejected, 1)
				s.metrics.Booking.Record(latency, false, false)
			default:
				s.metrics.Booking.Record(latency, false, false)
			}
		}(patient)
	}

	close(gate)
	wg.Wait()
	return winners
}

func (s *Simulator) cancel(ctx context.Context, b booked) {
	body, _ := json.Marshal(map[string]string{"reason": "simulation"})

	start := time.Now()
	resp, err := s.do(ctx, http.MethodPost, fmt.Sprintf("/appointments/%s/cancel", b.id), body, b.patient, "patient")
	latency := time.Since(start)

	success, conflict := false, false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
		conflict = resp.StatusCode == http.StatusUnprocessableEntity
	}
	s.metrics.Cancel.Record(latency, success, conflict)
}

func (s *Simulator) do(ctx context.Context, method, path string, body []byte, actor uuid.UUID, role string) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, rdr)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Actor-ID", actor.String())
	req.Header.Set("X-Actor-Role", role)
	return s.client.Do(req)
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d, contenders per slot: %d\n", s.config.Workers, s.config.Contenders)
	fmt.Printf("Contested slots: %d\n", atomic.LoadInt64(&s.metrics.Rounds))
	fmt.Printf("Double bookings: %d\n", atomic.LoadInt64(&s.metrics.Doubles))
	fmt.Printf("Policy rejections: %d\n", atomic.LoadInt64(&s.metrics.Rejected))
	fmt.Println()

	printOperationReport("List slots", &s.metrics.Slots)
	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Cancel", &s.metrics.Cancel)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, p50, p95, max := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s p50=%s p95=%s max=%s\n",
		avg.Round(time.Millisecond), p50.Round(time.Millisecond),
		p95.Round(time.Millisecond), max.Round(time.Millisecond))
	fmt.Println()
}

// Helper functions

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
