// Package analytics derives operational statistics from stored
// request/response records: service health, latency percentiles,
// retry-chain outcomes, anomaly detection, availability, and peak usage.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/apitrail/apitrail/internal/storage"
)

const (
	// cacheTTL is how long a computed result stays valid. The cache is
	// never invalidated by writes; staleness up to the TTL is accepted.
	cacheTTL = 300 * time.Second

	defaultResponseTimeMultiplier = 2.0
	defaultMinSuccessRate         = 95.0
)

// Config tunes anomaly detection. Zero values take the defaults.
type Config struct {
	// ResponseTimeMultiplier flags the last hour when its average latency
	// exceeds the 24h baseline by this factor.
	ResponseTimeMultiplier float64

	// MinSuccessRate is the success-rate floor (percent) below which the
	// last hour is anomalous.
	MinSuccessRate float64
}

// Engine answers read-only analytical queries over a storage backend.
// Every query is scoped to outbound traffic for one service within a
// half-open time window [from, to).
type Engine struct {
	store storage.Backend
	cfg   Config
	cache *gocache.Cache
	log   *slog.Logger

	// now is swapped out in tests.
	now func() time.Time
}

// NewEngine creates an analytics engine over store.
func NewEngine(store storage.Backend, cfg Config, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ResponseTimeMultiplier <= 0 {
		cfg.ResponseTimeMultiplier = defaultResponseTimeMultiplier
	}
	if cfg.MinSuccessRate <= 0 {
		cfg.MinSuccessRate = defaultMinSuccessRate
	}
	return &Engine{
		store: store,
		cfg:   cfg,
		cache: gocache.New(cacheTTL, 2*cacheTTL),
		log:   log,
		now:   time.Now,
	}
}

// cached returns the memoized result for key, computing and storing it on
// a miss. Concurrent misses for the same key may recompute redundantly.
func (e *Engine) cached(key string, compute func() (any, error)) (any, error) {
	if v, ok := e.cache.Get(key); ok {
		return v, nil
	}
	v, err := compute()
	if err != nil {
		return nil, err
	}
	e.cache.Set(key, v, cacheTTL)
	return v, nil
}

func windowKey(method, service string, from, to time.Time) string {
	return fmt.Sprintf("%s|%s|%d|%d", method, service, from.UnixNano(), to.UnixNano())
}

// records fetches the outbound records for one service in [from, to).
func (e *Engine) records(ctx context.Context, service string, from, to time.Time) ([]*storage.Record, error) {
	return e.store.Retrieve(ctx, storage.Criteria{
		Direction: storage.DirectionOutbound,
		Service:   service,
		From:      &from,
		To:        &to,
	})
}

// successRate is the percentage of records below code 400. An empty window
// is 100% successful: no traffic is healthy traffic.
func successRate(recs []*storage.Record) float64 {
	if len(recs) == 0 {
		return 100
	}
	failed := 0
	for _, r := range recs {
		if r.IsError() {
			failed++
		}
	}
	return 100 * float64(len(recs)-failed) / float64(len(recs))
}

func avgResponseTime(recs []*storage.Record) float64 {
	if len(recs) == 0 {
		return 0
	}
	sum := 0.0
	for _, r := range recs {
		sum += r.ResponseTimeMS
	}
	return sum / float64(len(recs))
}

// HealthStatus classifies a service.
type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusDegraded HealthStatus = "degraded"
	StatusWarning  HealthStatus = "warning"
	StatusCritical HealthStatus = "critical"
)

// HealthReport summarizes one service's recent behavior.
type HealthReport struct {
	Service           string       `json:"service"`
	Status            HealthStatus `json:"status"`
	TotalRequests     int          `json:"total_requests"`
	FailedRequests    int          `json:"failed_requests"`
	SuccessRate       float64      `json:"success_rate"`
	AvgResponseTimeMS float64      `json:"avg_response_time_ms"`
	LastRequestAt     time.Time    `json:"last_request_at"`
}

// healthStatus applies the classification table in order, first match
// wins. The second and third rows overlap deliberately; keep the order.
func healthStatus(successRate, avgMS float64) HealthStatus {
	switch {
	case successRate >= 99 && avgMS < 1000:
		return StatusHealthy
	case successRate >= 95 && avgMS < 3000:
		return StatusDegraded
	case successRate >= 80 && avgMS < 5000:
		return StatusDegraded
	case successRate >= 70:
		return StatusWarning
	default:
		return StatusCritical
	}
}

// ServiceHealth reports request totals, success rate, latency, and a
// derived status for one service.
func (e *Engine) ServiceHealth(ctx context.Context, service string, from, to time.Time) (*HealthReport, error) {
	v, err := e.cached(windowKey("health", service, from, to), func() (any, error) {
		recs, err := e.records(ctx, service, from, to)
		if err != nil {
			return nil, err
		}
		rep := &HealthReport{
			Service:       service,
			TotalRequests: len(recs),
		}
		for _, r := range recs {
			if r.IsError() {
				rep.FailedRequests++
			}
			if r.CreatedAt.After(rep.LastRequestAt) {
				rep.LastRequestAt = r.CreatedAt
			}
		}
		rep.SuccessRate = successRate(recs)
		rep.AvgResponseTimeMS = avgResponseTime(recs)
		rep.Status = healthStatus(rep.SuccessRate, rep.AvgResponseTimeMS)
		return rep, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*HealthReport), nil
}

// Metrics holds latency distribution and error breakdown for one window.
type Metrics struct {
	Count        int         `json:"count"`
	MinMS        float64     `json:"min_ms"`
	MaxMS        float64     `json:"max_ms"`
	AvgMS        float64     `json:"avg_ms"`
	P50MS        float64     `json:"p50_ms"`
	P90MS        float64     `json:"p90_ms"`
	P95MS        float64     `json:"p95_ms"`
	P99MS        float64     `json:"p99_ms"`
	ErrorsByCode map[int]int `json:"errors_by_code,omitempty"`
}

// percentile interpolates linearly between the floor and ceiling ranked
// samples at fractional index (p/100)*(n-1). sorted must be ascending.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	idx := p / 100 * float64(n-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

// ServiceMetrics computes the latency distribution for one service. An
// empty window yields an all-zero struct, not an error.
func (e *Engine) ServiceMetrics(ctx context.Context, service string, from, to time.Time) (*Metrics, error) {
	v, err := e.cached(windowKey("metrics", service, from, to), func() (any, error) {
		recs, err := e.records(ctx, service, from, to)
		if err != nil {
			return nil, err
		}
		m := &Metrics{Count: len(recs)}
		if len(recs) == 0 {
			return m, nil
		}

		latencies := make([]float64, 0, len(recs))
		sum := 0.0
		for _, r := range recs {
			latencies = append(latencies, r.ResponseTimeMS)
			sum += r.ResponseTimeMS
			if r.IsError() {
				if m.ErrorsByCode == nil {
					m.ErrorsByCode = make(map[int]int)
				}
				m.ErrorsByCode[r.ResponseCode]++
			}
		}
		sort.Float64s(latencies)

		m.MinMS = latencies[0]
		m.MaxMS = latencies[len(latencies)-1]
		m.AvgMS = sum / float64(len(latencies))
		m.P50MS = percentile(latencies, 50)
		m.P90MS = percentile(latencies, 90)
		m.P95MS = percentile(latencies, 95)
		m.P99MS = percentile(latencies, 99)
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Metrics), nil
}

// RetryStats summarizes retry chains: groups of records sharing a request
// ID where the exchange was attempted more than once.
type RetryStats struct {
	TotalRetriedRequests int     `json:"total_retried_requests"`
	ChainCount           int     `json:"chain_count"`
	SuccessRate          float64 `json:"success_rate"`
	MaxAttempts          int     `json:"max_attempts"`
	AvgAttemptsPerChain  float64 `json:"avg_attempts_per_chain"`
	FailedChains         int     `json:"failed_chains"`
}

// RetryStatistics groups retry-annotated records by request ID into
// chains (more than one member). A chain succeeds when its highest-attempt
// member came back below 400. The success rate is over chains, not rows.
func (e *Engine) RetryStatistics(ctx context.Context, service string, from, to time.Time) (*RetryStats, error) {
	v, err := e.cached(windowKey("retries", service, from, to), func() (any, error) {
		recs, err := e.records(ctx, service, from, to)
		if err != nil {
			return nil, err
		}

		st := &RetryStats{}
		chains := make(map[string][]*storage.Record)
		for _, r := range recs {
			if _, ok := r.Metadata["retry_attempt"]; !ok {
				continue
			}
			if r.RetryAttempt() > 0 {
				st.TotalRetriedRequests++
			}
			chains[r.RequestID] = append(chains[r.RequestID], r)
		}

		succeeded := 0
		attemptSum := 0
		for _, chain := range chains {
			if len(chain) <= 1 {
				continue
			}
			st.ChainCount++

			outcome := chain[0]
			for _, r := range chain[1:] {
				if r.RetryAttempt() > outcome.RetryAttempt() {
					outcome = r
				}
			}
			attempts := outcome.RetryAttempt()
			attemptSum += attempts
			if attempts > st.MaxAttempts {
				st.MaxAttempts = attempts
			}
			if outcome.IsError() {
				st.FailedChains++
			} else {
				succeeded++
			}
		}
		if st.ChainCount > 0 {
			st.SuccessRate = 100 * float64(succeeded) / float64(st.ChainCount)
			st.AvgAttemptsPerChain = float64(attemptSum) / float64(st.ChainCount)
		}
		return st, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*RetryStats), nil
}

// ChainEntry is one record in a correlation chain, annotated with the
// time elapsed since the chain started.
type ChainEntry struct {
	Record    *storage.Record `json:"record"`
	ElapsedMS float64         `json:"elapsed_ms"`
}

// CorrelationChain returns every record sharing the request ID, oldest
// first, each annotated with milliseconds since the chain's first record.
func (e *Engine) CorrelationChain(ctx context.Context, requestID string) ([]ChainEntry, error) {
	v, err := e.cached("chain|"+requestID, func() (any, error) {
		recs, err := e.store.Retrieve(ctx, storage.Criteria{RequestID: requestID})
		if err != nil {
			return nil, err
		}
		sort.Slice(recs, func(i, j int) bool {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		})

		entries := make([]ChainEntry, 0, len(recs))
		for _, r := range recs {
			elapsed := 0.0
			if len(entries) > 0 {
				elapsed = float64(r.CreatedAt.Sub(recs[0].CreatedAt)) / float64(time.Millisecond)
			}
			entries = append(entries, ChainEntry{Record: r, ElapsedMS: elapsed})
		}
		return entries, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]ChainEntry), nil
}

// Anomaly types.
const (
	AnomalyHighResponseTime = "high_response_time"
	AnomalyLowSuccessRate   = "low_success_rate"
	AnomalyNone             = "none"
)

// Anomaly describes a deviation of the last hour from the daily baseline.
type Anomaly struct {
	Type          string  `json:"type"`
	Detected      bool    `json:"detected"`
	CurrentValue  float64 `json:"current_value"`
	BaselineValue float64 `json:"baseline_value,omitempty"`
	DeviationPct  float64 `json:"deviation_pct,omitempty"`
	Threshold     float64 `json:"threshold,omitempty"`
}

// DetectAnomalies compares the last hour against the preceding 23 hours.
// The response-time check runs before the success-rate check; the first
// trigger wins.
func (e *Engine) DetectAnomalies(ctx context.Context, service string) (*Anomaly, error) {
	now := e.now().UTC()
	recentFrom := now.Add(-time.Hour)
	baselineFrom := now.Add(-24 * time.Hour)

	v, err := e.cached(windowKey("anomalies", service, baselineFrom, now), func() (any, error) {
		recent, err := e.records(ctx, service, recentFrom, now)
		if err != nil {
			return nil, err
		}
		baseline, err := e.records(ctx, service, baselineFrom, recentFrom)
		if err != nil {
			return nil, err
		}

		recentAvg := avgResponseTime(recent)
		baselineAvg := avgResponseTime(baseline)
		if baselineAvg > 0 && recentAvg > baselineAvg*e.cfg.ResponseTimeMultiplier {
			return &Anomaly{
				Type:          AnomalyHighResponseTime,
				Detected:      true,
				CurrentValue:  recentAvg,
				BaselineValue: baselineAvg,
				DeviationPct:  100 * (recentAvg - baselineAvg) / baselineAvg,
				Threshold:     e.cfg.ResponseTimeMultiplier,
			}, nil
		}

		if rate := successRate(recent); rate < e.cfg.MinSuccessRate {
			return &Anomaly{
				Type:         AnomalyLowSuccessRate,
				Detected:     true,
				CurrentValue: rate,
				Threshold:    e.cfg.MinSuccessRate,
			}, nil
		}

		return &Anomaly{Type: AnomalyNone}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Anomaly), nil
}

// Availability returns the percentage of requests that did not fail with
// a server error. Client errors (4xx) count as available; an empty window
// is 100% available.
func (e *Engine) Availability(ctx context.Context, service string, from, to time.Time) (float64, error) {
	v, err := e.cached(windowKey("availability", service, from, to), func() (any, error) {
		recs, err := e.records(ctx, service, from, to)
		if err != nil {
			return nil, err
		}
		if len(recs) == 0 {
			return 100.0, nil
		}
		up := 0
		for _, r := range recs {
			if r.ResponseCode < 500 {
				up++
			}
		}
		return 100 * float64(up) / float64(len(recs)), nil
	})
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

// Granularity selects the peak-usage bucket size.
type Granularity string

const (
	GranularityHour Granularity = "hour"
	GranularityDay  Granularity = "day"
	GranularityWeek Granularity = "week"
)

// PeakBucket is one time bucket with its request volume and latency.
type PeakBucket struct {
	Bucket            string  `json:"bucket"`
	Count             int     `json:"count"`
	AvgResponseTimeMS float64 `json:"avg_response_time_ms"`
}

func bucketKey(t time.Time, g Granularity) string {
	t = t.UTC()
	switch g {
	case GranularityDay:
		return t.Format("2006-01-02")
	case GranularityWeek:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%d-W%02d", year, week)
	default:
		return t.Format("2006-01-02 15:00")
	}
}

// PeakUsageTimes buckets the window by hour, day, or week and returns the
// ten busiest buckets, most requests first.
func (e *Engine) PeakUsageTimes(ctx context.Context, service string, from, to time.Time, g Granularity) ([]PeakBucket, error) {
	v, err := e.cached(windowKey("peaks:"+string(g), service, from, to), func() (any, error) {
		recs, err := e.records(ctx, service, from, to)
		if err != nil {
			return nil, err
		}

		counts := make(map[string]int)
		sums := make(map[string]float64)
		for _, r := range recs {
			k := bucketKey(r.CreatedAt, g)
			counts[k]++
			sums[k] += r.ResponseTimeMS
		}

		buckets := make([]PeakBucket, 0, len(counts))
		for k, n := range counts {
			buckets = append(buckets, PeakBucket{
				Bucket:            k,
				Count:             n,
				AvgResponseTimeMS: sums[k] / float64(n),
			})
		}
		sort.Slice(buckets, func(i, j int) bool {
			if buckets[i].Count != buckets[j].Count {
				return buckets[i].Count > buckets[j].Count
			}
			return buckets[i].Bucket < buckets[j].Bucket
		})
		if len(buckets) > 10 {
			buckets = buckets[:10]
		}
		return buckets, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]PeakBucket), nil
}
