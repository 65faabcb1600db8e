package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// HTTPConfig tunes the arena client. Zero values fall back to the
// defaults below.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// RPS caps contest starts per second; <= 0 disables the limiter.
	RPS   float64
	Burst int
}

const defaultTimeout = 120 * time.Second

// HTTPClient talks to the arena over JSON. Calls are rate limited and
// breaker protected: the arena is heavy and occasionally flaky, and a
// dead arena should fail fast rather than stack up blocked batches.
type HTTPClient struct {
	base    string
	key     string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
}

// NewHTTPClient builds a client for the arena at cfg.BaseURL.
func NewHTTPClient(cfg HTTPConfig, log *zap.Logger) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	limit := rate.Inf
	burst := cfg.Burst
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
		if burst < 1 {
			burst = 1
		}
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "arena-runner",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("runner breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &HTTPClient{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		key:     cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
		breaker: breaker,
		log:     log,
	}
}

// RunMatch implements Client.
func (c *HTTPClient) RunMatch(ctx context.Context, participantA, participantB int64) (Outcome, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Outcome{}, fmt.Errorf("%w: rate limit: %v", ErrRunnerFailure, err)
	}
	start := time.Now()
	v, err := c.breaker.Execute(func() (interface{}, error) {
		return c.post(ctx, participantA, participantB)
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("contest %d vs %d: %w: %v", participantA, participantB, ErrRunnerFailure, err)
	}
	out := v.(Outcome)
	c.log.Debug("contest finished",
		zap.Int64("participant_a", participantA),
		zap.Int64("participant_b", participantB),
		zap.String("termination", string(out.Termination)),
		zap.Duration("elapsed", time.Since(start)))
	return out, nil
}

func (c *HTTPClient) post(ctx context.Context, a, b int64) (Outcome, error) {
	payload := struct {
		ParticipantA int64 `json:"participant_a"`
		ParticipantB int64 `json:"participant_b"`
	}{a, b}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/contests", bytes.NewReader(body))
	if err != nil {
		return Outcome{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.key != "" {
		req.Header.Set("Authorization", "Bearer "+c.key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Outcome{}, err
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return Outcome{}, fmt.Errorf("read outcome body: %v", err)
	}
	raw := buf.Bytes()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Outcome{}, fmt.Errorf("arena http %d: %s", resp.StatusCode, truncate(string(raw), 800))
	}

	var out Outcome
	if err := json.Unmarshal(raw, &out); err != nil {
		return Outcome{}, fmt.Errorf("decode outcome: %v", err)
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
