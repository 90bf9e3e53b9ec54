package redisbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"fusionbot/internal/domain"
	"fusionbot/internal/ports"
)

// riskMessage is the verdict the macro risk classifier keeps under the "risk" key.
type riskMessage struct {
	Summary     string    `json:"summary"`
	Catastrophe bool      `json:"catastrophe"`
	Reason      string    `json:"reason"`
	ScannedAt   time.Time `json:"scanned_at"`
}

// RiskFeed implements ports.RiskScanner from the latest stored verdict.
type RiskFeed struct {
	rdb    *redis.Client
	key    string
	maxAge time.Duration
	logger ports.Logger
	now    func() time.Time
}

var _ ports.RiskScanner = (*RiskFeed)(nil)

// NewRiskFeed creates the scanner. Verdicts older than maxAge are ignored.
func NewRiskFeed(c *Client, maxAge time.Duration, logger ports.Logger) *RiskFeed {
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	return &RiskFeed{rdb: c.rdb, key: c.Key("risk"), maxAge: maxAge, logger: logger, now: time.Now}
}

// Publish stores a verdict. Used by classifier tooling and tests.
func (f *RiskFeed) Publish(ctx context.Context, rc domain.RiskContext) error {
	payload, err := json.Marshal(riskMessage{
		Summary:     rc.Summary,
		Catastrophe: rc.Catastrophe,
		Reason:      rc.Reason,
		ScannedAt:   rc.ScannedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode risk: %w", err)
	}
	if err := f.rdb.Set(ctx, f.key, payload, 0).Err(); err != nil {
		return fmt.Errorf("redis: set %s: %w", f.key, err)
	}
	return nil
}

// Scan returns the stored verdict. A missing or stale verdict is a clean scan
// with an explanatory summary; only a fresh verdict can raise a catastrophe.
func (f *RiskFeed) Scan(ctx context.Context) (domain.RiskContext, error) {
	now := f.now()
	raw, err := f.rdb.Get(ctx, f.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.RiskContext{Summary: "No macro risk verdict available", ScannedAt: now}, nil
	}
	if err != nil {
		return domain.RiskContext{}, fmt.Errorf("redis: get %s: %w", f.key, err)
	}
	return f.decode(ctx, raw, now)
}

func (f *RiskFeed) decode(ctx context.Context, raw []byte, now time.Time) (domain.RiskContext, error) {
	var m riskMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return domain.RiskContext{}, fmt.Errorf("decode risk: %w", err)
	}
	if age := now.Sub(m.ScannedAt); m.ScannedAt.IsZero() || age > f.maxAge {
		f.logger.Warn(ctx, "Ignoring stale macro risk verdict", map[string]interface{}{
			"scannedAt":   m.ScannedAt,
			"catastrophe": m.Catastrophe,
			"maxAge":      f.maxAge.String(),
		})
		return domain.RiskContext{Summary: "Macro risk verdict is stale", ScannedAt: now}, nil
	}
	return domain.RiskContext{
		Summary:     m.Summary,
		Catastrophe: m.Catastrophe,
		Reason:      m.Reason,
		ScannedAt:   m.ScannedAt,
	}, nil
}
