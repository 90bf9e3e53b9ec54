package redisbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"

	"fusionbot/internal/domain"
	"fusionbot/internal/ports"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// streamMaxLen trims the signal stream through XADD MAXLEN ~.
const streamMaxLen int64 = 10000

// signalMessage is the wire form of a news signal on the stream.
type signalMessage struct {
	ID          string    `json:"id"`
	Symbol      string    `json:"symbol"`
	Headline    string    `json:"headline"`
	Source      string    `json:"source"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"published_at"`
}

func decodeSignal(payload []byte) (domain.Signal, error) {
	var m signalMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return domain.Signal{}, fmt.Errorf("decode signal: %w", err)
	}
	if m.ID == "" || m.Symbol == "" || m.Headline == "" {
		return domain.Signal{}, fmt.Errorf("decode signal: id, symbol and headline are required")
	}
	if m.PublishedAt.IsZero() {
		return domain.Signal{}, fmt.Errorf("decode signal %s: published_at is required", m.ID)
	}
	return domain.Signal{
		ID:          m.ID,
		Symbol:      strings.ToUpper(strings.TrimSpace(m.Symbol)),
		Headline:    m.Headline,
		Source:      m.Source,
		URL:         m.URL,
		PublishedAt: m.PublishedAt.UTC(),
	}, nil
}

func encodeSignal(s domain.Signal) ([]byte, error) {
	return json.Marshal(signalMessage{
		ID:          s.ID,
		Symbol:      s.Symbol,
		Headline:    s.Headline,
		Source:      s.Source,
		URL:         s.URL,
		PublishedAt: s.PublishedAt.UTC(),
	})
}

// SignalFeed reads news signals from a Redis stream. It remembers the last
// stream id it consumed, so every signal is delivered once per process.
type SignalFeed struct {
	rdb    *redis.Client
	stream string
	batch  int64
	logger ports.Logger

	mu     sync.Mutex
	lastID string
}

var _ ports.SignalSource = (*SignalFeed)(nil)

// NewSignalFeed reads the "signals" stream from its beginning; stale entries
// are dropped later by the signal age screen.
func NewSignalFeed(c *Client, batch int, logger ports.Logger) *SignalFeed {
	if batch <= 0 {
		batch = 100
	}
	return &SignalFeed{rdb: c.rdb, stream: c.Key("signals"), batch: int64(batch), logger: logger, lastID: "0-0"}
}

// Publish appends a signal. Used by ingestion tooling and tests.
func (f *SignalFeed) Publish(ctx context.Context, s domain.Signal) error {
	payload, err := encodeSignal(s)
	if err != nil {
		return err
	}
	err = f.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: f.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"payload": payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: append %s: %w", f.stream, err)
	}
	return nil
}

// FetchSignals returns the signals appended since the previous call whose
// symbol is on the watchlist. Malformed entries are logged and skipped.
func (f *SignalFeed) FetchSignals(ctx context.Context, symbols []string) ([]domain.Signal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	watch := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		watch[strings.ToUpper(s)] = true
	}

	var out []domain.Signal
	for {
		results, err := f.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{f.stream, f.lastID},
			Count:   f.batch,
			Block:   -1, // Never block the cycle
		}).Result()
		if errors.Is(err, redis.Nil) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("redis: read %s: %w", f.stream, err)
		}

		read := 0
		for _, stream := range results {
			for _, msg := range stream.Messages {
				read++
				f.lastID = msg.ID
				sig, err := decodeSignal(payloadBytes(msg.Values["payload"]))
				if err != nil {
					f.logger.Warn(ctx, "Skipping malformed signal", map[string]interface{}{"streamID": msg.ID, "error": err.Error()})
					continue
				}
				if len(watch) > 0 && !watch[sig.Symbol] {
					continue
				}
				out = append(out, sig)
			}
		}
		if int64(read) < f.batch {
			return out, nil
		}
	}
}

func payloadBytes(v interface{}) []byte {
	switch p := v.(type) {
	case string:
		return []byte(p)
	case []byte:
		return p
	default:
		return nil
	}
}
