// Package oracle talks to the externally hosted decision service that
// recommends BUY or WAIT over the screened candidates of a cycle.
package oracle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"fusionbot/internal/domain"
	"fusionbot/internal/ports"
	"fusionbot/internal/retry"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config configures the HTTP decision client.
type Config struct {
	URL     string
	APIKey  string        // Sent as a bearer token when set
	Timeout time.Duration // Per request, default 30s
	Retry   retry.Config  // Zero value sends once
	Logger  ports.Logger
	Now     func() time.Time
}

// Client implements ports.DecisionProvider over HTTP+JSON.
type Client struct {
	cfg    Config
	client *http.Client
}

var _ ports.DecisionProvider = (*Client)(nil)

// New validates cfg and creates the client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("oracle: url is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("oracle: logger is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Client{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}, nil
}

type technicalView struct {
	Price      float64 `json:"price"`
	RSI        float64 `json:"rsi"`
	RSIZone    string  `json:"rsi_zone"`
	Trend      string  `json:"trend"`
	MACD       string  `json:"macd"`
	ATRPercent float64 `json:"atr_percent"`
}

type headlineView struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Source      string    `json:"source"`
	PublishedAt time.Time `json:"published_at"`
	AgeMinutes  int       `json:"age_minutes"`
}

type groupView struct {
	Symbol    string         `json:"symbol"`
	Technical technicalView  `json:"technical"`
	Headlines []headlineView `json:"headlines"`
}

type decideRequest struct {
	RiskContext string      `json:"risk_context"`
	Groups      []groupView `json:"groups"`
}

type decideResponse struct {
	Action           string   `json:"action"`
	Symbol           *string  `json:"symbol"`
	HeadlineID       *string  `json:"headline_id"`
	Confidence       float64  `json:"confidence"`
	CatalystStrength string   `json:"catalyst_strength"`
	RiskFactors      []string `json:"risk_factors"`
	Reasoning        string   `json:"reasoning"`
}

func (c *Client) buildRequest(groups []domain.CandidateGroup, riskContext string) decideRequest {
	now := c.cfg.Now()
	req := decideRequest{RiskContext: riskContext, Groups: make([]groupView, 0, len(groups))}
	for _, g := range groups {
		view := groupView{
			Symbol: g.Symbol,
			Technical: technicalView{
				Price:      g.Technical.CurrentPrice,
				RSI:        g.Technical.RSI,
				RSIZone:    g.Technical.RSIZone.String(),
				Trend:      g.Technical.Trend.String(),
				MACD:       g.Technical.MACDIndicator.String(),
				ATRPercent: g.Technical.ATRPercent,
			},
		}
		for _, cand := range g.Candidates {
			view.Headlines = append(view.Headlines, headlineView{
				ID:          cand.Signal.ID,
				Title:       cand.Signal.Headline,
				Source:      cand.Signal.Source,
				PublishedAt: cand.Signal.PublishedAt.UTC(),
				AgeMinutes:  int(cand.Signal.Age(now).Minutes()),
			})
		}
		req.Groups = append(req.Groups, view)
	}
	return req
}

// Decide posts the candidates and validates the answer. Any error means the
// caller must WAIT.
func (c *Client) Decide(ctx context.Context, groups []domain.CandidateGroup, riskContext string) (domain.Decision, error) {
	op := "Decide"
	if len(groups) == 0 {
		return domain.WaitDecision("no candidates"), nil
	}

	body, err := json.Marshal(c.buildRequest(groups, riskContext))
	if err != nil {
		return domain.Decision{}, fmt.Errorf("oracle: encode request: %w", err)
	}

	cfg := c.cfg.Retry
	cfg.RetryIf = func(err error) bool { return !errors.Is(err, errPermanent) }
	raw, err := retry.DoWithResult(ctx, func() ([]byte, error) { return c.post(ctx, body) }, cfg)
	if err != nil {
		c.cfg.Logger.Error(ctx, err, op+": oracle request failed")
		return domain.Decision{}, err
	}

	var resp decideResponse
	if err := json.Unmarshal(stripFences(raw), &resp); err != nil {
		return domain.Decision{}, fmt.Errorf("oracle: decode response: %w", err)
	}
	decision, err := resolve(resp, groups)
	if err != nil {
		return domain.Decision{}, err
	}
	c.cfg.Logger.Info(ctx, op+": oracle decision", map[string]interface{}{
		"action":     decision.Action.String(),
		"symbol":     decision.Symbol,
		"confidence": decision.Confidence,
		"catalyst":   decision.CatalystStrength.String(),
	})
	return decision, nil
}

var errPermanent = errors.New("permanent oracle failure")

func (c *Client) post(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("oracle: create request: %w: %w", errPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oracle: send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("oracle: read response: %w", err)
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return raw, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("oracle: status %d: %s", resp.StatusCode, truncate(raw))
	default:
		return nil, fmt.Errorf("oracle: status %d: %s: %w", resp.StatusCode, truncate(raw), errPermanent)
	}
}

// resolve validates the answer against the candidates that were sent. A short
// headline id is accepted when it prefixes exactly one candidate.
func resolve(resp decideResponse, groups []domain.CandidateGroup) (domain.Decision, error) {
	d := domain.Decision{
		Action:           domain.ParseAction(resp.Action),
		Confidence:       clampConfidence(resp.Confidence),
		CatalystStrength: domain.ParseCatalystStrength(resp.CatalystStrength),
		RiskFactors:      resp.RiskFactors,
		Reasoning:        resp.Reasoning,
	}
	if d.Action != domain.ActionBuy {
		return d, nil
	}

	if resp.Symbol == nil || *resp.Symbol == "" {
		return domain.Decision{}, fmt.Errorf("oracle: BUY without symbol")
	}
	symbol := strings.ToUpper(strings.TrimSpace(*resp.Symbol))
	var group *domain.CandidateGroup
	for i := range groups {
		if groups[i].Symbol == symbol {
			group = &groups[i]
			break
		}
	}
	if group == nil {
		return domain.Decision{}, fmt.Errorf("oracle: BUY for %s which was not a candidate", symbol)
	}
	d.Symbol = symbol

	if resp.HeadlineID == nil || *resp.HeadlineID == "" {
		return domain.Decision{}, fmt.Errorf("oracle: BUY %s without headline id", symbol)
	}
	var matches []string
	for _, cand := range group.Candidates {
		if strings.HasPrefix(cand.Signal.ID, *resp.HeadlineID) {
			matches = append(matches, cand.Signal.ID)
		}
	}
	if len(matches) != 1 {
		return domain.Decision{}, fmt.Errorf("oracle: headline id %q matches %d candidates of %s", *resp.HeadlineID, len(matches), symbol)
	}
	d.SourceID = matches[0]
	return d, nil
}

func clampConfidence(v float64) int {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return int(v)
	}
}

// stripFences removes a markdown code fence around a JSON answer.
func stripFences(raw []byte) []byte {
	text := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(text, "```") {
		return []byte(text)
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return []byte(strings.TrimSpace(text))
}

func truncate(b []byte) string {
	if len(b) > 256 {
		return string(b[:256]) + "..."
	}
	return string(b)
}

// Static always waits. It stands in when no oracle is configured.
type Static struct {
	Reason string
}

var _ ports.DecisionProvider = Static{}

func (s Static) Decide(ctx context.Context, groups []domain.CandidateGroup, riskContext string) (domain.Decision, error) {
	reason := s.Reason
	if reason == "" {
		reason = "decision oracle not configured"
	}
	return domain.WaitDecision(reason), nil
}
