package domain

import (
	"strings"
	"time"
)

// Signal is an ingested news item that may justify an entry.
type Signal struct {
	ID          string
	Symbol      string
	Headline    string
	Source      string
	URL         string
	PublishedAt time.Time
}

// Age returns how old the signal is at now.
func (s Signal) Age(now time.Time) time.Duration {
	return now.Sub(s.PublishedAt)
}

// Trend is the EMA-derived trend direction.
type Trend int

const (
	TrendNeutral Trend = iota
	TrendBullish
	TrendBearish
)

func (t Trend) String() string {
	switch t {
	case TrendBullish:
		return "BULLISH"
	case TrendBearish:
		return "BEARISH"
	default:
		return "NEUTRAL"
	}
}

// RSIZone classifies an RSI reading.
type RSIZone int

const (
	RSINeutral RSIZone = iota
	RSIOversold
	RSIOverbought
)

func (z RSIZone) String() string {
	switch z {
	case RSIOversold:
		return "OVERSOLD"
	case RSIOverbought:
		return "OVERBOUGHT"
	default:
		return "NEUTRAL"
	}
}

// MACDSignal classifies the MACD line against its signal line.
type MACDSignal int

const (
	MACDBearish MACDSignal = iota
	MACDBullish
	MACDBullishCross
	MACDBearishCross
)

func (m MACDSignal) String() string {
	switch m {
	case MACDBullish:
		return "BULLISH"
	case MACDBullishCross:
		return "BULLISH_CROSS"
	case MACDBearishCross:
		return "BEARISH_CROSS"
	default:
		return "BEARISH"
	}
}

// TechnicalSnapshot is the indicator state of one symbol at one point in time.
type TechnicalSnapshot struct {
	Symbol        string
	Timeframe     string
	CurrentPrice  float64
	RSI           float64
	RSIZone       RSIZone
	EMAShort      float64
	EMALong       float64
	Trend         Trend
	MACD          float64
	MACDSignal    float64
	MACDHistogram float64
	MACDIndicator MACDSignal
	ATR           float64
	ATRPercent    float64
	ComputedAt    time.Time
}

// Candidate pairs a signal with the technical snapshot of its symbol.
type Candidate struct {
	Signal    Signal
	Technical TechnicalSnapshot
}

// CandidateGroup holds all surviving candidates of one symbol.
type CandidateGroup struct {
	Symbol     string
	Technical  TechnicalSnapshot
	Candidates []Candidate
}

// Action is the oracle's recommendation.
type Action int

const (
	ActionWait Action = iota
	ActionBuy
)

func (a Action) String() string {
	if a == ActionBuy {
		return "BUY"
	}
	return "WAIT"
}

// ParseAction decodes an oracle action; anything unrecognized is WAIT.
func ParseAction(v string) Action {
	if strings.EqualFold(strings.TrimSpace(v), "BUY") {
		return ActionBuy
	}
	return ActionWait
}

// CatalystStrength is the oracle's own rating of the triggering news.
type CatalystStrength int

const (
	CatalystUnknown CatalystStrength = iota
	CatalystNoise
	CatalystModerate
	CatalystSignificant
	CatalystParadigmShift
)

func (c CatalystStrength) String() string {
	switch c {
	case CatalystNoise:
		return "noise"
	case CatalystModerate:
		return "moderate"
	case CatalystSignificant:
		return "significant"
	case CatalystParadigmShift:
		return "paradigm_shift"
	default:
		return "unknown"
	}
}

// ParseCatalystStrength decodes the oracle's catalyst label.
func ParseCatalystStrength(v string) CatalystStrength {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(v), " ", "_")) {
	case "noise":
		return CatalystNoise
	case "moderate":
		return CatalystModerate
	case "significant":
		return CatalystSignificant
	case "paradigm_shift":
		return CatalystParadigmShift
	default:
		return CatalystUnknown
	}
}

// Decision is the oracle's answer for one cycle.
type Decision struct {
	Action           Action
	Symbol           string
	SourceID         string // Signal id that triggered the decision
	Confidence       int    // 0-100
	CatalystStrength CatalystStrength
	RiskFactors      []string
	Reasoning        string
}

// WaitDecision is returned whenever the oracle fails or abstains.
func WaitDecision(reason string) Decision {
	return Decision{Action: ActionWait, Confidence: 0, Reasoning: reason}
}

// RiskContext is the output of the macro risk scan.
type RiskContext struct {
	Summary     string // Free text passed to the oracle
	Catastrophe bool   // Severe, corroborated event
	Reason      string
	ScannedAt   time.Time
}

// RejectReason explains why a candidate did not reach the oracle or the executor.
type RejectReason int

const (
	RejectNone RejectReason = iota
	RejectRSIExtreme
	RejectSignalTooOld
	RejectSymbolLimit
	RejectTotalLimit
	RejectLowConfidence
	RejectNoiseCatalyst
	RejectCooldown
	RejectDefensiveMode
)

func (r RejectReason) String() string {
	switch r {
	case RejectRSIExtreme:
		return "REJECTED_RSI_EXTREME"
	case RejectSignalTooOld:
		return "REJECTED_SIGNAL_TOO_OLD"
	case RejectSymbolLimit:
		return "REJECTED_SYMBOL_LIMIT"
	case RejectTotalLimit:
		return "REJECTED_TOTAL_LIMIT"
	case RejectLowConfidence:
		return "REJECTED_LOW_CONFIDENCE"
	case RejectNoiseCatalyst:
		return "REJECTED_NOISE_CATALYST"
	case RejectCooldown:
		return "REJECTED_COOLDOWN"
	case RejectDefensiveMode:
		return "REJECTED_DEFENSIVE_MODE"
	default:
		return "ACCEPTED"
	}
}
