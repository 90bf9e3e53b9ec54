// Package httpapi serves the read-only admin endpoints of the bot.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"

	"fusionbot/internal/app"
	"fusionbot/internal/domain"
	"fusionbot/internal/ports"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultStatsDays = 7
	maxStatsDays     = 365
)

// StatusSource provides the operator view of the bot.
type StatusSource interface {
	Status(ctx context.Context, since time.Time) (app.Status, error)
}

// Config holds the admin server settings.
type Config struct {
	Addr string
	// StaleAfter is how old the heartbeat may be before /healthz reports 503.
	// Zero disables the check.
	StaleAfter time.Duration
}

// Server exposes /healthz, /metrics, /positions and /stats.
type Server struct {
	cfg     Config
	status  StatusSource
	router  *mux.Router
	logger  ports.Logger
	now     func() time.Time
	httpSrv *http.Server
}

// NewServer builds the router. metrics may be nil, in which case /metrics is not served.
func NewServer(cfg Config, status StatusSource, metrics http.Handler, logger ports.Logger) (*Server, error) {
	if status == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for admin server")
	}
	s := &Server{
		cfg:    cfg,
		status: status,
		router: mux.NewRouter(),
		logger: logger,
		now:    time.Now,
	}

	s.router.Use(s.recoverPanics)
	s.router.Use(s.logRequests)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/positions", s.handlePositions).Methods(http.MethodGet)
	s.router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	if metrics != nil {
		s.router.Handle("/metrics", metrics).Methods(http.MethodGet)
	}
	return s, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	op := "Run"
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, op+": Admin server listening", map[string]interface{}{"addr": s.cfg.Addr})
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("admin server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin server shutdown failed: %w", err)
	}
	s.logger.Info(ctx, op+": Admin server stopped")
	return nil
}

type healthResponse struct {
	Status    string     `json:"status"`
	Exchange  string     `json:"exchange"`
	Mode      string     `json:"mode"`
	Heartbeat *time.Time `json:"heartbeat,omitempty"`
	Open      int        `json:"open_positions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st, err := s.status.Status(r.Context(), s.now())
	if err != nil {
		s.respondError(w, r, http.StatusServiceUnavailable, err)
		return
	}
	resp := healthResponse{
		Status:    "ok",
		Exchange:  st.Exchange,
		Mode:      st.Mode.String(),
		Heartbeat: st.Heartbeat,
		Open:      len(st.OpenPositions),
	}
	code := http.StatusOK
	if s.cfg.StaleAfter > 0 && (st.Heartbeat == nil || s.now().Sub(*st.Heartbeat) > s.cfg.StaleAfter) {
		resp.Status = "stale"
		code = http.StatusServiceUnavailable
	}
	s.respondJSON(w, code, resp)
}

type positionView struct {
	ID            int64     `json:"id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	EntryPrice    float64   `json:"entry_price"`
	Quantity      float64   `json:"quantity"`
	VirtualSL     float64   `json:"virtual_sl"`
	VirtualTP     float64   `json:"virtual_tp"`
	CatastropheSL float64   `json:"catastrophe_sl"`
	StopOrderID   string    `json:"stop_order_id,omitempty"`
	OpenedAt      time.Time `json:"opened_at"`
	AgeMinutes    float64   `json:"age_minutes"`
	SignalID      string    `json:"signal_id,omitempty"`
	Headline      string    `json:"headline,omitempty"`
	Confidence    int       `json:"confidence"`
}

func toPositionView(p *domain.Position, now time.Time) positionView {
	return positionView{
		ID:            p.ID,
		Symbol:        p.Symbol,
		Side:          p.Side.String(),
		EntryPrice:    p.EntryPrice,
		Quantity:      p.Quantity,
		VirtualSL:     p.VirtualSL,
		VirtualTP:     p.VirtualTP,
		CatastropheSL: p.CatastropheSL,
		StopOrderID:   p.StopOrderID(),
		OpenedAt:      p.OpenedAt,
		AgeMinutes:    math.Round(p.Age(now).Minutes()*10) / 10,
		SignalID:      p.SignalID,
		Headline:      p.Headline,
		Confidence:    p.Confidence,
	}
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	st, err := s.status.Status(r.Context(), now)
	if err != nil {
		s.respondError(w, r, http.StatusInternalServerError, err)
		return
	}
	views := make([]positionView, 0, len(st.OpenPositions))
	for _, p := range st.OpenPositions {
		views = append(views, toPositionView(p, now))
	}
	s.respondJSON(w, http.StatusOK, views)
}

type statsResponse struct {
	Since        time.Time      `json:"since"`
	Days         int            `json:"days"`
	TotalTrades  int            `json:"total_trades"`
	Wins         int            `json:"wins"`
	Losses       int            `json:"losses"`
	Unknown      int            `json:"unknown"`
	WinRate      float64        `json:"win_rate"`
	TotalPnL     float64        `json:"total_pnl"`
	AveragePnL   float64        `json:"average_pnl"`
	BestTrade    float64        `json:"best_trade"`
	WorstTrade   float64        `json:"worst_trade"`
	ProfitFactor *float64       `json:"profit_factor"` // Null when there were no losing trades
	MaxDrawdown  float64        `json:"max_drawdown"`
	ByReason     map[string]int `json:"by_reason"`
}

func toStatsResponse(p domain.PerformanceStats, days int) statsResponse {
	resp := statsResponse{
		Since:       p.Since,
		Days:        days,
		TotalTrades: p.TotalTrades,
		Wins:        p.Wins,
		Losses:      p.Losses,
		Unknown:     p.Unknown,
		WinRate:     p.WinRate,
		TotalPnL:    p.TotalPnL,
		AveragePnL:  p.AveragePnL,
		BestTrade:   p.BestTrade,
		WorstTrade:  p.WorstTrade,
		MaxDrawdown: p.MaxDrawdown,
		ByReason:    make(map[string]int, len(p.ByReason)),
	}
	if !math.IsInf(p.ProfitFactor, 0) && !math.IsNaN(p.ProfitFactor) {
		pf := p.ProfitFactor
		resp.ProfitFactor = &pf
	}
	for reason, n := range p.ByReason {
		resp.ByReason[reason.String()] = n
	}
	return resp
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	days := defaultStatsDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxStatsDays {
			s.respondError(w, r, http.StatusBadRequest, fmt.Errorf("days must be an integer in [1, %d]", maxStatsDays))
			return
		}
		days = n
	}

	since := s.now().Add(-time.Duration(days) * 24 * time.Hour)
	st, err := s.status.Status(r.Context(), since)
	if err != nil {
		s.respondError(w, r, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, toStatsResponse(st.Performance, days))
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, code int, err error) {
	if code >= http.StatusInternalServerError {
		s.logger.Error(r.Context(), err, "respondError: Admin request failed", map[string]interface{}{"path": r.URL.Path})
	}
	s.respondJSON(w, code, errorResponse{Error: err.Error()})
}

func (s *Server) respondJSON(w http.ResponseWriter, code int, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug(r.Context(), "Admin request", map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).String(),
		})
	})
}

func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.respondError(w, r, http.StatusInternalServerError, fmt.Errorf("panic: %v", rec))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
