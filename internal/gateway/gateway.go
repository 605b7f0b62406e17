// Package gateway serves the read-only monitoring surface of the learning
// loop: health, dead letters, bandit arms, runs, and a websocket feed of bus
// events.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/goadapt/internal/audit"
	"github.com/basket/goadapt/internal/bus"
	"github.com/basket/goadapt/internal/config"
	gaotel "github.com/basket/goadapt/internal/otel"
	"github.com/basket/goadapt/internal/persistence"
	"github.com/basket/goadapt/internal/shared"
	"github.com/basket/goadapt/internal/stream"
	"github.com/basket/goadapt/internal/telemetry"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	wsWriteTimeout   = 5 * time.Second
)

// feedTopics are the bus prefixes forwarded to websocket clients.
var feedTopics = []string{"bandit.", "attempt.", "policy.", "run.", bus.TopicEventDeadLetter}

// HealthSource reports stream consumer health.
type HealthSource interface {
	Health(ctx context.Context) (stream.Health, error)
}

type Config struct {
	Store  *persistence.Store
	Stream HealthSource
	Bus    *bus.Bus
	Cfg    config.GatewayConfig
	Logger *slog.Logger
	Tracer trace.Tracer
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	limiter *RateLimiter

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// feedMessage is one bus event as written to websocket clients.
type feedMessage struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = telemetry.Component(logger, "gateway")
	return &Server{
		cfg:     cfg,
		logger:  logger,
		limiter: NewRateLimiter(cfg.Cfg.RateLimit, logger),
		clients: map[*client]struct{}{},
	}
}

// RateLimiter exposes the limiter so the caller can run its eviction loop.
func (s *Server) RateLimiter() *RateLimiter { return s.limiter }

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(s.traceMiddleware)
	r.Use(NewCORSMiddleware(s.cfg.Cfg.AllowOrigins))
	r.Use(NewAuthMiddleware(s.cfg.Cfg.APIKeys).Wrap)
	r.Use(s.limiter.Wrap)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/ws", s.handleWS)
	r.Route("/api", func(r chi.Router) {
		r.Get("/dead-letters", s.handleDeadLetters)
		r.Get("/bandit/{user}", s.handleBandit)
		r.Get("/runs", s.handleRuns)
		r.Get("/runs/{id}", s.handleRun)
	})
	return r
}

// traceMiddleware carries X-Trace-ID into the request context, minting one
// when absent, and wraps the request in a server span.
func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = shared.NewTraceID()
		}
		w.Header().Set("X-Trace-ID", traceID)
		ctx, span := gaotel.StartServerSpan(shared.WithTraceID(r.Context(), traceID), s.cfg.Tracer,
			"gateway "+r.Method,
			attribute.String("http.request.method", r.Method),
			attribute.String("url.path", r.URL.Path),
			attribute.String("goadapt.trace_id", traceID),
		)
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := map[string]any{"status": "ok"}
	code := http.StatusOK

	if err := s.cfg.Store.DB().PingContext(ctx); err != nil {
		resp["status"] = "degraded"
		resp["db_error"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	if s.cfg.Stream != nil {
		h, err := s.cfg.Stream.Health(ctx)
		if err != nil {
			resp["status"] = "degraded"
			resp["stream_error"] = err.Error()
			code = http.StatusServiceUnavailable
		} else {
			resp["stream"] = h
		}
	}
	if s.cfg.Bus != nil {
		resp["bus"] = map[string]any{
			"subscribers": s.cfg.Bus.SubscriberCount(),
			"dropped":     s.cfg.Bus.Dropped(),
		}
	}
	resp["audit_denies"] = audit.DenyCount()
	s.clientsMu.RLock()
	resp["ws_clients"] = len(s.clients)
	s.clientsMu.RUnlock()

	writeJSON(w, code, resp)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	items, err := s.cfg.Store.ListDeadLetters(r.Context(), r.URL.Query().Get("user"), limit)
	if err != nil {
		s.internalError(w, r, "list dead letters", err)
		return
	}
	if items == nil {
		items = []persistence.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": items})
}

func (s *Server) handleBandit(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	stats, err := s.cfg.Store.AllArmStats(r.Context(), user)
	if err != nil {
		s.internalError(w, r, "arm stats", err)
		return
	}
	if stats == nil {
		stats = []persistence.ArmStat{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": user, "arms": stats})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	runs, err := s.cfg.Store.ListRuns(r.Context(), q.Get("user"), q.Get("state"), limit)
	if err != nil {
		s.internalError(w, r, "list runs", err)
		return
	}
	out := make([]runView, 0, len(runs))
	for _, run := range runs {
		out = append(out, viewRun(run, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.cfg.Store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, persistence.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.internalError(w, r, "get run", err)
		return
	}
	writeJSON(w, http.StatusOK, viewRun(run, true))
}

// runView renders the stored JSON columns as embedded JSON rather than
// strings.
type runView struct {
	RunID       string          `json:"run_id"`
	UserID      string          `json:"user_id"`
	TabID       string          `json:"tab_id,omitempty"`
	Goal        string          `json:"goal,omitempty"`
	Query       string          `json:"query,omitempty"`
	Domain      string          `json:"domain"`
	StrategyID  string          `json:"strategy_id"`
	State       string          `json:"state"`
	Reason      string          `json:"reason,omitempty"`
	Policy      json.RawMessage `json:"policy,omitempty"`
	PromptDelta json.RawMessage `json:"prompt_delta,omitempty"`
	Trace       json.RawMessage `json:"trace,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func viewRun(r persistence.RunRecord, withTrace bool) runView {
	v := runView{
		RunID:       r.RunID,
		UserID:      r.UserID,
		TabID:       r.TabID,
		Goal:        r.Goal,
		Query:       r.Query,
		Domain:      r.Domain,
		StrategyID:  r.StrategyID,
		State:       r.State,
		Reason:      r.Reason,
		Policy:      rawOrNil(r.PolicyJSON),
		PromptDelta: rawOrNil(r.PromptDelta),
		StartedAt:   r.StartedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if withTrace {
		v.Trace = rawOrNil(r.TraceJSON)
	}
	return v
}

func rawOrNil(s string) json.RawMessage {
	if s == "" || !json.Valid([]byte(s)) {
		return nil
	}
	return json.RawMessage(s)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	// Same-origin requests are always accepted by the websocket library.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.Cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn}
	s.addClient(c)
	logger := telemetry.WithTrace(r.Context(), s.logger)
	logger.Info("ws: client connected", "remote", r.RemoteAddr)
	defer func() {
		s.removeClient(c)
		logger.Info("ws: client disconnected")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	// The feed is one way; CloseRead discards client frames and cancels ctx
	// when the peer goes away.
	ctx, cancel := context.WithCancel(conn.CloseRead(r.Context()))
	defer cancel()
	if s.cfg.Bus == nil {
		<-ctx.Done()
		return
	}
	subs := make([]*bus.Subscription, 0, len(feedTopics))
	for _, prefix := range feedTopics {
		subs = append(subs, s.cfg.Bus.Subscribe(prefix))
	}
	defer func() {
		for _, sub := range subs {
			s.cfg.Bus.Unsubscribe(sub)
		}
	}()

	merged := make(chan bus.Event)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *bus.Subscription) {
			defer wg.Done()
			forwardBusEvents(ctx, sub, merged)
		}(sub)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-merged:
			if err := c.write(ctx, feedMessage{Topic: ev.Topic, Payload: ev.Payload}); err != nil {
				logger.Warn("ws: write failed, closing", "topic", ev.Topic, "error", err)
				return
			}
		}
	}
}

// forwardBusEvents copies one subscription into out until ctx ends or the
// subscription closes.
func forwardBusEvents(ctx context.Context, sub *bus.Subscription, out chan<- bus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

// ClientCount reports connected websocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, payload)
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return min(n, maxListLimit), true
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	telemetry.WithTrace(r.Context(), s.logger).Error("gateway request failed", "op", op, "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
