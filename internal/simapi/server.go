// Package simapi exposes the balance simulator over HTTP for tuning tools.
package simapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/park285/nfc-card-battle/internal/catalog"
	"github.com/park285/nfc-card-battle/internal/combat"
	"github.com/park285/nfc-card-battle/internal/obslog"
	"github.com/park285/nfc-card-battle/internal/sim"
)

const (
	DefaultTrials    = 1000
	DefaultMaxTrials = 5000
)

// Request is the body of POST /api/simulate. Omitted fields of Params and
// Strategy keep their defaults.
type Request struct {
	Params             *combat.Params           `json:"params,omitempty"`
	Strategy           *sim.RatePolicy          `json:"strategy,omitempty"`
	CharacterOverrides map[int]catalog.Override `json:"characterOverrides,omitempty"`
	Trials             *int                     `json:"trials,omitempty"`
	Seed               *uint64                  `json:"seed,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

type Config struct {
	MaxTrials int
	Workers   int
	// Timeout bounds one simulation run.
	Timeout time.Duration
}

type Server struct {
	cat *catalog.Catalog
	cfg Config
	log *zap.Logger
	srv *fasthttp.Server
}

func NewServer(cat *catalog.Catalog, cfg Config, logger *zap.Logger) *Server {
	if cat == nil {
		cat = catalog.Default()
	}
	if cfg.MaxTrials <= 0 {
		cfg.MaxTrials = DefaultMaxTrials
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if logger == nil {
		logger = obslog.L()
	}
	s := &Server{cat: cat, cfg: cfg, log: logger}
	s.srv = &fasthttp.Server{
		Handler:            s.Handle,
		Name:               "balance-sim",
		ReadTimeout:        10 * time.Second,
		WriteTimeout:       cfg.Timeout + 10*time.Second,
		MaxRequestBodySize: 1 << 20,
	}
	return s
}

func (s *Server) ListenAndServe(addr string) error { return s.srv.ListenAndServe(addr) }
func (s *Server) Serve(ln net.Listener) error      { return s.srv.Serve(ln) }
func (s *Server) Shutdown() error                  { return s.srv.Shutdown() }

// Handle routes a request. It is exported so tests and other servers can mount it.
func (s *Server) Handle(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/healthz":
		ctx.SetContentType("text/plain; charset=utf-8")
		ctx.SetBodyString("ok")
	case "/api/simulate":
		if !ctx.IsPost() {
			ctx.Response.Header.Set("Allow", fasthttp.MethodPost)
			s.fail(ctx, fasthttp.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.simulate(ctx)
	default:
		s.fail(ctx, fasthttp.StatusNotFound, "not found")
	}
}

// ClampTrials applies the default and the [1, max] bound.
func ClampTrials(requested *int, maxTrials int) int {
	n := DefaultTrials
	if requested != nil {
		n = *requested
	}
	return min(max(n, 1), maxTrials)
}

func (s *Server) simulate(ctx *fasthttp.RequestCtx) {
	params := combat.DefaultParams()
	policy := sim.DefaultPolicy()
	req := Request{Params: &params, Strategy: &policy}
	if body := ctx.PostBody(); len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			s.fail(ctx, fasthttp.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if req.Params == nil {
		req.Params = &params
	}
	if req.Strategy == nil {
		req.Strategy = &policy
	}
	trials := ClampTrials(req.Trials, s.cfg.MaxTrials)

	chars := s.cat.WithOverrides(req.CharacterOverrides)
	for _, c := range chars {
		if c.HP <= 0 || c.Attack < 0 || c.Defense < 0 {
			s.fail(ctx, fasthttp.StatusBadRequest, "character overrides must keep hp positive and stats non-negative")
			return
		}
	}
	opts := sim.Options{Workers: s.cfg.Workers, Seed: uint64(time.Now().UnixNano())}
	if req.Seed != nil {
		opts.Seed = *req.Seed
	}

	runCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()
	res, err := sim.Run(runCtx, chars, *req.Params, *req.Strategy, trials, opts)
	switch {
	case errors.Is(err, combat.ErrInvalidParams), errors.Is(err, sim.ErrInvalidPolicy), errors.Is(err, sim.ErrNoCharacters):
		s.fail(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.log.Error("sim_run_error", zap.Int("trials", trials), zap.Error(err))
		s.fail(ctx, fasthttp.StatusInternalServerError, "simulation failed")
		return
	}

	s.log.Info("sim_run",
		zap.Int("trials", trials),
		zap.Int("characters", len(chars)),
		zap.Int64("ms", res.Summary.ExecutionMs),
		zap.Float64("stalemate_rate", res.Summary.OverallStalemateRate),
	)
	s.writeJSON(ctx, fasthttp.StatusOK, res)
}

func (s *Server) writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.log.Error("sim_encode_error", zap.Error(err))
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(payload)
}

func (s *Server) fail(ctx *fasthttp.RequestCtx, status int, msg string) {
	s.writeJSON(ctx, status, errorBody{Error: msg})
}
