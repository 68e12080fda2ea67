package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/park285/nfc-card-battle/internal/catalog"
	"github.com/park285/nfc-card-battle/internal/combat"
	"github.com/park285/nfc-card-battle/internal/config"
	"github.com/park285/nfc-card-battle/internal/msgcat"
	"github.com/park285/nfc-card-battle/internal/obslog"
	"github.com/park285/nfc-card-battle/internal/sim"
	"github.com/park285/nfc-card-battle/internal/simapi"
)

// scenario is the YAML tuning file. Omitted keys keep their defaults.
type scenario struct {
	Params     combat.Params            `yaml:"params"`
	Strategy   sim.RatePolicy           `yaml:"strategy"`
	Characters map[int]catalog.Override `yaml:"characters"`
	Trials     int                      `yaml:"trials"`
}

func main() {
	var (
		file    = flag.String("scenario", "", "YAML file with params, strategy and character overrides")
		trials  = flag.Int("trials", 0, "trials per matchup (default 1000, or the scenario value)")
		seed    = flag.Uint64("seed", 0, "random seed; 0 picks one from the clock")
		workers = flag.Int("workers", 0, "parallel matchups; 0 uses every CPU")
		asJSON  = flag.Bool("json", false, "print the full result as JSON")
		remote  = flag.String("remote", "", "run on a simulator service at this base URL")
		serve   = flag.Bool("serve", false, "serve the simulator API on SIM_ADDR instead of running once")
	)
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.Init(cfg.Log); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer obslog.Sync()

	chars, err := catalog.New(cfg.CatalogPath)
	if err != nil {
		log.Fatalf("catalog error: %v", err)
	}
	msgs, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		log.Fatalf("messages error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *serve {
		if err := serveAPI(ctx, cfg, chars); err != nil {
			obslog.L().Error("sim_serve_exit", zap.Error(err))
			obslog.Sync()
			os.Exit(1)
		}
		return
	}

	sc, err := loadScenario(*file)
	if err != nil {
		log.Fatalf("scenario error: %v", err)
	}
	var requested *int
	if sc.Trials > 0 {
		requested = &sc.Trials
	}
	if *trials > 0 {
		requested = trials
	}
	nTrials := simapi.ClampTrials(requested, cfg.SimMaxTrials)
	s := *seed
	if s == 0 {
		s = uint64(time.Now().UnixNano())
	}

	var res *sim.Result
	if *remote != "" {
		client := simapi.NewClient(*remote, simapi.WithTimeout(cfg.SimTimeout+10*time.Second))
		res, err = client.Simulate(ctx, simapi.Request{
			Params:             &sc.Params,
			Strategy:           &sc.Strategy,
			CharacterOverrides: sc.Characters,
			Trials:             &nTrials,
			Seed:               &s,
		})
	} else {
		w := *workers
		if w == 0 {
			w = cfg.SimWorkers
		}
		res, err = sim.Run(ctx, chars.WithOverrides(sc.Characters), sc.Params, sc.Strategy, nTrials, sim.Options{Workers: w, Seed: s})
	}
	if err != nil {
		log.Fatalf("simulation failed: %v", err)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(res)
		return
	}
	printReport(os.Stdout, msgs, res, sc.Params, nTrials, s)
}

func loadScenario(path string) (scenario, error) {
	sc := scenario{Params: combat.DefaultParams(), Strategy: sim.DefaultPolicy()}
	if path == "" {
		return sc, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return sc, err
	}
	if err := yaml.Unmarshal(b, &sc); err != nil {
		return sc, fmt.Errorf("parse %s: %w", path, err)
	}
	return sc, nil
}

func serveAPI(ctx context.Context, cfg *config.AppConfig, chars *catalog.Catalog) error {
	srv := simapi.NewServer(chars, simapi.Config{
		MaxTrials: cfg.SimMaxTrials,
		Workers:   cfg.SimWorkers,
		Timeout:   cfg.SimTimeout,
	}, obslog.L())

	errCh := make(chan error, 1)
	go func() {
		obslog.L().Info("sim_listen", zap.String("addr", cfg.SimAddr))
		errCh <- srv.ListenAndServe(cfg.SimAddr)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return srv.Shutdown()
	}
}

func printReport(out io.Writer, msgs *msgcat.Catalog, res *sim.Result, params combat.Params, trials int, seed uint64) {
	fmt.Fprintln(out, msgs.Text("report.header", map[string]any{"Trials": trials, "Seed": seed, "Ms": res.Summary.ExecutionMs}))
	fmt.Fprintln(out)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintf(tw, "%s\t", msgs.Text("report.corner", nil))
	for _, c := range res.Characters {
		fmt.Fprintf(tw, "%s\t", c.Name)
	}
	fmt.Fprintln(tw)
	n := len(res.Characters)
	for i, a := range res.Characters {
		fmt.Fprintf(tw, "%s\t", a.Name)
		for j := range res.Characters {
			fmt.Fprintf(tw, "%.1f%%\t", res.Matrix[i*n+j].WinRateA*100)
		}
		fmt.Fprintln(tw)
	}
	_ = tw.Flush()

	s := res.Summary
	fmt.Fprintln(out)
	fmt.Fprintln(out, msgs.Text("report.first_mover", map[string]any{"Pct": s.FirstMoverWinRate * 100}))
	fmt.Fprintln(out, msgs.Text("report.avg_turns", map[string]any{"Turns": s.AvgTurns}))
	fmt.Fprintln(out, msgs.Text("report.stalemate", map[string]any{"Pct": s.OverallStalemateRate * 100}))

	for _, a := range res.Characters {
		for _, b := range res.Characters {
			if a.ID != b.ID && sim.ExpectedDamage(a.Attack, b.Defense, params) == 0 {
				fmt.Fprintln(out, msgs.Text("report.stall_warning", map[string]any{"Attacker": a.Name, "Defender": b.Name}))
			}
		}
	}
}
