// Command snapvrt is the CLI entrypoint: "test" captures and compares
// against the accepted baselines, "update" captures straight to the
// baselines, and "prune" drops baselines no longer produced by the
// current story matrix.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/snapvrt/snapvrt/internal/browser"
	"github.com/snapvrt/snapvrt/internal/config"
	"github.com/snapvrt/snapvrt/internal/logging"
	"github.com/snapvrt/snapvrt/internal/model"
	"github.com/snapvrt/snapvrt/internal/orchestrator"
	"github.com/snapvrt/snapvrt/internal/report"
	"github.com/snapvrt/snapvrt/internal/storysrv"
	"github.com/snapvrt/snapvrt/internal/store"
	"github.com/snapvrt/snapvrt/internal/ui"
	"go.uber.org/zap"
)

const staticServeWait = 10 * time.Second

// Exit codes: 0 all pass, 1 any failure/new/error found, 2 the run
// could not even start (config, connect, or discovery failure).
const (
	exitOK          = 0
	exitFindings    = 1
	exitConfigError = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 2 {
		usage()
		return exitConfigError
	}

	switch os.Args[1] {
	case "test":
		return runTest(os.Args[2:])
	case "update":
		return runUpdate(os.Args[2:])
	case "prune":
		return runPrune(os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "snapvrt: unknown command %q\n", os.Args[1])
		usage()
		return exitConfigError
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: snapvrt <command> [flags]

commands:
  test     capture stories and compare against accepted baselines
  update   capture stories and write them as the new baselines
  prune    remove baselines no longer produced by the story matrix`)
}

type commonFlags struct {
	configPath string
	filter     string
	useUI      bool
	logPath    string
	logLevel   string
}

func bindCommon(fs *flag.FlagSet) *commonFlags {
	c := &commonFlags{}
	fs.StringVar(&c.configPath, "config", ".snapvrt/config.toml", "path to config.toml")
	fs.StringVar(&c.filter, "filter", "", "case-insensitive substring filter over title/name")
	fs.BoolVar(&c.useUI, "ui", false, "show the interactive progress UI instead of plain terminal output")
	fs.StringVar(&c.logPath, "log-file", "", "path to write structured logs (stdout-only if empty)")
	fs.StringVar(&c.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	return c
}

func initLogging(c *commonFlags) func() {
	stop, err := logging.Init(logging.Config{
		Level:    c.logLevel,
		FilePath: c.logPath,
		Console:  true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "snapvrt: failed to initialize logging: %v\n", err)
		return func() {}
	}
	return stop
}

func loadRun(c *commonFlags) (*config.Config, *store.Store, *browser.Session, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, nil, nil, err
	}

	st := store.New(".snapvrt")

	ctx := context.Background()
	var session *browser.Session
	if cfg.Capture.ChromeURL != "" {
		session, err = browser.Connect(ctx, cfg.Capture.ChromeURL)
	} else {
		session, err = browser.LaunchLocal(ctx, nil)
	}
	if err != nil {
		return nil, nil, nil, err
	}

	return cfg, st, session, nil
}

// serveStaticSources starts internal/storysrv for every configured
// source backed by an already-built static directory rather than a live
// dev server. Returns a single stop func covering all of them.
func serveStaticSources(ctx context.Context, cfg *config.Config) (func(), error) {
	var controllers []*storysrv.Controller
	stop := func() {
		for _, c := range controllers {
			c.Stop()
		}
	}

	for _, src := range cfg.Source {
		if src.StaticDir == "" {
			continue
		}
		ctrl, started, err := storysrv.ServeIfNeeded(ctx, src.StaticPort(), src.StaticDir, src.HealthPath, staticServeWait)
		if err != nil {
			stop()
			return nil, fmt.Errorf("serve static source %q: %w", src.URL, err)
		}
		if started {
			controllers = append(controllers, ctrl)
		}
	}
	return stop, nil
}

// jobCount estimates the story×viewport matrix size for the UI's total
// counter; the orchestrator recomputes the real matrix independently.
func jobCount(cfg *config.Config) int {
	total := 0
	for _, src := range cfg.Source {
		total += len(cfg.Viewports(src))
	}
	return total
}

func runTest(args []string) int {
	fs := flag.NewFlagSet("test", flag.ExitOnError)
	c := bindCommon(fs)
	reportPath := fs.String("report", ".snapvrt/report.json", "path to write the JSON report")
	fs.Parse(args)

	stop := initLogging(c)
	defer stop()

	cfg, st, session, err := loadRun(c)
	if err != nil {
		return fail(err)
	}
	defer session.Shutdown()

	ctx, cancel := signalContext()
	defer cancel()

	stopStatic, err := serveStaticSources(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	defer stopStatic()

	orch := orchestrator.New(cfg, st, session, c.filter)
	outcomes, err := orch.Run(ctx)
	if err != nil {
		return fail(err)
	}

	collected := drain(ctx, jobCount(cfg), outcomes, c.useUI)
	rep := report.Build(time.Now(), collected)
	if err := report.Write(*reportPath, rep); err != nil {
		logging.L.Error("failed to write report", zap.Error(err))
	}
	report.PrintSummary(os.Stdout, rep)

	if rep.Failed > 0 || rep.Errored > 0 || rep.New > 0 {
		return exitFindings
	}
	return exitOK
}

func runUpdate(args []string) int {
	fs := flag.NewFlagSet("update", flag.ExitOnError)
	c := bindCommon(fs)
	fs.Parse(args)

	stop := initLogging(c)
	defer stop()

	cfg, st, session, err := loadRun(c)
	if err != nil {
		return fail(err)
	}
	defer session.Shutdown()

	ctx, cancel := signalContext()
	defer cancel()

	stopStatic, err := serveStaticSources(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	defer stopStatic()

	orch := orchestrator.New(cfg, st, session, c.filter)
	outcomes, err := orch.Update(ctx)
	if err != nil {
		return fail(err)
	}

	collected := drain(ctx, jobCount(cfg), outcomes, c.useUI)
	errored := 0
	for _, o := range collected {
		if o.Status == model.OutcomeError {
			errored++
		}
	}
	if errored > 0 {
		return exitFindings
	}
	return exitOK
}

func runPrune(args []string) int {
	fs := flag.NewFlagSet("prune", flag.ExitOnError)
	c := bindCommon(fs)
	dryRun := fs.Bool("dry-run", false, "report what would be removed without deleting")
	fs.Parse(args)

	stop := initLogging(c)
	defer stop()

	cfg, err := config.Load(c.configPath)
	if err != nil {
		return fail(err)
	}
	st := store.New(".snapvrt")

	orch := orchestrator.New(cfg, st, nil, c.filter)
	removed, err := orch.Prune(context.Background(), *dryRun)
	if err != nil {
		return fail(err)
	}

	for _, p := range removed {
		fmt.Println("pruned:", p)
	}
	fmt.Printf("%d baseline(s) pruned\n", len(removed))
	return exitOK
}

// drain streams outcomes to either the plain terminal reporter or the
// interactive UI, collecting every outcome for the final report.
func drain(ctx context.Context, total int, outcomes <-chan model.SnapshotOutcome, useUI bool) []model.SnapshotOutcome {
	var collected []model.SnapshotOutcome

	if !useUI {
		for o := range outcomes {
			report.PrintLine(os.Stdout, o)
			collected = append(collected, o)
		}
		return collected
	}

	send, stop := ui.Run(ctx, total)
	defer stop()
	for o := range outcomes {
		send(ui.Event{Type: ui.EvtStart, Outcome: o})
		send(ui.Event{Type: ui.EvtDone, Outcome: o})
		collected = append(collected, o)
	}
	return collected
}

func fail(err error) int {
	fmt.Fprintln(os.Stderr, "snapvrt:", err)
	return exitConfigError
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
