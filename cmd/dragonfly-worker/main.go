// dragonfly-worker is the background ingest process. Unlike the API it has
// no reason to live without a database: a fatal auth or pooler-lockout
// error makes it exit with a distinct code so the platform stops restarting
// it into the same lockout.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/dragonfly-ops/dragonfly/config"
	"github.com/dragonfly-ops/dragonfly/db"
	"github.com/dragonfly-ops/dragonfly/heartbeat"
	"github.com/dragonfly-ops/dragonfly/ingest"
	"github.com/dragonfly-ops/dragonfly/notify"
	"github.com/dragonfly-ops/dragonfly/scheduler"
	"github.com/dragonfly-ops/dragonfly/store"
)

const appName = "dragonfly-worker"

func main() {
	envFlag := flag.String("env", "", "active environment (dev|prod)")
	migrateFlag := flag.Bool("migrate", false, "run schema migrations and exit")
	flag.Parse()

	env := config.ResolveEnv("", *envFlag)
	cfg, err := config.Load(env)
	if err != nil {
		log.Fatalf("configuration rejected: %v", err)
	}

	lctx := logharbour.NewLoggerContext(logharbour.DefaultPriority)
	if cfg.LogLevel == "debug" {
		lctx.ChangeMinLogPriority(logharbour.Debug0)
	}
	lg := logharbour.NewLogger(lctx, appName, log.Writer())

	if *migrateFlag {
		os.Exit(runMigrations(cfg, lg))
	}

	if cfg.DatabaseURL == "" {
		lg.WithModule("boot").Error(db.ErrNoConfig).LogActivity("worker cannot start without a database", nil)
		os.Exit(1)
	}

	state := db.NewState(db.RoleWorker)
	handle := &db.Handle{}

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 90*time.Second)
	err = db.InitPool(bootCtx, db.PoolConfig{
		DSN:        cfg.DatabaseURL,
		AppName:    appName,
		MinConns:   2,
		MaxConns:   10,
		MaxTries:   6,
		WallBudget: 60 * time.Second,
	}, state, handle, lg)
	bootCancel()
	if err != nil {
		if db.IsFatalClass(state.LastErrorClass()) {
			// Exiting with a distinct code lets the platform apply a
			// long restart delay instead of hammering the pooler.
			lg.WithModule("boot").Error(err).LogActivity("fatal database error class, exiting", map[string]any{
				"class":     string(state.LastErrorClass()),
				"exit_code": db.ExitAuthLockout,
			})
			os.Exit(db.ExitAuthLockout)
		}
		lg.WithModule("boot").Error(err).LogActivity("database unavailable", nil)
		os.Exit(1)
	}
	defer handle.Close()

	st := store.New(handle)
	notifier := notify.FromConfig(cfg.DiscordWebhookURL, lg)

	hb := heartbeat.New("ingest", st, lg)
	engine := ingest.NewEngine(st, lg, notifier, hb.WorkerID())
	guardian := ingest.NewGuardian(st, lg, notifier, ingest.DefaultStaleWindow)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hb.SetStatus(heartbeat.StatusRunning)
	hb.Beat(runCtx)

	sched := scheduler.New(lg)
	_ = sched.Register("heartbeat", 10*time.Second, func(ctx context.Context) error {
		hb.Beat(ctx)
		return nil
	})
	_ = sched.RegisterJittered("guardian", time.Minute, 10*time.Second, func(ctx context.Context) error {
		report, err := guardian.Run(ctx)
		if err != nil {
			hb.JobDone(true)
			return err
		}
		if report.MarkedFailed > 0 {
			hb.JobDone(false)
		}
		return nil
	})
	sched.Start(runCtx)

	// One poller per directory so each feed directory maps to its own
	// batch source.
	for _, dir := range cfg.WatchDirs {
		source := filepath.Base(filepath.Clean(dir))
		if !ingest.ValidSource(source) {
			source = "manual"
		}
		infiled := ingest.NewInfiled(ingest.InfiledConfig{
			WatchDirs: []string{dir},
			Mappings:  []ingest.SourceMapping{{Pattern: "**/*.csv", Source: source}},
		}, engine, lg)
		go infiled.Run(runCtx)
	}

	lg.WithModule("boot").Info().LogActivity("worker running", map[string]any{
		"worker_id": hb.WorkerID(),
		"env":       cfg.ActiveEnv,
	})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	lg.WithModule("boot").Info().LogActivity("worker stopping", nil)
	cancel()
	sched.Stop()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	hb.Stop(stopCtx)
	stopCancel()
}

func runMigrations(cfg *config.Settings, lg *logharbour.Logger) int {
	if cfg.DatabaseURL == "" {
		lg.WithModule("migrate").Error(db.ErrNoConfig).LogActivity("cannot migrate without a database url", nil)
		return 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	conn, err := pgx.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		class := db.Classify(err)
		lg.WithModule("migrate").Error(err).LogActivity("connect failed", map[string]any{
			"class": string(class),
		})
		if db.IsFatalClass(class) {
			return db.ExitAuthLockout
		}
		return 1
	}
	defer conn.Close(ctx)

	if err := store.MigrateDatabase(ctx, conn); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			lg.WithModule("migrate").Error(err).LogActivity("migration timed out", nil)
		} else {
			lg.WithModule("migrate").Error(err).LogActivity("migration failed", nil)
		}
		return 1
	}
	lg.WithModule("migrate").Info().LogActivity("migrations applied", nil)
	return 0
}
