// dragonfly-api is the control-plane HTTP process. It always binds its
// port: a missing or unreachable database puts the process into degraded
// mode and hands reconnection to the supervisor instead of failing boot.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/dragonfly-ops/dragonfly/config"
	"github.com/dragonfly-ops/dragonfly/dataservice"
	"github.com/dragonfly-ops/dragonfly/db"
	"github.com/dragonfly-ops/dragonfly/ingest"
	"github.com/dragonfly-ops/dragonfly/ingest/objstore"
	"github.com/dragonfly-ops/dragonfly/metrics"
	"github.com/dragonfly-ops/dragonfly/notify"
	"github.com/dragonfly-ops/dragonfly/scheduler"
	"github.com/dragonfly-ops/dragonfly/service"
	"github.com/dragonfly-ops/dragonfly/store"
	"github.com/dragonfly-ops/dragonfly/websvc"
	"github.com/dragonfly-ops/dragonfly/wscutils"
)

const appName = "dragonfly-api"

func main() {
	envFlag := flag.String("env", "", "active environment (dev|prod)")
	flag.Parse()

	env := config.ResolveEnv("", *envFlag)
	cfg, err := config.Load(env)
	if err != nil {
		// The cross-environment guard is the one configuration error
		// that must stop boot.
		log.Fatalf("configuration rejected: %v", err)
	}

	lctx := logharbour.NewLoggerContext(logharbour.DefaultPriority)
	if cfg.LogLevel == "debug" {
		lctx.ChangeMinLogPriority(logharbour.Debug0)
	}
	lg := logharbour.NewLogger(lctx, appName, log.Writer())
	lg.WithModule("boot").Info().LogActivity("starting", map[string]any{
		"env":       cfg.ActiveEnv,
		"sha_short": cfg.ShaShort(),
		"port":      cfg.Port,
	})

	state := db.NewState(db.RoleAPI)
	handle := &db.Handle{}

	connect := func(ctx context.Context) error {
		return db.InitPool(ctx, db.PoolConfig{
			DSN:        cfg.DatabaseURL,
			AppName:    appName,
			MinConns:   2,
			MaxConns:   10,
			MaxTries:   6,
			WallBudget: 60 * time.Second,
		}, state, handle, lg)
	}

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 90*time.Second)
	if err := connect(bootCtx); err != nil {
		// The API process never exits over database trouble. It serves
		// degraded envelopes while the supervisor keeps retrying.
		lg.WithModule("boot").Warn().LogActivity("booting degraded", map[string]any{
			"error": err.Error(),
		})
	}
	bootCancel()

	supervisor := db.NewSupervisor(state, connect, lg)
	if cfg.DatabaseURL != "" {
		supervisor.Start(context.Background())
	}

	st := store.New(handle)
	notifier := notify.FromConfig(cfg.DiscordWebhookURL, lg)
	m := metrics.New(appName)
	data := dataservice.New(dataservice.Config{
		RESTBaseURL: cfg.SupabaseURL,
		ServiceKey:  cfg.SupabaseServiceRoleKey,
	}, handle, lg)
	engine := ingest.NewEngine(st, lg, notifier, appName)
	guardian := ingest.NewGuardian(st, lg, notifier, ingest.DefaultStaleWindow)

	if cfg.ActiveEnv == config.EnvProd {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	svc := service.NewService(r).
		WithConfig(cfg).
		WithLogger(lg).
		WithDB(handle, state).
		WithStore(st).
		WithData(data).
		WithNotifier(notifier).
		WithMetrics(m).
		WithIngest(engine, guardian)

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			lg.WithModule("boot").Warn().LogActivity("redis url ignored", map[string]any{"error": err.Error()})
		} else {
			svc.WithCache(store.NewBatchCache(redis.NewClient(opts), st, store.DefaultBatchStatusCacheDur))
		}
	}

	if cfg.MinioEndpoint != "" {
		mc, err := minio.New(cfg.MinioEndpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
			Secure: cfg.MinioUseSSL,
		})
		if err != nil {
			lg.WithModule("boot").Warn().LogActivity("object store disabled", map[string]any{"error": err.Error()})
		} else {
			svc.WithArchive(objstore.NewMinioObjectStore(mc))
		}
	}

	websvc.RegisterRoutes(svc)

	sched := scheduler.New(lg)
	_ = sched.RegisterJittered("guardian", time.Minute, 10*time.Second, func(ctx context.Context) error {
		if !state.Ready() {
			return nil
		}
		_, err := guardian.Run(ctx)
		return err
	})
	_ = sched.Register("db_health", 30*time.Second, func(ctx context.Context) error {
		if state.Ready() {
			db.CheckDBReady(ctx, handle, state, 2*time.Second)
		}
		return nil
	})
	_ = sched.RegisterJittered("schema_check", 5*time.Minute, 30*time.Second, func(ctx context.Context) error {
		if !state.Ready() {
			return nil
		}
		missing, err := st.SchemaCheck(ctx, websvc.RequiredViews)
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			lg.WithModule("schema").Warn().LogActivity("required relations missing", map[string]any{
				"missing": missing,
			})
		}
		return nil
	})
	sched.Start(context.Background())

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.WithModule("boot").Error(err).LogActivity("http server failed", nil)
			os.Exit(1)
		}
	}()
	lg.WithModule("boot").Info().LogActivity("listening", map[string]any{
		"addr":   srv.Addr,
		"status": state.OperatorStatus(),
	})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	lg.WithModule("boot").Info().LogActivity("shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.WithModule("boot").Warn().LogActivity("shutdown incomplete", map[string]any{
			"error": wscutils.TruncateError(err.Error()),
		})
	}
	sched.Stop()
	supervisor.Stop()
	handle.Close()
}
