package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nextgen-credit/internal/auth"
	"nextgen-credit/internal/config"
	"nextgen-credit/internal/credit"
	"nextgen-credit/internal/engine"
	"nextgen-credit/internal/firewall"
	"nextgen-credit/internal/logger"
	"nextgen-credit/internal/registrar"
	"nextgen-credit/internal/replication"
	"nextgen-credit/internal/router"

	"github.com/emiago/sipgo"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to credit-proxy.toml")
	tokenFor := flag.String("token", "", "print an admin API token for the given subject and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	if *tokenFor != "" {
		issuer, err := auth.NewIssuer(cfg.Admin.JWTSecret, cfg.Admin.TokenTTL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "token: %v\n", err)
			os.Exit(1)
		}
		token, err := issuer.GenerateToken(*tokenFor)
		if err != nil {
			fmt.Fprintf(os.Stderr, "token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	log, err := logger.New(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		MaxSizeMB:  cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAge,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("credit proxy stopped", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log = log.With(zap.String("node_id", cfg.Node.ID))

	store := replication.NewRedisStore(replication.Config{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
		RecordTTL:    cfg.Redis.RecordTTL,
		NodeID:       cfg.Node.ID,
	}, log)
	defer store.Close()

	// Admission still works against local state while the store is down.
	if err := store.Ping(ctx); err != nil {
		log.Warn("shared store unreachable at startup", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(cfg.SIP.UserAgent))
	if err != nil {
		return fmt.Errorf("create user agent: %w", err)
	}
	defer ua.Close()

	client, err := sipgo.NewClient(ua)
	if err != nil {
		return fmt.Errorf("create sip client: %w", err)
	}

	registry := credit.NewRegistry(store, log)
	cc := credit.NewCallControl(registry, engine.NewDialogTerminator(client, log), log,
		credit.WithNodeID(cfg.Node.ID),
		credit.WithTeardownTimeout(cfg.Teardown.Timeout),
	)

	sweeper := credit.NewSweeper(cc, credit.SweeperConfig{
		Period:            cfg.Sweep.Period,
		StopOnCallOverage: cfg.Sweep.StopOnCallOverage,
	}, log)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	sub := replication.NewKillListSubscriber(store, cc, log)
	go sub.Run(ctx)

	rt := router.NewRoutingEngine(registrar.NewRedisRegistrar(store, log), log)
	fw := firewall.NewFirewall(cfg.Admin.AuthFailureLimit, log)

	var issuer *auth.Issuer
	if cfg.Admin.JWTSecret != "" {
		if issuer, err = auth.NewIssuer(cfg.Admin.JWTSecret, cfg.Admin.TokenTTL); err != nil {
			return err
		}
	}

	admin := engine.NewAdminAPI(cc, issuer, fw, cfg.Node.ID, log)
	go func() {
		if err := admin.Start(cfg.Admin.Addr); err != nil {
			log.Error("admin API failed", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := admin.Shutdown(shutdownCtx); err != nil {
			log.Warn("admin API shutdown", zap.Error(err))
		}
	}()

	sipEngine, err := engine.NewSIPEngine(ua, client, rt, cc, fw, cfg.SIP.TrackingHeader, log)
	if err != nil {
		return err
	}

	log.Info("credit proxy started",
		zap.String("sip_addr", cfg.SIP.Addr),
		zap.Duration("sweep_period", cfg.Sweep.Period),
		zap.Bool("stop_on_call_overage", cfg.Sweep.StopOnCallOverage),
	)
	if err := sipEngine.Start(ctx, cfg.SIP.Network, cfg.SIP.Addr); err != nil && ctx.Err() == nil {
		return fmt.Errorf("sip engine: %w", err)
	}
	log.Info("shutting down")
	return nil
}
