package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"haulbid.org/internal/auction"
	"haulbid.org/internal/audit"
	"haulbid.org/internal/httpapi"
	"haulbid.org/internal/notify"
	"haulbid.org/internal/obs"
	"haulbid.org/internal/profile"
	"haulbid.org/internal/sched"
	"haulbid.org/internal/store/pg"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)
	logger := obs.Logger()

	addr := envOr("HAULBID_ADDR", ":8080")

	var (
		ledger   auction.Ledger
		profiles profile.Directory
		nstore   notify.Store
		recorder audit.Recorder
		probe    httpapi.ReadyProbe
		closeDB  func()
	)

	if dsn := os.Getenv("HAULBID_PG_DSN"); dsn != "" {
		store, err := pg.Open(dsn)
		if err != nil {
			logger.WithError(err).Fatal("open postgres")
		}
		ledger, profiles, nstore, recorder = store, store, store, store
		probe = httpapi.ReadyProbe{DB: store.DB()}
		closeDB = func() { _ = store.Close() }
	} else if os.Getenv("HAULBID_DEV_MODE") != "" {
		mem := auction.NewInMemory()
		dir := profile.NewInMemory()
		seedDemoProfiles(dir)
		ledger, profiles = mem, dir
		nstore = notify.NewMemoryStore()
		recorder = audit.NewMemoryRecorder()
		logger.Warn("running with in-memory stores, all state is lost on restart")
	} else {
		logger.Fatal("HAULBID_PG_DSN is required unless HAULBID_DEV_MODE is set")
	}

	hub := notify.NewHub()
	dispatcher := notify.NewDispatcher(nstore, notify.LogSender{}, hub)
	svc := auction.NewService(ledger, profiles, dispatcher, recorder)

	sweepOpts := []sched.Option{}
	if raw := os.Getenv("HAULBID_SWEEP_INTERVAL"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			sweepOpts = append(sweepOpts, sched.WithInterval(d))
		} else {
			logger.WithField("value", raw).Warn("invalid HAULBID_SWEEP_INTERVAL, using default")
		}
	}
	sweeper := sched.New(svc, sweepOpts...)

	api := httpapi.New(svc, nstore, hub, httpapi.Config{
		Version: version,
		Probe:   probe,
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go dispatcher.Run(ctx)
	go func() { _ = sweeper.Run(ctx) }()

	logger.WithField("addr", addr).Infof("starting haulbid-api %s", version)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("listen")
		}
	}()
	obs.SetReady(true)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	logger.Info("shutting down")
	obs.SetReady(false)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	if closeDB != nil {
		closeDB()
	}
	logger.Info("stopped")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func seedDemoProfiles(dir *profile.InMemory) {
	for _, p := range []profile.Profile{
		{ID: "consigner-demo", Role: profile.RoleConsigner, DisplayName: "Demo Consigner"},
		{ID: "driver-pickup", Role: profile.RoleDriver, VehicleType: "pickup_truck", DisplayName: "Pickup Driver"},
		{ID: "driver-large", Role: profile.RoleDriver, VehicleType: "large_truck", DisplayName: "Large Truck Driver"},
		{ID: "driver-any", Role: profile.RoleDriver, DisplayName: "Flexible Driver"},
	} {
		_ = dir.Upsert(p)
	}
}
