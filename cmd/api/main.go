package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"koormatics.org/internal/access"
	"koormatics.org/internal/activity"
	"koormatics.org/internal/cache"
	"koormatics.org/internal/fleet"
	"koormatics.org/internal/httpapi"
	"koormatics.org/internal/obs"
	"koormatics.org/internal/realtime"
	"koormatics.org/internal/store/pg"
	"koormatics.org/internal/stream"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	var store *pg.Store
	if dsn := os.Getenv("KOORMATICS_PG_DSN"); dsn != "" {
		var err error
		store, err = pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
	} else {
		store = pg.NewWithDB(nil)
		log.Print("KOORMATICS_PG_DSN not set, running without a database")
	}

	devMode := os.Getenv("KOORMATICS_ENV") == "development"

	roles := access.NewRoleResolver(store)
	pages := access.NewPageResolver(store, store)

	caches := cache.NewManager()
	recorder := activity.NewRecorder(store)
	ops := fleet.NewOperations(store, caches, fleet.LogNotifier{}, recorder)

	caches.Register(cache.KeyTrips, func(ctx context.Context) (any, error) {
		return ops.ListTrips(ctx, fleet.ListFilter{})
	})

	guard := access.NewGuard(func(userID string) {
		roles.Invalidate(userID)
		pages.Invalidate(userID)
	}, caches)

	events := stream.New()

	var rt *realtime.Manager
	rtCtx, rtCancel := context.WithCancel(context.Background())
	defer rtCancel()
	if feedURL := os.Getenv("KOORMATICS_REALTIME_URL"); feedURL != "" {
		opts := []realtime.Option{
			realtime.WithEventHook(func(evt stream.ChangeEvent) {
				caches.MarkRecentUpdates()
				caches.InvalidateAndRefetch(rtCtx, cache.Key(evt.Table))
			}),
		}
		if adminURL := os.Getenv("KOORMATICS_REALTIME_ADMIN_URL"); adminURL != "" {
			opts = append(opts, realtime.WithAdminURL(adminURL))
		}
		rt = realtime.NewManager(realtime.WebsocketDialer(feedURL), events, opts...)
		rt.Start(rtCtx)
	}

	cfg := httpapi.Config{
		Version:   version,
		DevMode:   devMode,
		Domain:    access.ResolveDomain("", "", os.Getenv("KOORMATICS_DOMAIN")),
		EnvDomain: os.Getenv("KOORMATICS_DOMAIN"),
	}

	api := httpapi.New(httpapi.ReadyProbe{DB: store.DB()}, cfg, httpapi.Deps{
		Users:      store,
		RoleSource: store,
		Roles:      roles,
		Pages:      pages,
		Guard:      guard,
		Caches:     caches,
		Trips:      ops,
		Realtime:   rt,
		Events:     events,
		Activity:   recorder,
	})

	handler := httpapi.RequestID(api.Handler())
	handler = httpapi.Logging(handler)
	handler = httpapi.SecurityHeaders(handler)
	handler = httpapi.CORS(handler)
	handler = httpapi.MaxBodyBytes(handler, 1<<20)
	handler = httpapi.RateLimit(handler, 50, 25)

	addr := os.Getenv("KOORMATICS_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      0, // SSE connections stay open
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting koormatics-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	if rt != nil {
		rt.Stop()
	}
	rtCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	_ = store.Close()
	log.Println("Stopped")
}
