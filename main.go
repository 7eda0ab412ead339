package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	log "github.com/sirupsen/logrus"

	"haven/admin"
	"haven/auth"
	"haven/billing"
	"haven/config"
	"haven/db"
	"haven/donations"
	"haven/events"
	"haven/gateway"
	"haven/globals"
	"haven/ledger"
	"haven/livefeed"
	"haven/logging"
	"haven/middleware"
	"haven/mq"
	"haven/notify"
	"haven/pay"
	"haven/ratelim"
	"haven/rdx"
	"haven/registrations"
	"haven/routes"
	"haven/scheduler"
	"haven/sheets"
	"haven/tickets"
	"haven/utils"
)

// securityHeaders applies a set of recommended HTTP security headers.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "frame-ancestors 'none'")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs each request method, path, remote address, and duration.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = utils.GetUUID()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), globals.RequestIDKey, id)))
		log.WithFields(log.Fields{
			"request_id": id,
			"method":     r.Method,
			"path":       r.URL.Path,
			"remote":     r.RemoteAddr,
			"duration":   time.Since(start).String(),
		}).Info("request")
	})
}

// Index is a simple health check handler.
func Index(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	fmt.Fprint(w, "200")
}

// openStore picks the ledger backend. The returned closer releases it.
func openStore(ctx context.Context, cfg config.Config) (ledger.Store, func(), error) {
	if cfg.DBDriver == "sql" {
		conn, err := db.OpenSQL(cfg.DatabaseDSN)
		if err != nil {
			return nil, nil, err
		}
		closer := func() {
			if sqlDB, err := conn.DB(); err == nil {
				sqlDB.Close()
			}
		}
		return ledger.NewSQLStore(conn), closer, nil
	}
	client, mdb, err := db.ConnectMongo(ctx, cfg.MongoURI, cfg.MongoDB)
	if err != nil {
		return nil, nil, err
	}
	closer := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		client.Disconnect(ctx)
	}
	return ledger.NewMongoStore(mdb), closer, nil
}

func buildGateways(cfg config.Config) *gateway.Registry {
	reg := gateway.NewRegistry(cfg.DefaultProcessor)
	if cfg.BanquestSourceKey != "" {
		reg.Register(gateway.NewBanquest(gateway.BanquestConfig{
			SourceKey: cfg.BanquestSourceKey,
			Pin:       cfg.BanquestPin,
			BaseURL:   cfg.BanquestBaseURL,
			Sandbox:   !cfg.Production(),
			Timeout:   cfg.GatewayTimeout,
		}))
	}
	if cfg.SquareAccessToken != "" {
		reg.Register(gateway.NewSquare(gateway.SquareConfig{
			AccessToken: cfg.SquareAccessToken,
			LocationID:  cfg.SquareLocationID,
			BaseURL:     cfg.SquareBaseURL,
			Sandbox:     !cfg.Production(),
			Timeout:     cfg.GatewayTimeout,
		}))
	}
	if len(reg.Names()) == 0 {
		log.Warn("no payment processor configured; online payments will be refused")
	}
	return reg
}

func buildSink(cfg config.Config) notify.Sink {
	if cfg.SMTPHost == "" {
		log.Info("SMTP_HOST not set; emails are logged instead of sent")
		return notify.LogSink{}
	}
	return notify.NewSMTPSink(notify.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		User:     cfg.SMTPUser,
		Pass:     cfg.SMTPPass,
		From:     cfg.MailFrom,
		SiteName: cfg.SiteName,
	})
}

func buildMirror(ctx context.Context, cfg config.Config) sheets.Mirror {
	if cfg.SheetsSpreadsheetID == "" {
		return sheets.NopMirror{}
	}
	m, err := sheets.NewGoogleMirror(ctx, cfg.SheetsSpreadsheetID, cfg.SheetsCredentialsFile)
	if err != nil {
		log.WithError(err).Warn("spreadsheet mirror disabled")
		return sheets.NopMirror{}
	}
	return m
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logging.Setup(cfg.LogLevel, cfg.LogFile, cfg.Production())

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("ledger store unavailable")
	}
	defer closeStore()

	// Live feed: Redis pub/sub when configured so every instance sees every
	// event, otherwise straight into this process's hub.
	hub := livefeed.NewHub()
	go hub.Run()

	var (
		locker    rdx.Locker
		publisher mq.Publisher
		conn      *redis.Client
	)
	conn, err = rdx.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		log.WithError(err).Fatal("redis unavailable")
	}
	if conn != nil {
		defer conn.Close()
		locker = rdx.NewRedisLocker(conn)
		publisher = mq.NewRedisPublisher(conn)
		go mq.StartRelay(ctx, conn, hub)
	} else {
		log.Warn("REDIS_ADDR not set; locks and live events are local to this process")
		locker = rdx.NewLocalLocker()
		publisher = mq.NewDirectPublisher(hub)
	}

	gateways := buildGateways(cfg)
	sink := buildSink(cfg)
	mirror := buildMirror(ctx, cfg)
	detached := notify.NewDispatcher(notify.DefaultTimeout)
	adminAuth := &middleware.AdminAuth{Secret: []byte(cfg.JWTSecret)}
	signer := tickets.NewSigner(cfg.TicketSigningKey)

	limiter := ratelim.NewRateLimiter(cfg.RateLimitPerMinute, 5)
	limiter.TrustedHops = cfg.TrustProxyHops
	go limiter.Janitor(ctx)

	cycle := &billing.Cycle{
		Store:    store,
		Gateways: gateways,
		Locker:   locker,
		Sink:     sink,
		Detached: detached,
		Events:   publisher,
	}
	if cfg.Production() && cfg.CronSecret == "" {
		log.Warn("CRON_SECRET not set; the billing endpoint will refuse every call")
	}

	var sched *scheduler.Scheduler
	if cfg.CronSchedule != "" {
		if sched, err = scheduler.Start(cfg.CronSchedule, cycle, cfg.Location); err != nil {
			log.WithError(err).Fatal("invalid CRON_SCHEDULE")
		}
	}

	deps := routes.Deps{
		Events: &events.Handler{
			Store:        store,
			UploadDir:    cfg.UploadDir,
			PublicPrefix: "/static/events",
			Location:     cfg.Location,
		},
		Donations: &donations.Handler{
			Store:    store,
			Gateways: gateways,
			Sink:     sink,
			Detached: detached,
			Mirror:   mirror,
			Events:   publisher,
			Location: cfg.Location,
		},
		Registrations: &registrations.Handler{
			Store:    store,
			Gateways: gateways,
			Locker:   locker,
			Sink:     sink,
			Detached: detached,
			Mirror:   mirror,
			Events:   publisher,
			Signer:   signer,
			BaseURL:  cfg.PublicBaseURL,
		},
		Tickets: &tickets.Handler{Store: store, Signer: signer, SiteName: cfg.SiteName},
		Admin:   &admin.Handler{Store: store, Sink: sink, Detached: detached, AdminEmail: cfg.AdminEmail},
		Auth: &auth.Handler{
			Tokens:       adminAuth,
			PasswordHash: cfg.AdminPasswordHash,
			Password:     cfg.AdminPassword,
		},
		Billing: &billing.Trigger{
			Cycle:      cycle,
			Secret:     cfg.CronSecret,
			Production: cfg.Production(),
			Location:   cfg.Location,
		},
		AdminAuth:  adminAuth,
		Limiter:    limiter,
		Idempotent: pay.Idempotency(store),
		LiveFeed:   livefeed.Handler(hub, adminAuth.Valid, cfg.CORSOrigins),
		UploadDir:  cfg.UploadDir,
	}
	if cfg.Sandbox() {
		if g, err := gateways.Select(gateway.ProcessorBanquest); err == nil {
			if charger, ok := g.(pay.CardCharger); ok {
				deps.SandboxCharge = pay.DirectCharge(charger)
				log.Warn("sandbox direct card charges enabled")
			}
		}
	}

	router := httprouter.New()
	router.GET("/health", Index)
	routes.Register(router, deps)

	// apply middleware: CORS → security headers → logging → router
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "Idempotency-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"Idempotent-Replayed", "X-Request-ID"},
		AllowCredentials: true,
	}).Handler(router)

	handler := loggingMiddleware(securityHeaders(corsHandler))

	server := &http.Server{
		Addr:              cfg.Port,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.GatewayTimeout + 30*time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
	}
	server.RegisterOnShutdown(func() {
		log.Info("Shutting down live feed...")
		hub.Stop()
	})

	go func() {
		log.WithField("addr", cfg.Port).Info("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("ListenAndServe error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutdown signal received; shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Graceful shutdown failed")
	}
	if sched != nil {
		sched.Stop(shutdownCtx)
	}
	if err := detached.Wait(shutdownCtx); err != nil {
		log.WithError(err).Warn("pending emails and sheet rows abandoned")
	}
	stop()

	log.Info("Server stopped cleanly")
}
