package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"greendrake/emailbuilder/internal/api"
	"greendrake/emailbuilder/internal/api/handlers"
	"greendrake/emailbuilder/internal/api/middleware"
	"greendrake/emailbuilder/internal/cache"
	"greendrake/emailbuilder/internal/config"
	"greendrake/emailbuilder/internal/db"
	"greendrake/emailbuilder/internal/editor"
	"greendrake/emailbuilder/internal/email"
	"greendrake/emailbuilder/internal/logging"
	"greendrake/emailbuilder/internal/services"
	"greendrake/emailbuilder/internal/storage"
	"greendrake/emailbuilder/internal/tasks"
)

var (
	runMode = flag.String("m", "all", "Run mode: 'api', 'bg' (background tasks), 'all' (default), 'export' (drive the editor against a running server)")

	// export mode
	exportTitle   = flag.String("title", "", "export: template title (HTML)")
	exportContent = flag.String("content", "", "export: template body (HTML)")
	exportLogo    = flag.String("logo", "", "export: path of the logo image to upload")
	exportOut     = flag.String("out", editor.DefaultFilename, "export: where to write the downloaded template")
	exportServer  = flag.String("server", "", "export: builder API base URL (default EDITOR_SERVER_URL)")
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*runMode)
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	if cfg.RunMode == config.RunModeExport {
		if err := runExport(cfg); err != nil {
			logrus.Fatalf("Export failed: %v", err)
		}
		return
	}

	switch cfg.RunMode {
	case config.RunModeAPI, config.RunModeAll:
	case config.RunModeBg:
		if !cfg.TasksEnabled() {
			logrus.Fatal("Run mode 'bg' requires REDIS_ADDR")
		}
	default:
		logrus.Fatalf("Invalid run mode specified: %s.", cfg.RunMode)
	}

	// Initialize Database
	mongoClient, mongoDb, err := db.ConnectDB(cfg.MongoURI, cfg.MongoDbName)
	if err != nil {
		logrus.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() {
		if err := db.DisconnectDB(mongoClient); err != nil {
			logrus.WithError(err).Error("Error disconnecting from MongoDB")
		}
	}()

	// Initialize Cache (Redis), optional outside bg mode
	var redisClient *redis.Client
	if cfg.TasksEnabled() {
		redisClient, err = cache.ConnectRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logrus.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer func() {
			if err := cache.DisconnectRedis(redisClient); err != nil {
				logrus.WithError(err).Error("Error disconnecting from Redis")
			}
		}()
	} else {
		logrus.Info("REDIS_ADDR not set: background tasks disabled, test emails are sent inline.")
	}

	// Initialize Services
	configService := services.NewEmailConfigService(mongoDb)
	indexCtx, cancelIndex := context.WithTimeout(context.Background(), 10*time.Second)
	if err := configService.EnsureIndexes(indexCtx); err != nil {
		cancelIndex()
		logrus.Fatalf("Failed to ensure indexes: %v", err)
	}
	cancelIndex()
	layoutService := services.NewLayoutService(cfg.LayoutPath, cfg.TemplateStrictPlaceholders, configService)

	assetStore, err := storage.New(context.Background(), cfg)
	if err != nil {
		logrus.Fatalf("Failed to initialize asset storage: %v", err)
	}
	var assetDir string
	if disk, ok := assetStore.(*storage.DiskStorage); ok {
		assetDir = disk.Dir()
	}

	emailSender := setupEmailSender(cfg, redisClient)
	taskProcessor := tasks.NewTaskProcessor(cfg, emailSender, layoutService, assetDir)

	// WaitGroup for managing goroutines
	var wg sync.WaitGroup

	// Channel to signal shutdown from Service API
	shutdownChan := make(chan struct{}, 1)
	done := make(chan struct{})

	var serviceSrv *http.Server
	if cfg.ServiceApiPort != "" {
		serviceSrv = &http.Server{
			Addr:    ":" + cfg.ServiceApiPort,
			Handler: api.SetupServiceRouter(redisClient, shutdownChan),
		}
		startHTTP(&wg, "Service API", serviceSrv)
	}

	// --- Mode-specific servers ---
	var mainApiSrv *http.Server
	var backgroundTaskSrv *asynq.Server
	var taskClient *asynq.Client

	logrus.Infof("Starting application in '%s' mode...", cfg.RunMode)

	apiMode := func() {
		var dispatcher handlers.ITaskDispatcher
		if redisClient != nil {
			taskClient = tasks.NewClient(redisClient)
			dispatcher = tasks.NewDispatcher(taskClient, taskProcessor, assetDir != "")
		} else {
			// Untyped nil: a nil *asynq.Client in the interface would not compare equal to nil.
			dispatcher = tasks.NewDispatcher(nil, taskProcessor, false)
		}

		uploadLimiter := middleware.NewRateLimiterMiddleware(cfg.RateLimitUploadRPS, cfg.RateLimitUploadBurst)
		if uploadLimiter.Enabled() {
			wg.Add(1)
			go func() {
				defer wg.Done()
				uploadLimiter.Run(done)
			}()
		}

		mainApiSrv = &http.Server{
			Addr: ":" + cfg.ApiPort,
			Handler: api.NewHandler(cfg, api.Dependencies{
				Configs:       configService,
				Layout:        layoutService,
				Assets:        assetStore,
				Tasks:         dispatcher,
				UploadLimiter: uploadLimiter,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		startHTTP(&wg, "Main API", mainApiSrv)
	}

	bgMode := func() {
		srv, mux := tasks.SetupServer(redisClient, taskProcessor)
		backgroundTaskSrv = srv
		if err := backgroundTaskSrv.Start(mux); err != nil {
			logrus.Fatalf("Background task server error: %v", err)
		}
		logrus.Info("Background task server started.")
	}

	switch cfg.RunMode {
	case config.RunModeAPI:
		apiMode()
	case config.RunModeBg:
		bgMode()
	case config.RunModeAll:
		apiMode()
		if redisClient != nil {
			bgMode()
		}
	}

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logrus.Infof("Received signal: %s. Shutting down gracefully...", sig)
	case <-shutdownChan:
		logrus.Info("Shutdown requested via Service API. Shutting down gracefully...")
	}
	close(done)

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()

	if mainApiSrv != nil {
		if err := mainApiSrv.Shutdown(ctxShutdown); err != nil {
			logrus.WithError(err).Error("Main API server shutdown error")
		}
	}
	if serviceSrv != nil {
		if err := serviceSrv.Shutdown(ctxShutdown); err != nil {
			logrus.WithError(err).Error("Service API server shutdown error")
		}
	}
	if backgroundTaskSrv != nil {
		backgroundTaskSrv.Shutdown()
	}
	if taskClient != nil {
		if err := taskClient.Close(); err != nil {
			logrus.WithError(err).Error("Error closing task client")
		}
	}

	wg.Wait()
	logrus.Info("Server gracefully stopped")
}

func startHTTP(wg *sync.WaitGroup, name string, srv *http.Server) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		logrus.Infof("%s listening on %s", name, srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatalf("%s ListenAndServe error: %v", name, err)
		}
		logrus.Infof("%s server stopped.", name)
	}()
}

// setupEmailSender builds the sender chain: Redis when MOCK_SERVICES is on, else
// SMTP (or logging), plus a file copy when LOG_EMAILS is set.
func setupEmailSender(cfg *config.Config, redisClient *redis.Client) email.Sender {
	var primary email.Sender
	if cfg.MockServices {
		logrus.Info("MOCK_SERVICES enabled: Using Redis email sender.")
		primary = email.NewRedisSender(redisClient, cfg.SmtpFromAddress)
	} else {
		primary = email.NewSMTPSender(cfg)
	}

	composite := email.NewCompositeEmailSender(primary)
	if cfg.LogEmailsPath != "" {
		fileSender, err := email.NewFileEmailSender(cfg.LogEmailsPath)
		if err != nil {
			logrus.WithError(err).Warnf("Failed to initialize file email sender (LOG_EMAILS='%s'). Proceeding without file logging.", cfg.LogEmailsPath)
		} else {
			composite.AddSender(fileSender)
		}
	}
	return composite
}

// runExport drives one editor session: upload the logo, save, download.
func runExport(cfg *config.Config) error {
	server := cfg.EditorServerURL
	if *exportServer != "" {
		server = *exportServer
	}
	if *exportLogo == "" {
		return fmt.Errorf("-logo is required")
	}

	session := editor.NewSession(editor.NewClient(server, 0), cfg.EditorRequestTimeout)
	session.SetTitle(*exportTitle)
	session.SetContent(*exportContent)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logo, err := os.Open(*exportLogo)
	if err != nil {
		return fmt.Errorf("failed to open logo: %w", err)
	}
	defer logo.Close()
	if err := session.PickImage(ctx, *exportLogo, logo); err != nil {
		return err
	}

	download, err := session.Save(ctx)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*exportOut, download.Body, 0o644); err != nil {
		return fmt.Errorf("failed to write '%s': %w", *exportOut, err)
	}
	logrus.WithFields(logrus.Fields{"id": download.ConfigID, "file": *exportOut}).Info("Template exported")
	return nil
}
