package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/xxxsen/common/logger"
	"github.com/xxxsen/common/logutil"
	"github.com/xxxsen/common/webapi"
	"go.uber.org/zap"

	"github.com/xxxsen/solemn/internal/config"
	"github.com/xxxsen/solemn/internal/docstore"
	"github.com/xxxsen/solemn/internal/filestore"
	"github.com/xxxsen/solemn/internal/handler"
	"github.com/xxxsen/solemn/internal/job"
	"github.com/xxxsen/solemn/internal/kvstore"
	"github.com/xxxsen/solemn/internal/mailer"
	"github.com/xxxsen/solemn/internal/metrics"
	"github.com/xxxsen/solemn/internal/middleware"
	"github.com/xxxsen/solemn/internal/otp"
	"github.com/xxxsen/solemn/internal/pkg/password"
	"github.com/xxxsen/solemn/internal/ratelimit"
	"github.com/xxxsen/solemn/internal/schedule"
	"github.com/xxxsen/solemn/internal/service"
)

const mailFooter = "Αυτό το μήνυμα στάλθηκε αυτόματα. This message was sent automatically."

func main() {
	var (
		configPath string
		envFile    string
	)

	rootCmd := &cobra.Command{
		Use:   "solemn",
		Short: "solemn declaration intake server",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional dotenv file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run the http server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return runServer(cfg)
		},
	}
	runCmd.Flags().StringVar(&configPath, "config", "", "path to config.json or config.yaml")

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "copy submissions from the fallback file into the primary document store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return runMigrate(cmd.Context(), cfg)
		},
	}
	migrateCmd.Flags().StringVar(&configPath, "config", "", "path to config.json or config.yaml")

	hashCmd := &cobra.Command{
		Use:   "hash-password <plain>",
		Short: "print a bcrypt hash for admin.password_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := password.Hash(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}

	rootCmd.AddCommand(runCmd, migrateCmd, hashCmd)

	if err := rootCmd.Execute(); err != nil {
		logutil.GetLogger(context.Background()).Fatal("startup error", zap.Error(err))
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return nil, fmt.Errorf("--config is required")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger.Init(
		cfg.LogConfig.File,
		cfg.LogConfig.Level,
		int(cfg.LogConfig.FileCount),
		int(cfg.LogConfig.FileSize),
		int(cfg.LogConfig.KeepDays),
		cfg.LogConfig.Console,
	)
	logutil.GetLogger(context.Background()).Info("config loaded", zap.String("config", path))
	return cfg, nil
}

func otpConfig(ctx context.Context, cfg config.OTPConfig) otp.Config {
	secret := []byte(cfg.Secret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		_, _ = rand.Read(secret)
		logutil.GetLogger(ctx).Warn("otp secret not set, pending codes will not survive a restart or be shared between instances")
	}
	return otp.Config{
		CodeLength:        cfg.CodeLength,
		TTL:               cfg.TTL(),
		MaxAttempts:       cfg.MaxAttempts,
		ResendInterval:    time.Duration(cfg.ResendIntervalSeconds) * time.Second,
		MaxResends:        cfg.MaxResends,
		StoreTimeout:      time.Duration(cfg.StoreTimeoutMillis) * time.Millisecond,
		DeliveryTimeout:   time.Duration(cfg.DeliveryTimeoutSeconds) * time.Second,
		VerifiedRetention: time.Duration(cfg.VerifiedRetentionSecs) * time.Second,
		ClaimTimeout:      time.Duration(cfg.ClaimTimeoutSeconds) * time.Second,
		Secret:            secret,
	}
}

func runServer(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log := logutil.GetLogger(ctx)

	kv, err := kvstore.Open(ctx, cfg.KVStore)
	if err != nil {
		return fmt.Errorf("init kv store: %w", err)
	}
	defer kv.Close()
	docs, err := docstore.Open(ctx, cfg.DocStore)
	if err != nil {
		return fmt.Errorf("init doc store: %w", err)
	}
	defer docs.Close()
	archive, err := filestore.New(cfg.Archive)
	if err != nil {
		return fmt.Errorf("init archive store: %w", err)
	}
	log.Info("starting server",
		zap.Int("port", cfg.Port),
		zap.String("kv_store", kv.Type()),
		zap.String("doc_store", docs.Type()),
		zap.String("archive", archive.Type()),
		zap.Bool("smtp_configured", cfg.Mail.Configured()),
	)

	tracker := metrics.NewTracker(kv)
	sender := mailer.NewSMTPSender(cfg.Mail)
	renderer := mailer.NewRenderer(mailFooter)
	manager := otp.NewManager(
		kv,
		mailer.NewOTPDispatcher(sender),
		service.NewSubmissionPersister(docs),
		otpConfig(ctx, cfg.OTP),
		otp.WithComposer(mailer.NewOTPComposer(renderer)),
	)
	submissions := service.NewSubmissionService(service.SubmissionDeps{
		OTP:           manager,
		Docs:          docs,
		Sender:        sender,
		Renderer:      renderer,
		Archive:       archive,
		Metrics:       tracker,
		Recipient:     cfg.Mail.Recipient,
		NotifyTimeout: time.Duration(cfg.Mail.TimeoutSeconds) * time.Second,
	})
	admin, err := service.NewAdminService(ctx, cfg.Admin, kv, tracker)
	if err != nil {
		return fmt.Errorf("init admin: %w", err)
	}

	scheduler := schedule.NewCronScheduler()
	if cfg.DocStore.FallbackFile != "" && docs.Type() != docstore.TypeJSONFile {
		fallback, err := docstore.NewJSONFileStore(cfg.DocStore.FallbackFile)
		if err != nil {
			return fmt.Errorf("open fallback file: %w", err)
		}
		migrateJob := job.NewMigrateFallbackJob(fallback, docs)
		if err := scheduler.AddJob(migrateJob, cfg.MigrateCron); err != nil {
			return fmt.Errorf("schedule migration: %w", err)
		}
		go func() { _ = scheduler.RunNow(ctx, migrateJob.Name()) }()
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	deps := handler.RouterDeps{
		Declarations: handler.NewDeclarationHandler(submissions),
		Admin:        handler.NewAdminHandler(admin, service.NewDashboardService(docs, tracker)),
		Health:       handler.NewHealthHandler(service.NewHealthService(kv, docs, cfg.Mail.Configured())),
		AdminAuth:    admin,
		FormLimiter:  ratelimit.New(kv, "form", cfg.RateLimit.FormLimit, time.Duration(cfg.RateLimit.FormWindowSeconds)*time.Second),
		OTPLimiter:   ratelimit.New(kv, "otp", cfg.RateLimit.OTPLimit, time.Duration(cfg.RateLimit.OTPWindowSeconds)*time.Second),
	}

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	engine, err := webapi.NewEngine(
		"/api/v1",
		addr,
		webapi.WithRegister(func(group *gin.RouterGroup) {
			handler.RegisterRoutes(group, deps)
		}),
		webapi.WithExtraMiddlewares(
			middleware.RequestID(),
			middleware.CORS(cfg.CORSOrigins),
			gzip.Gzip(gzip.DefaultCompression),
		),
	)
	if err != nil {
		return fmt.Errorf("init web engine: %w", err)
	}
	log.Info("http server listening", zap.String("addr", addr))

	go func() {
		if err := engine.Run(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("server stopping...")
	return nil
}

func runMigrate(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.DocStore.FallbackFile == "" {
		return fmt.Errorf("doc_store.fallback_file is not set")
	}
	target, err := docstore.New(cfg.DocStore.StoreConfig)
	if err != nil {
		return fmt.Errorf("open primary doc store: %w", err)
	}
	defer target.Close()
	source, err := docstore.NewJSONFileStore(cfg.DocStore.FallbackFile)
	if err != nil {
		return err
	}
	res, err := job.NewMigrateFallbackJob(source, target).Migrate(ctx)
	logutil.GetLogger(ctx).Info("migration done",
		zap.String("target", target.Type()),
		zap.Int("scanned", res.Scanned),
		zap.Int("migrated", res.Migrated),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed),
	)
	return err
}
