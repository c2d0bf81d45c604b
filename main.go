package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"turndetect-automation/auth"
	"turndetect-automation/browser"
	"turndetect-automation/captcha"
	"turndetect-automation/config"
	"turndetect-automation/detector"
	"turndetect-automation/engine"
	"turndetect-automation/intercept"
	"turndetect-automation/logger"
	"turndetect-automation/notify"
	"turndetect-automation/objectstore"
	"turndetect-automation/pipeline"
	"turndetect-automation/queue"
	"turndetect-automation/ratelimit"
	"turndetect-automation/reports"
	"turndetect-automation/session"
	"turndetect-automation/stealth"
	"turndetect-automation/storage"
)

var (
	configFile string
	verbose    bool
	headless   bool
)

func main() {
	var rootCmd = &cobra.Command{
		Use:           "turndetect-automation",
		Short:         "Document upload worker for turndetect.com",
		Long:          `A browser automation worker that uploads queued documents to turndetect.com, solves its Turnstile challenges and reports the results back to document owners.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./config/config.yaml", "Configuration file path")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&headless, "headless", false, "Run browser in headless mode")

	// Add subcommands
	rootCmd.AddCommand(createRunCmd())
	rootCmd.AddCommand(createEnqueueCmd())
	rootCmd.AddCommand(createStatusCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func createRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the upload worker",
		Long:  `Launch the browser, sign in and process queued jobs until interrupted.`,
		RunE:  runWorker,
	}
}

func createEnqueueCmd() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a document for upload",
		Long:  `Queue a document that is already in object storage. An owner with a Telegram id receives notifications.`,
		RunE:  runEnqueue,
	}

	cmd.Flags().String("file", "", "Object storage path of the document (required)")
	cmd.Flags().String("name", "", "Original file name")
	cmd.Flags().String("user", "", "Owner id")
	cmd.Flags().Int64("telegram-id", 0, "Owner Telegram chat id")
	cmd.Flags().String("username", "", "Owner Telegram username")
	cmd.MarkFlagRequired("file")

	return cmd
}

func createStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show status and statistics",
		Long:  `Display configuration and job counts by status.`,
		RunE:  runStatus,
	}
}

// tracker is the job store used by every command
type tracker interface {
	intercept.Tracker
	pipeline.Tracker
	queue.Tracker
	reports.Tracker
	EnqueueJob(ctx context.Context, job *storage.Job) error
	UpsertOwner(ctx context.Context, owner *storage.Owner) error
	CountByStatus(ctx context.Context) (map[storage.JobStatus]int, error)
	Close() error
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := logger.GetLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openTracker(ctx, cfg.Storage, log)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := openObjectStore(cfg.ObjectStore, log)
	if err != nil {
		return err
	}

	notifier, closeNotifier, err := buildNotifier(cfg, log)
	if err != nil {
		return err
	}
	defer closeNotifier()

	endpoints, err := detector.NewEndpoints(cfg.Detector.APIBaseURL)
	if err != nil {
		return fmt.Errorf("invalid api base url: %w", err)
	}

	sess := session.New(log)

	stealthManager := stealth.NewStealthManager(stealth.StealthConfig{
		UserAgent:      cfg.Browser.UserAgent,
		ViewportWidth:  cfg.Browser.ViewportWidth,
		ViewportHeight: cfg.Browser.ViewportHeight,
		KeyDelay:       cfg.Automation.KeyDelay,
		KeyJitter:      cfg.Automation.KeyDelay,
	}, log)

	driver, err := browser.Launch(cfg.Browser, stealthManager, log)
	if err != nil {
		return err
	}
	defer driver.Close()

	retriever := reports.NewRetriever(detector.NewClient(endpoints), store, db, sess, log)
	defer retriever.Wait()

	interceptor := intercept.New(endpoints, sess, db, retriever, log)

	solver := captcha.NewTwoCaptcha(cfg.Captcha.APIKey, log,
		captcha.WithBaseURL(cfg.Captcha.BaseURL),
		captcha.WithPolling(cfg.Captcha.InitialDelay, cfg.Captcha.PollInterval, cfg.Captcha.Timeout),
	)

	pipe := pipeline.New(pipeline.Config{
		UploadButtonWait:  cfg.Automation.UploadButtonWait,
		ModalSettle:       cfg.Automation.ModalSettle,
		FileSettle:        cfg.Automation.FileSettle,
		MaxUploadWait:     cfg.Automation.MaxUploadWait,
		MaxProcessingWait: cfg.Automation.MaxProcessingWait,
	}, sess, driver, db, retriever, notifier, log)

	authenticator := auth.NewAuthenticator(driver, cfg.Detector.Email, cfg.Detector.Password, cfg.Detector.DashboardPath, auth.Timings{
		FieldWait:          cfg.Automation.FieldWait,
		SubmitSettle:       cfg.Automation.LoginSettle,
		SessionModalSettle: cfg.Automation.SessionModalSettle,
		PostLoginSettle:    cfg.Automation.PostLoginSettle,
	}, log)

	limiter := ratelimit.NewRateLimiter(ratelimit.Config{
		HourlySubmissions: cfg.Limits.HourlySubmissions,
		DailySubmissions:  cfg.Limits.DailySubmissions,
		MinInterval:       cfg.Limits.MinInterval,
	}, log)

	loop := queue.NewLoop(queue.Config{
		PollInterval:       cfg.Queue.PollInterval,
		ChallengeWait:      cfg.Automation.ChallengeWait,
		TempDir:            cfg.Queue.TempDir,
		DashboardURL:       cfg.Detector.DashboardURL,
		RecoverInterrupted: cfg.Queue.RecoverInterrupted,
	}, sess, db, store, limiter, pipe, driver, log)

	ready := make(chan struct{})
	eng := engine.New(engine.Config{
		LoginURL:        cfg.Detector.LoginURL,
		MaxAuthAttempts: cfg.Automation.MaxAuthAttempts,
		FieldWait:       cfg.Automation.FieldWait,
		PasswordWait:    cfg.Automation.PasswordWait,
		LoginFallback:   cfg.Automation.LoginFallback,
		ChallengeSettle: cfg.Automation.ChallengeSettle,
	}, sess, solver, driver, authenticator, pipe, log, engine.OnReady(func() {
		log.Info("Signed in, starting job queue")
		close(ready)
	}))

	g, gctx := errgroup.WithContext(ctx)

	streams, err := driver.Start(gctx, interceptor.Wants)
	if err != nil {
		return err
	}

	g.Go(func() error {
		interceptor.Run(gctx, streams.Exchanges)
		return nil
	})
	g.Go(func() error {
		return eng.Run(gctx, streams.Challenges)
	})
	g.Go(func() error {
		select {
		case <-ready:
			return loop.Run(gctx)
		case <-gctx.Done():
			return nil
		}
	})

	log.WithFields(logrus.Fields{
		"email":     auth.MaskEmail(cfg.Detector.Email),
		"login_url": cfg.Detector.LoginURL,
	}).Info("Opening login page")
	if err := driver.Navigate(gctx, cfg.Detector.LoginURL); err != nil {
		stop()
		g.Wait()
		return err
	}

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("Worker stopped on fatal error")
		return err
	}
	log.Info("Worker stopped")
	return nil
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := logger.GetLogger()
	ctx := context.Background()

	filePath, _ := cmd.Flags().GetString("file")
	name, _ := cmd.Flags().GetString("name")
	userID, _ := cmd.Flags().GetString("user")
	telegramID, _ := cmd.Flags().GetInt64("telegram-id")
	username, _ := cmd.Flags().GetString("username")

	db, err := openTracker(ctx, cfg.Storage, log)
	if err != nil {
		return err
	}
	defer db.Close()

	if userID != "" || telegramID != 0 {
		owner := &storage.Owner{ID: userID, TelegramID: telegramID, Username: username}
		if err := db.UpsertOwner(ctx, owner); err != nil {
			return err
		}
		userID = owner.ID
	}

	if name == "" {
		name = filePath
	}
	job := &storage.Job{UserID: userID, FilePath: filePath, FileName: name}
	if err := db.EnqueueJob(ctx, job); err != nil {
		return err
	}

	fmt.Printf("Job queued: %s\n", job.ID)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := context.Background()

	db, err := openTracker(ctx, cfg.Storage, logger.GetLogger())
	if err != nil {
		return err
	}
	defer db.Close()

	counts, err := db.CountByStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to count jobs: %w", err)
	}

	// Display status
	fmt.Printf("Turndetect Automation Status\n")
	fmt.Printf("============================\n\n")
	fmt.Printf("Configuration:\n")
	fmt.Printf("  Config file: %s\n", configFile)
	fmt.Printf("  Headless: %v\n", cfg.Browser.Headless)
	fmt.Printf("  Account: %s\n", auth.MaskEmail(cfg.Detector.Email))
	fmt.Printf("  Storage: %s\n", cfg.Storage.Type)
	fmt.Printf("\n")
	fmt.Printf("Jobs:\n")

	statuses := make([]string, 0, len(counts))
	for status := range counts {
		statuses = append(statuses, string(status))
	}
	sort.Strings(statuses)
	for _, status := range statuses {
		fmt.Printf("  %s: %d\n", status, counts[storage.JobStatus(status)])
	}
	if len(statuses) == 0 {
		fmt.Printf("  (none)\n")
	}
	fmt.Printf("\n")
	fmt.Printf("Limits:\n")
	fmt.Printf("  Hourly submissions: %d\n", cfg.Limits.HourlySubmissions)
	fmt.Printf("  Daily submissions: %d\n", cfg.Limits.DailySubmissions)

	return nil
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("headless") {
		cfg.Browser.Headless = headless
	}
	if err := setupLogger(cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}
	return cfg, nil
}

func setupLogger(cfg config.LoggingConfig) error {
	level := cfg.Level
	if verbose {
		level = "debug"
	}
	return logger.InitLogger(level, cfg.Format, cfg.Output, cfg.MaxSize, cfg.MaxBackups, cfg.MaxAge)
}

func openTracker(ctx context.Context, cfg config.StorageConfig, log *logrus.Logger) (tracker, error) {
	switch cfg.Type {
	case "postgres":
		db, err := storage.ConnectPostgres(ctx, cfg.DSN, log)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		return db, nil
	default:
		db, err := storage.NewDatabase(cfg.Path, log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		return db, nil
	}
}

func openObjectStore(cfg config.ObjectStoreConfig, log *logrus.Logger) (objectstore.Store, error) {
	if cfg.Type == "local" {
		return objectstore.NewLocal(cfg.LocalDir, cfg.PublicBaseURL)
	}
	return objectstore.NewSupabase(cfg.URL, cfg.Key, cfg.Bucket, cfg.ReportsBucket, log), nil
}

func buildNotifier(cfg *config.Config, log *logrus.Logger) (notify.Notifier, func(), error) {
	notifiers := notify.Multi{notify.NewLog(log)}
	closers := []func(){}

	if cfg.Telegram.BotToken != "" {
		tg, err := notify.NewTelegram(cfg.Telegram.BotToken, log)
		if err != nil {
			return nil, nil, err
		}
		notifiers = append(notifiers, tg)
	} else {
		log.Warn("Telegram bot token not set, owners will not be notified")
	}

	if cfg.AMQP.URL != "" {
		publisher, err := notify.DialAMQP(cfg.AMQP.URL, cfg.AMQP.Exchange, log)
		if err != nil {
			return nil, nil, err
		}
		notifiers = append(notifiers, publisher)
		closers = append(closers, func() { publisher.Close() })
	}

	return notifiers, func() {
		for _, c := range closers {
			c()
		}
	}, nil
}
