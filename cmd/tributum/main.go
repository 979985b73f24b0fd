package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v2"

	"github.com/core-coin/tributum/internal/billing"
	"github.com/core-coin/tributum/internal/blockchain"
	"github.com/core-coin/tributum/internal/config"
	"github.com/core-coin/tributum/internal/http_api"
	"github.com/core-coin/tributum/internal/intake"
	"github.com/core-coin/tributum/internal/metrics"
	"github.com/core-coin/tributum/internal/models"
	"github.com/core-coin/tributum/internal/notificator"
	"github.com/core-coin/tributum/internal/repository"
	"github.com/core-coin/tributum/internal/tributum"
	"github.com/core-coin/tributum/internal/verification"
	"github.com/core-coin/tributum/pkg/logger"
)

func main() {
	app := &cli.App{
		Name:  "tributum",
		Usage: "Tributum confirms subscription payments on chain and keeps subscribers informed",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "database-driver", Usage: "Database driver (postgres or sqlite)"},
			&cli.StringFlag{Name: "sqlite-path", Usage: "SQLite database file"},
			&cli.StringFlag{Name: "postgres-user", Aliases: []string{"u"}, Usage: "Postgres user"},
			&cli.StringFlag{Name: "postgres-password", Aliases: []string{"p"}, Usage: "Postgres password"},
			&cli.StringFlag{Name: "postgres-host", Aliases: []string{"t"}, Usage: "Postgres host"},
			&cli.IntFlag{Name: "postgres-port", Aliases: []string{"P"}, Usage: "Postgres port"},
			&cli.StringFlag{Name: "postgres-db", Aliases: []string{"d"}, Usage: "Postgres database name"},
			&cli.StringFlag{Name: "ledger-backend", Usage: "Ledger client (ethereum or core)"},
			&cli.StringFlag{Name: "blockchain-service-url", Aliases: []string{"b"}, Usage: "Blockchain service URL"},
			&cli.StringFlag{Name: "network-id", Usage: "Chain or network id"},
			&cli.StringFlag{Name: "receiving-address", Aliases: []string{"r"}, Usage: "Address every payment must be sent to"},
			&cli.IntFlag{Name: "api-port", Usage: "HTTP API port"},
			&cli.StringFlag{Name: "telegram-bot-token", Usage: "Telegram bot token"},
			&cli.BoolFlag{Name: "development", Aliases: []string{"D"}, Usage: "Development mode"},
		},
		Action: func(c *cli.Context) error {
			return run(c)
		},
		Commands: []*cli.Command{
			{
				Name:   "sweep",
				Usage:  "Run one billing sweep and exit",
				Action: sweep,
			},
			{
				Name:  "claims",
				Usage: "Inspect and repair payment claims",
				Subcommands: []*cli.Command{
					{
						Name:   "show",
						Usage:  "Print the stored state of a transaction hash",
						Flags:  []cli.Flag{&cli.StringFlag{Name: "tx", Required: true, Usage: "Transaction hash"}},
						Action: showClaim,
					},
					{
						Name:   "reopen",
						Usage:  "Forget a timed out claim so the hash can be submitted again",
						Flags:  []cli.Flag{&cli.StringFlag{Name: "tx", Required: true, Usage: "Transaction hash"}},
						Action: reopenClaim,
					},
				},
			},
			{
				Name:   "dead-letters",
				Usage:  "List notifications that could not be delivered",
				Flags:  []cli.Flag{&cli.IntFlag{Name: "limit", Value: 50, Usage: "Maximum number of entries"}},
				Action: listDeadLetters,
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	// Load configuration from environment variables
	cfg := config.ReadConfig()

	// Override with flags if set
	if c.IsSet("database-driver") {
		cfg.DatabaseDriver = c.String("database-driver")
	}
	if c.IsSet("sqlite-path") {
		cfg.SQLitePath = c.String("sqlite-path")
	}
	if c.IsSet("postgres-user") {
		cfg.PostgresUser = c.String("postgres-user")
	}
	if c.IsSet("postgres-password") {
		cfg.PostgresPassword = c.String("postgres-password")
	}
	if c.IsSet("postgres-host") {
		cfg.PostgresHost = c.String("postgres-host")
	}
	if c.IsSet("postgres-port") {
		cfg.PostgresPort = c.Int("postgres-port")
	}
	if c.IsSet("postgres-db") {
		cfg.PostgresDB = c.String("postgres-db")
	}
	if c.IsSet("ledger-backend") {
		cfg.LedgerBackend = c.String("ledger-backend")
	}
	if c.IsSet("blockchain-service-url") {
		cfg.BlockchainServiceURL = c.String("blockchain-service-url")
	}
	if c.IsSet("network-id") {
		networkID, ok := new(big.Int).SetString(c.String("network-id"), 10)
		if ok {
			cfg.NetworkID = networkID
		}
	}
	if c.IsSet("receiving-address") {
		cfg.ReceivingAddress = c.String("receiving-address")
	}
	if c.IsSet("api-port") {
		cfg.APIPort = c.Int("api-port")
	}
	if c.IsSet("telegram-bot-token") {
		cfg.TelegramBotToken = c.String("telegram-bot-token")
	}
	if c.IsSet("development") {
		cfg.Development = c.Bool("development")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// application holds the wired components and what must be closed on exit
type application struct {
	db          *repository.GormDB
	closeOracle func() error
	dispatcher  *notificator.Notificator
	telegram    *notificator.TelegramNotificator
	tributum    *tributum.Tributum
}

// newApplication wires storage, the ledger oracle, the verification engine, notifications,
// intake and billing. Without withTelegram messages only go to the log.
func newApplication(cfg *config.Config, log *logger.Logger, withTelegram bool) (*application, error) {
	db, err := openDatabase(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	oracle, closeOracle, err := openOracle(cfg, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	guarded := blockchain.NewGuard(oracle, blockchain.DefaultGuardSettings(cfg.OracleRateLimit), log)
	engine := verification.NewEngine(guarded, verification.Settings{
		PollInitialInterval: cfg.PollInitialInterval,
		PollMaxInterval:     cfg.PollMaxInterval,
		CallTimeout:         cfg.OracleCallTimeout,
		RetryBudget:         cfg.OracleRetryBudget,
	}, log)

	app := &application{db: db, closeOracle: closeOracle}

	var messenger models.Messenger = notificator.NewLogMessenger(log)
	if withTelegram && cfg.TelegramBotToken != "" {
		app.telegram, err = notificator.NewTelegramNotificator(log, cfg.TelegramBotToken, cfg.WebAppURL, db)
		if err != nil {
			app.close(log)
			return nil, err
		}
		messenger = app.telegram
	} else if withTelegram {
		log.Warn("TELEGRAM_BOT_TOKEN is not set, notifications are only logged")
	}

	var alerter notificator.Alerter
	if cfg.SMTPHost != "" && cfg.OpsAlertEmail != "" {
		alerter = notificator.NewEmailNotificator(log, cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword, cfg.SMTPSender, cfg.OpsAlertEmail)
	}

	app.dispatcher = notificator.NewNotificator(log, db, messenger, alerter, notificator.Settings{
		MaxAttempts:    cfg.NotifyMaxAttempts,
		InitialBackoff: cfg.NotifyInitialBackoff,
		MaxBackoff:     cfg.NotifyMaxBackoff,
		CallTimeout:    cfg.NotifyCallTimeout,
		Workers:        cfg.NotifyWorkers,
		QueueSize:      cfg.NotifyQueueSize,
	})
	paymentIntake := intake.NewIntake(log, db, engine, app.dispatcher, intake.Settings{
		Recipient:      cfg.ReceivingAddress,
		LedgerCurrency: cfg.LedgerCurrency,
		LedgerDecimals: cfg.LedgerDecimals,
		Confirmations:  cfg.ConfirmationDepth,
		MaxWait:        cfg.VerificationTimeout,
		Workers:        cfg.IntakeWorkers,
	})
	scheduler := billing.NewScheduler(log, db, app.dispatcher, billing.Settings{
		SweepInterval:   cfg.SweepInterval,
		SweepStartDelay: cfg.SweepStartDelay,
		ReminderDays:    cfg.ReminderDays,
	})
	app.tributum = tributum.NewTributum(db, paymentIntake, scheduler, app.dispatcher, log)

	return app, nil
}

func (a *application) close(log *logger.Logger) {
	if a.closeOracle != nil {
		if err := a.closeOracle(); err != nil {
			log.Error("Failed to close ledger client: ", err)
		}
	}
	if err := a.db.Close(); err != nil {
		log.Error("Failed to close database: ", err)
	}
}

func openDatabase(cfg *config.Config, log *logger.Logger) (*repository.GormDB, error) {
	if cfg.DatabaseDriver == config.DatabaseDriverSQLite {
		return repository.NewSQLiteDB(cfg.SQLitePath, log)
	}
	return repository.NewPostgresDB(cfg.PostgresUser, cfg.PostgresPassword, cfg.PostgresDB, cfg.PostgresHost, cfg.PostgresPort, log)
}

func openOracle(cfg *config.Config, log *logger.Logger) (models.LedgerOracle, func() error, error) {
	if cfg.LedgerBackend == config.LedgerBackendCore {
		gocore := blockchain.NewGocore(cfg.BlockchainServiceURL, cfg.NetworkID, log)
		if err := gocore.Run(); err != nil {
			return nil, nil, err
		}
		return gocore, gocore.Close, nil
	}
	ethereum, err := blockchain.DialEthereum(cfg.BlockchainServiceURL, cfg.NetworkID, log)
	if err != nil {
		return nil, nil, err
	}
	return ethereum, ethereum.Close, nil
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Development)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %v", err)
	}
	defer func() { _ = log.Sync() }()

	if !cfg.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	metrics.InitMetrics()

	app, err := newApplication(cfg, log, true)
	if err != nil {
		return err
	}
	defer app.close(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.tributum.Start(ctx); err != nil {
		return fmt.Errorf("failed to start tributum: %w", err)
	}
	if app.telegram != nil {
		app.telegram.Start(ctx)
	}

	apiServer := http_api.NewHTTPServer(app.tributum, cfg.APIPort, log)
	go apiServer.Start()

	<-ctx.Done()
	log.Info("Shutdown signal received")

	if err := apiServer.Shutdown(); err != nil {
		log.Error(err)
	}
	app.tributum.Stop()
	return nil
}

func sweep(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log, err := logger.NewLogger(cfg.Development)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %v", err)
	}
	defer func() { _ = log.Sync() }()

	app, err := newApplication(cfg, log, true)
	if err != nil {
		return err
	}
	defer app.close(log)

	app.dispatcher.Start()
	report, err := app.tributum.Sweep(c.Context)
	if err != nil {
		app.dispatcher.Stop()
		return fmt.Errorf("billing sweep failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(c.Context, 2*time.Minute)
	defer cancel()
	if err := app.dispatcher.Drain(ctx); err != nil {
		log.Warn("Not every notification was delivered before the deadline, the rest are dead-lettered")
	}
	app.dispatcher.Stop()

	return printJSON(report)
}

// withOperatorApp runs fn against an application that never sends messages
func withOperatorApp(c *cli.Context, fn func(app *application) error) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log, err := logger.NewLogger(cfg.Development)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %v", err)
	}
	defer func() { _ = log.Sync() }()

	app, err := newApplication(cfg, log, false)
	if err != nil {
		return err
	}
	defer app.close(log)
	return fn(app)
}

func showClaim(c *cli.Context) error {
	return withOperatorApp(c, func(app *application) error {
		claim, err := app.tributum.GetClaim(c.Context, c.String("tx"))
		if err != nil {
			return err
		}
		return printJSON(claim)
	})
}

func reopenClaim(c *cli.Context) error {
	return withOperatorApp(c, func(app *application) error {
		if err := app.tributum.ReopenClaim(c.Context, c.String("tx")); err != nil {
			return err
		}
		fmt.Printf("claim %s reopened\n", c.String("tx"))
		return nil
	})
}

func listDeadLetters(c *cli.Context) error {
	return withOperatorApp(c, func(app *application) error {
		letters, err := app.tributum.ListDeadLetters(c.Context, c.Int("limit"))
		if err != nil {
			return err
		}
		return printJSON(letters)
	})
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
