package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagDatabaseURL       = "database-url"
	flagStoreDriver       = "store-driver"
	flagHTTPListenAddr    = "http-listen-addr"
	flagGRPCListenAddr    = "grpc-listen-addr"
	flagPolicyFile        = "policy-file"
	flagRedisAddr         = "redis-addr"
	flagReservationMaxAge = "reservation-max-age"
	flagSweepInterval     = "sweep-interval"
	flagLogDev            = "log-dev"
	flagAllowedOrigins    = "allowed-origins"
	flagSessionSigningKey = "session-signing-key"
	flagSessionIssuer     = "session-issuer"
	flagSessionCookie     = "session-cookie"
	flagWebhookSecret     = "webhook-secret"

	envPrefix = "CREDITGATE"

	defaultDatabaseURL       = "sqlite:///tmp/creditgate.db"
	defaultStoreDriver       = storeDriverGorm
	defaultHTTPListenAddr    = ":8080"
	defaultGRPCListenAddr    = ":7000"
	defaultPolicyFile        = "policy.yaml"
	defaultReservationMaxAge = 15 * time.Minute
	defaultSweepInterval     = time.Minute
	defaultSessionIssuer     = "tauth"
	defaultSessionCookie     = "app_session"

	// settleMargin is kept between the end of dispatch and the age at which the sweeper releases a hold.
	settleMargin = 30 * time.Second
)

type runtimeConfig struct {
	DatabaseURL       string
	StoreDriver       string
	HTTPListenAddr    string
	GRPCListenAddr    string
	PolicyFile        string
	RedisAddr         string
	ReservationMaxAge time.Duration
	SweepInterval     time.Duration
	LogDev            bool
	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookie     string
	WebhookSecret     string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditgate: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	settings := newSettings()
	serve := func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServer(ctx, cfg)
	}

	root := &cobra.Command{
		Use:           "creditgate",
		Short:         "Credit-metered AI request gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, settings, cfg)
		},
		RunE: serve,
	}
	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC servers",
		RunE:  serve,
	})
	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), cfg)
		},
	})

	flags := root.PersistentFlags()
	flags.String(flagDatabaseURL, defaultDatabaseURL, "SQLite path or URL, or PostgreSQL connection string")
	flags.String(flagStoreDriver, defaultStoreDriver, "Store implementation: gorm or pgx")
	flags.String(flagHTTPListenAddr, defaultHTTPListenAddr, "HTTP listen address (empty disables)")
	flags.String(flagGRPCListenAddr, defaultGRPCListenAddr, "gRPC listen address (empty disables)")
	flags.String(flagPolicyFile, defaultPolicyFile, "Tier, provider, and plan policy YAML")
	flags.String(flagRedisAddr, "", "Redis address for shared breaker state, rate limits, and idempotency")
	flags.Duration(flagReservationMaxAge, defaultReservationMaxAge, "Age after which active reservations are released")
	flags.Duration(flagSweepInterval, defaultSweepInterval, "Interval of the stale reservation sweep")
	flags.Bool(flagLogDev, false, "Use development logging")
	flags.StringSlice(flagAllowedOrigins, nil, "CORS origins allowed by the HTTP API")
	flags.String(flagSessionSigningKey, "", "Session JWT signing key (enables session auth)")
	flags.String(flagSessionIssuer, defaultSessionIssuer, "Session JWT issuer")
	flags.String(flagSessionCookie, defaultSessionCookie, "Session cookie name")
	flags.String(flagWebhookSecret, "", "Shared secret required on payment webhooks")

	return root
}

func newSettings() *viper.Viper {
	settings := viper.New()
	settings.SetEnvPrefix(envPrefix)
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()
	return settings
}

func loadConfig(cmd *cobra.Command, settings *viper.Viper, cfg *runtimeConfig) error {
	if err := settings.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	cfg.DatabaseURL = settings.GetString(flagDatabaseURL)
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(settings.GetString(flagStoreDriver)))
	cfg.HTTPListenAddr = settings.GetString(flagHTTPListenAddr)
	cfg.GRPCListenAddr = settings.GetString(flagGRPCListenAddr)
	cfg.PolicyFile = settings.GetString(flagPolicyFile)
	cfg.RedisAddr = settings.GetString(flagRedisAddr)
	cfg.ReservationMaxAge = settings.GetDuration(flagReservationMaxAge)
	cfg.SweepInterval = settings.GetDuration(flagSweepInterval)
	cfg.LogDev = settings.GetBool(flagLogDev)
	cfg.AllowedOrigins = settings.GetStringSlice(flagAllowedOrigins)
	cfg.SessionSigningKey = settings.GetString(flagSessionSigningKey)
	cfg.SessionIssuer = settings.GetString(flagSessionIssuer)
	cfg.SessionCookie = settings.GetString(flagSessionCookie)
	cfg.WebhookSecret = settings.GetString(flagWebhookSecret)
	return cfg.validate()
}

func (cfg *runtimeConfig) validate() error {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return fmt.Errorf("database url is required")
	}
	if cfg.StoreDriver != storeDriverGorm && cfg.StoreDriver != storeDriverPgx {
		return fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
	if cfg.StoreDriver == storeDriverPgx && !isPostgresURL(cfg.DatabaseURL) {
		return fmt.Errorf("store driver pgx needs a postgres database url")
	}
	if cfg.ReservationMaxAge <= 0 {
		cfg.ReservationMaxAge = defaultReservationMaxAge
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.ReservationMaxAge <= settleMargin {
		return fmt.Errorf("reservation max age must exceed %s", settleMargin)
	}
	return nil
}

// maxDispatch is the longest a request may dispatch before its hold could be swept.
func (cfg *runtimeConfig) maxDispatch() time.Duration {
	return cfg.ReservationMaxAge - settleMargin
}
