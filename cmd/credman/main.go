package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/credman/credman/pkg/admin"
	"github.com/credman/credman/pkg/audit"
	"github.com/credman/credman/pkg/auth"
	"github.com/credman/credman/pkg/client"
	"github.com/credman/credman/pkg/config"
	"github.com/credman/credman/pkg/credentials"
	"github.com/credman/credman/pkg/keys"
	"github.com/credman/credman/pkg/log"
	"github.com/credman/credman/pkg/metrics"
	"github.com/credman/credman/pkg/rotator"
	"github.com/credman/credman/pkg/server"
	"github.com/credman/credman/pkg/store"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "credman",
	Short: "Credman - centralized credentials manager",
	Long: `Credman holds database credentials on behalf of application
clients, releases them only to authenticated and authorized callers
over mutually authenticated TLS, and rotates live database passwords
while keeping every record encrypted under an HSM-wrapped data key.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Credman version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error); overrides the config file")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(adminCmd)
	rootCmd.AddCommand(getCmd)
}

// bootstrap builds the process-wide context from the config file.
// Everything in it is immutable once this returns.
func bootstrap(cmd *cobra.Command, configPath string) (*server.Context, func(), error) {
	cfg, err := config.LoadServer(configPath)
	if err != nil {
		return nil, nil, err
	}

	logLevel := cfg.LogLevel
	if flag, _ := cmd.Flags().GetString("log-level"); flag != "" {
		logLevel = flag
	}
	logJSON := cfg.LogJSON
	if flag, _ := cmd.Flags().GetBool("log-json"); flag {
		logJSON = true
	}
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DBTimeout())
	defer cancel()

	st, err := store.NewMySQLStore(ctx, cfg.Database.DSN())
	if err != nil {
		return nil, nil, err
	}

	backend, err := keys.NewPKCS11Backend(cfg.HSM)
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	engine := keys.NewEngine(backend, cfg.HSMTimeout())

	authSvc, err := auth.NewService(st)
	if err != nil {
		backend.Close()
		st.Close()
		return nil, nil, err
	}

	var journal *audit.Journal
	if cfg.AuditPath != "" {
		journal, err = audit.Open(cfg.AuditPath)
		if err != nil {
			backend.Close()
			st.Close()
			return nil, nil, err
		}
	}

	cm := &server.Context{
		Config: cfg,
		Store:  st,
		Keys:   engine,
		Auth:   authSvc,
		Creds:  credentials.NewManager(st, engine),
		Audit:  journal,
	}
	cleanup := func() {
		if journal != nil {
			journal.Close()
		}
		backend.Close()
		st.Close()
	}
	return cm, cleanup, nil
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the credentials manager server",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		cm, cleanup, err := bootstrap(cmd, configPath)
		if err != nil {
			return err
		}
		defer cleanup()

		metrics.Register()
		if cm.Config.MetricsAddr != "" {
			metrics.StartServer(cm.Config.MetricsAddr)
		}

		srv, err := server.New(cm)
		if err != nil {
			return err
		}

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return err
		case sig := <-sigCh:
			log.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
			srv.Stop()
			return nil
		}
	},
}

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Open the interactive admin monitor",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		cm, cleanup, err := bootstrap(cmd, configPath)
		if err != nil {
			return err
		}
		defer cleanup()

		metrics.Register()

		rot := rotator.New(cm.Creds, rotator.NewMySQLTarget(), cm.Audit)
		monitor := admin.New(admin.Deps{
			Store:   cm.Store,
			Auth:    cm.Auth,
			Creds:   cm.Creds,
			Rotator: rot,
			Audit:   cm.Audit,
		}, os.Stdin, os.Stdout)

		return monitor.Run(cmd.Context())
	},
}

var getCmd = &cobra.Command{
	Use:   "get <label>",
	Short: "Fetch a credential as a client (for testing connectivity)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		log.Init(log.Config{Level: log.InfoLevel})

		c, err := client.NewFromFile(configPath)
		if err != nil {
			return err
		}
		secret, err := c.GetCredential(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		defer secret.Wipe()

		fmt.Printf("host=%s user=%s database=%s\n", secret.Host, secret.User, secret.Database)
		return nil
	},
}

func init() {
	serverCmd.Flags().String("config", "config/server_config.json", "Path to the server config file")
	adminCmd.Flags().String("config", "config/server_config.json", "Path to the server config file")
	getCmd.Flags().String("config", "config/cm_config.json", "Path to the client config file")
}
