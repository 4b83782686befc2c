// Command sentineld is the single entrypoint for the detection-and-response
// core: it loads configuration, wires the pipeline, and runs it under
// supervision until an interrupt or fatal error. Grounded on the teacher's
// cmd/pulse/main.go (cobra rootCmd/versionCmd, zerolog ConsoleWriter setup,
// context.WithCancel driven by os/signal, a deferred config watcher).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sentineld/sentineld/internal/app"
	"github.com/sentineld/sentineld/internal/config"
)

// Version information, set at build time with -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const (
	exitOK             = 0
	exitConfigInvalid  = 1
	exitConfigError    = 2
	exitFatalRuntime   = 3
)

var rootCmd = &cobra.Command{
	Use:     "sentineld",
	Short:   "sentineld - real-time detection and response core",
	Long:    "sentineld ingests normalized security events and runs them through signature, behavioral, and correlation detectors, merging findings into incidents and driving response actions.",
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runCore()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sentineld %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var validateConfigCmd = &cobra.Command{
	Use:   "validate-config <path>",
	Short: "Load and validate configuration without starting any subsystem",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runValidateConfig(args[0])
	},
}

var dumpRulesCmd = &cobra.Command{
	Use:   "dump-rules",
	Short: "Print the version and configured whitelist entries as JSON (no signature, IOC, correlation, or response rules)",
	Run: func(cmd *cobra.Command, args []string) {
		runDumpRules(configPath(cmd))
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(validateConfigCmd)
	rootCmd.AddCommand(dumpRulesCmd)
	rootCmd.PersistentFlags().String("config", "", "path to a JSON configuration file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitFatalRuntime)
	}
}

func configPath(cmd *cobra.Command) string {
	p, _ := cmd.Flags().GetString("config")
	return p
}

// runValidateConfig loads and validates configuration only, per spec §6's
// CLI contract: it must never start a subsystem. Exits 0 on a valid
// configuration, 1 otherwise, with diagnostics on stderr.
func runValidateConfig(path string) {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(exitConfigInvalid)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(exitConfigInvalid)
	}
	fmt.Println("configuration OK")
	os.Exit(exitOK)
}

// ruleDump is the JSON shape emitted by dump-rules. Signature patterns,
// IOCs, correlation rules and response rules are registered on
// internal/app's wired engines and are not part of the configuration, so
// the dump does not list them: it holds the version and the whitelist
// entries loaded from the --config path, and starts no subsystem.
type ruleDump struct {
	Version string   `json:"version"`
	Config  struct {
		WhitelistEntries []string `json:"whitelist_entries"`
	} `json:"config"`
	Note string `json:"note"`
}

func runDumpRules(path string) {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(exitConfigError)
	}

	dump := ruleDump{
		Version: Version,
		Note:    "signature patterns, IOCs, correlation rules, and response rules are loaded by the deployment's rule-provisioning adapter at startup; this command reports the ambient configuration surface only",
	}
	dump.Config.WhitelistEntries = cfg.WhitelistEntries

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(dump); err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode rule dump: %v\n", err)
		os.Exit(exitFatalRuntime)
	}
	os.Exit(exitOK)
}

// runCore wires every subsystem and runs it under supervision until an
// interrupt, or until the supervisor's Run returns (it returns an error
// only when the services' start order cannot be built; a service marked
// Unrecoverable does not end it).
func runCore() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	path := configPath(rootCmd)
	watcher, err := config.NewWatcher(path)
	if err != nil {
		log.Error().Err(err).Msg("failed to load configuration")
		os.Exit(exitConfigError)
	}
	cfg := watcher.Current()

	log.Info().Str("version", Version).Msg("starting sentineld")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := app.New(app.Options{
		Config:  cfg,
		Version: Version,
		OnLog: func(msg string) {
			log.Info().Str("action", "log_only").Msg(msg)
		},
	})

	watcher.OnReload(func(newCfg config.Config) {
		log.Info().Msg("configuration reloaded; structural knobs require a restart to take effect")
	})
	stopWatcher, err := watcher.Start()
	if err != nil {
		log.Warn().Err(err).Msg("failed to start config watcher, file changes will require a restart")
	} else {
		defer stopWatcher()
	}

	if err := a.RegisterSupervisedServices(); err != nil {
		log.Error().Err(err).Msg("failed to register supervised services")
		os.Exit(exitConfigError)
	}

	if err := a.Metrics.Start(os.Getenv("SENTINELD_METRICS_ADDR")); err != nil {
		log.Warn().Err(err).Msg("failed to start metrics server")
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		a.Metrics.Shutdown(shutdownCtx)
	}()

	stopDashboard, err := a.StartDashboard(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to start dashboard relay")
		stopDashboard = func(context.Context) {}
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		stopDashboard(shutdownCtx)
	}()

	runErr := make(chan error, 1)
	go func() {
		runErr <- a.Supervisor.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
		<-runErr
	case err := <-runErr:
		if err != nil {
			log.Error().Err(err).Msg("supervisor exited with a fatal error")
			os.Exit(exitFatalRuntime)
		}
	}

	log.Info().Msg("sentineld stopped")
	os.Exit(exitOK)
}
