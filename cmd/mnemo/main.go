// Package main implements the mnemo CLI: observation memory for coding agents
// with issue-store sync.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/gorm/logger"

	"github.com/thebtf/mnemo/internal/beads"
	"github.com/thebtf/mnemo/internal/config"
	"github.com/thebtf/mnemo/internal/db/gorm"
)

// Version is set at build time via ldflags.
var Version = "dev"

var (
	projectDir string
	outputJSON bool
	verbose    bool

	cfg *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mnemo",
	Short: "Observation memory for coding agents",
	Long: `mnemo stores observations made by coding agents (decisions, learnings,
blockers, progress, handoffs and feedback), ranks them for a task, promotes
repeatedly harmful advice into anti-pattern warnings, and keeps the beads
issue store in step with the agent's todo list.

Examples:
  mnemo add --type decision "Use WAL mode for the store"
  mnemo context "speed up sqlite writes"
  mnemo mark obs-12 harmful --reason "broke the build"
  mnemo sync todos --session s1 --file todos.json`,
	Version:           Version,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&projectDir, "project", "", "Project directory (defaults to $MNEMO_PROJECT_DIR or the current directory)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output results as JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func setup(cmd *cobra.Command, _ []string) error {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()

	var err error
	cfg, err = config.Load(projectDir)
	if err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Debug().Str("memory_dir", cfg.MemoryDir).Str("beads_dir", cfg.BeadsDir).Msg("Configuration loaded")
	return nil
}

func storeConfig(readOnly bool) gorm.Config {
	level := logger.Silent
	if zerolog.GlobalLevel() <= zerolog.TraceLevel {
		level = logger.Info
	}
	return gorm.Config{Dir: cfg.DBDir(), ReadOnly: readOnly, LogLevel: level}
}

// withObservations runs fn against the observation store.
func withObservations(ctx context.Context, fn func(ctx context.Context, store *gorm.Store, obs *gorm.ObservationStore) error) error {
	return gorm.WithStore(ctx, storeConfig(false), func(ctx context.Context, store *gorm.Store) error {
		return fn(ctx, store, gorm.NewObservationStore(store))
	})
}

// withReadOnlyObservations runs fn read-only. A store that does not exist yet
// is reported as ErrNoStore so callers can print an empty result.
func withReadOnlyObservations(ctx context.Context, fn func(ctx context.Context, obs *gorm.ObservationStore) error) error {
	return gorm.WithStore(ctx, storeConfig(true), func(ctx context.Context, store *gorm.Store) error {
		return fn(ctx, gorm.NewObservationStore(store))
	})
}

func newBridge(obs beads.ObservationStore) *beads.Bridge {
	return beads.NewBridge(obs, cfg.BeadsDir, log.Logger, beads.WithNamespace(cfg.Namespace))
}

func issueProbe() *beads.CLIProbe {
	return &beads.CLIProbe{
		Command: cfg.IssueCLI,
		Dir:     cfg.ProjectDir,
		Timeout: time.Duration(cfg.IssueCLITimeoutMS) * time.Millisecond,
	}
}

// noStore reports whether err means the store has not been created yet.
func noStore(err error) bool {
	return errors.Is(err, gorm.ErrNoStore)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// emit writes v as JSON when --json is set, otherwise calls text.
func emit(cmd *cobra.Command, v any, text func(w io.Writer)) error {
	if outputJSON {
		return printJSON(cmd.OutOrStdout(), v)
	}
	text(cmd.OutOrStdout())
	return nil
}

func readInput(path string) ([]byte, error) {
	if path == "" || path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path) // #nosec G304 -- path is supplied by the operator
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}
