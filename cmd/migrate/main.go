// Command migrate manages the paper store schema.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/paper-pipeline-service/internal/config"
	"github.com/helixir/paper-pipeline-service/internal/database"
	"github.com/helixir/paper-pipeline-service/internal/observability"
)

type flags struct {
	up      bool
	down    bool
	steps   int
	version bool
	force   int
	drop    bool
	yes     bool
	path    string
}

// action applies one schema operation.
type action struct {
	name        string
	destructive bool
	apply       func(m *database.Migrator) error
}

var errNoAction = errors.New("no action specified")

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() flags {
	var f flags
	flag.BoolVar(&f.up, "up", false, "Apply all pending migrations")
	flag.BoolVar(&f.down, "down", false, "Roll back all migrations")
	flag.IntVar(&f.steps, "steps", 0, "Apply N migrations (negative rolls back)")
	flag.BoolVar(&f.version, "version", false, "Print the current schema version")
	flag.IntVar(&f.force, "force", -1, "Record version V without migrating (clears a dirty schema)")
	flag.BoolVar(&f.drop, "drop", false, "Drop papers, processing_events and the version table (requires -yes)")
	flag.BoolVar(&f.yes, "yes", false, "Confirm a destructive action")
	flag.StringVar(&f.path, "path", "", "Override the migrations directory")
	flag.Parse()
	return f
}

// resolveAction picks the single action requested on the command line.
func resolveAction(f flags) (action, error) {
	var actions []action
	if f.up {
		actions = append(actions, action{name: "up", apply: (*database.Migrator).Up})
	}
	if f.down {
		actions = append(actions, action{name: "down", destructive: true, apply: (*database.Migrator).Down})
	}
	if f.steps != 0 {
		n := f.steps
		actions = append(actions, action{name: "steps", destructive: n < 0, apply: func(m *database.Migrator) error {
			return m.Steps(n)
		}})
	}
	if f.version {
		actions = append(actions, action{name: "version", apply: func(*database.Migrator) error { return nil }})
	}
	if f.force >= 0 {
		v := f.force
		actions = append(actions, action{name: "force", apply: func(m *database.Migrator) error {
			return m.Force(v)
		}})
	}
	if f.drop {
		actions = append(actions, action{name: "drop", destructive: true, apply: (*database.Migrator).DropAll})
	}

	switch len(actions) {
	case 0:
		return action{}, errNoAction
	case 1:
	default:
		return action{}, errors.New("specify only one action at a time")
	}

	a := actions[0]
	if a.name == "drop" && !f.yes {
		return action{}, errors.New("-drop destroys all paper history; pass -yes to confirm")
	}
	return a, nil
}

func run() error {
	f := parseFlags()
	act, err := resolveAction(f)
	if errors.Is(err, errNoAction) {
		flag.Usage()
		fmt.Fprintln(os.Stderr, "\nPlease specify one of: -up, -down, -steps N, -version, -force V, -drop")
	}
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(observability.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     "console",
		Output:     "stdout",
		TimeFormat: time.RFC3339,
		Process:    "migrate",
	})

	dir := cfg.Database.MigrationPath
	if f.path != "" {
		dir = f.path
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := database.New(ctx, &cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	migrator, err := database.NewMigrator(db, dir, logger)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() {
		if closeErr := migrator.Close(); closeErr != nil {
			logger.Error().Err(closeErr).Msg("failed to close migrator")
		}
	}()

	event := logger.Info()
	if act.destructive {
		event = logger.Warn()
	}
	event.Str("action", act.name).Str("path", dir).Msg("running schema action")

	if err := act.apply(migrator); err != nil {
		return fmt.Errorf("%s: %w", act.name, err)
	}
	if act.name != "drop" {
		printVersion(migrator, logger)
	}
	return nil
}

// printVersion logs the schema version after an action.
func printVersion(migrator *database.Migrator, logger zerolog.Logger) {
	status, err := migrator.Status()
	if err != nil {
		logger.Warn().Err(err).Msg("could not determine migration version")
		return
	}
	if !status.Applied {
		logger.Info().Msg("no migrations applied")
		return
	}
	logger.Info().
		Uint("version", status.Version).
		Bool("dirty", status.Dirty).
		Msg("current migration version")
}
