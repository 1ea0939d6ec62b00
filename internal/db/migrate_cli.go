package db

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strconv"
)

// ErrUnknownMigrateAction is returned for an action RunMigrateCommand does not
// recognise.
var ErrUnknownMigrateAction = errors.New("unknown migrate action")

// RunMigrateCommand executes one migrate action (up, down, status, version N,
// force N, help) against database, writing progress to out.
func RunMigrateCommand(database *DB, migrations fs.FS, args []string, out io.Writer) error {
	if len(args) < 1 {
		PrintMigrateHelp(out)
		return fmt.Errorf("%w: none given", ErrUnknownMigrateAction)
	}

	switch action := args[0]; action {
	case "up":
		if err := database.MigrateUp(migrations); err != nil {
			return err
		}
		fmt.Fprintln(out, "All migrations applied")
		return printVersion(database, migrations, out)

	case "down":
		if err := database.MigrateDown(migrations); err != nil {
			return err
		}
		fmt.Fprintln(out, "Rolled back one migration")
		return printVersion(database, migrations, out)

	case "status":
		version, dirty, err := database.MigrateVersion(migrations)
		if err != nil {
			return fmt.Errorf("failed to get migration status: %w", err)
		}
		latest, err := LatestMigrationVersion(migrations)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Current version: %d\n", version)
		fmt.Fprintf(out, "Latest available: %d\n", latest)
		fmt.Fprintf(out, "Dirty: %v\n", dirty)
		if dirty {
			fmt.Fprintln(out, "A migration failed part way. Inspect the database, then run: migrate force <version>")
		}
		return nil

	case "version":
		n, err := versionArg(args)
		if err != nil {
			return err
		}
		if err := database.MigrateTo(migrations, uint(n)); err != nil {
			return err
		}
		fmt.Fprintf(out, "Migrated to version %d\n", n)
		return nil

	case "force":
		n, err := versionArg(args)
		if err != nil {
			return err
		}
		if err := database.MigrateForce(migrations, n); err != nil {
			return err
		}
		fmt.Fprintf(out, "Migration version forced to %d\n", n)
		return nil

	case "help":
		PrintMigrateHelp(out)
		return nil

	default:
		PrintMigrateHelp(out)
		return fmt.Errorf("%w: %s", ErrUnknownMigrateAction, action)
	}
}

func versionArg(args []string) (int, error) {
	if len(args) < 2 {
		return 0, fmt.Errorf("usage: migrate %s <version_number>", args[0])
	}
	n, err := strconv.Atoi(args[1])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid version number: %s", args[1])
	}
	return n, nil
}

func printVersion(database *DB, migrations fs.FS, out io.Writer) error {
	version, dirty, err := database.MigrateVersion(migrations)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Current version: %d (dirty: %v)\n", version, dirty)
	return nil
}

// PrintMigrateHelp writes usage for the migrate command.
func PrintMigrateHelp(out io.Writer) {
	fmt.Fprintln(out, "Usage: tracker-db [-db path] migrate <command>")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  up              Apply all pending migrations")
	fmt.Fprintln(out, "  down            Roll back one migration")
	fmt.Fprintln(out, "  status          Show current and latest version")
	fmt.Fprintln(out, "  version <N>     Migrate to version N")
	fmt.Fprintln(out, "  force <N>       Force the recorded version to N (recovery only)")
	fmt.Fprintln(out, "  help            Show this help message")
}
