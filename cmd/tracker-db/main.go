// Command tracker-db inspects and maintains the waypoint journal written by
// tracker: schema migrations, session listings, leg statistics and JSON
// exports.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/banshee-data/waypoint-counter/internal/config"
	"github.com/banshee-data/waypoint-counter/internal/db"
	"github.com/banshee-data/waypoint-counter/internal/export"
	"github.com/banshee-data/waypoint-counter/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func usage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintln(w, "Usage: tracker-db [-db path] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  migrate <action>           manage schema migrations (see: migrate help)")
	fmt.Fprintln(w, "  sessions                   list journaled sessions")
	fmt.Fprintln(w, "  legs [-session id]         leg duration statistics (default: latest session)")
	fmt.Fprintln(w, "  export [-session id] [-out dir]")
	fmt.Fprintln(w, "                             write a session to <dir>/<session>.json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fs.PrintDefaults()
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("tracker-db", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dbPath := fs.String("db", config.DefaultDBPath, "path to the sqlite journal")
	showVersion := fs.Bool("version", false, "print version and exit")
	fs.Usage = func() { usage(stderr, fs) }

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *showVersion {
		fmt.Fprintf(stdout, "tracker-db %s\n", version.String())
		return 0
	}
	if fs.NArg() < 1 {
		usage(stderr, fs)
		return 2
	}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	var err error
	switch cmd {
	case "migrate":
		err = runMigrate(*dbPath, rest, stdout)
	case "sessions":
		err = withDB(*dbPath, func(database *db.DB) error {
			return listSessions(ctx, database, stdout)
		})
	case "legs":
		err = runLegs(ctx, *dbPath, rest, stdout, stderr)
	case "export":
		err = runExport(ctx, *dbPath, rest, stdout, stderr)
	case "help":
		usage(stdout, fs)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		usage(stderr, fs)
		return 2
	}

	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "tracker-db %s: %v\n", cmd, err)
		return 1
	}
	return 0
}

// runMigrate opens the journal without applying migrations so that every
// action, including down and force, sees the schema as it is on disk.
func runMigrate(path string, args []string, out io.Writer) error {
	database, err := db.OpenDB(path)
	if err != nil {
		return err
	}
	defer database.Close()
	return db.RunMigrateCommand(database, db.MigrationsFS(), args, out)
}

// withDB opens and migrates the journal for the duration of fn.
func withDB(path string, fn func(*db.DB) error) error {
	database, err := db.NewDB(path)
	if err != nil {
		return err
	}
	defer database.Close()
	return fn(database)
}

func listSessions(ctx context.Context, database *db.DB, out io.Writer) error {
	sessions, err := database.Sessions(ctx)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(out, "no sessions journaled")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tWAYPOINTS\tFIRST\tLAST")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", s.SessionID, s.Waypoints,
			s.FirstAt.Format(time.RFC3339), s.LastAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func runLegs(ctx context.Context, path string, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("legs", flag.ContinueOnError)
	fs.SetOutput(stderr)
	session := fs.String("session", "", "session ID (default: latest)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withDB(path, func(database *db.DB) error {
		stats, err := database.SessionLegStats(ctx, *session)
		if err != nil {
			return err
		}
		if stats.SessionID == "" {
			fmt.Fprintln(stdout, "no sessions journaled")
			return nil
		}
		fmt.Fprintf(stdout, "Session: %s\n", stats.SessionID)
		fmt.Fprintf(stdout, "Legs: %d\n", stats.Count)
		if stats.Count == 0 {
			return nil
		}
		fmt.Fprintf(stdout, "Mean: %.2fs  StdDev: %.2fs\n", stats.Mean, stats.StdDev)
		fmt.Fprintf(stdout, "Min: %.2fs  P50: %.2fs  P95: %.2fs  Max: %.2fs\n",
			stats.Min, stats.P50, stats.P95, stats.Max)
		return nil
	})
}

func runExport(ctx context.Context, path string, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(stderr)
	session := fs.String("session", "", "session ID (default: latest)")
	outDir := fs.String("out", "exports", "directory to write the export into")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withDB(path, func(database *db.DB) error {
		written, err := export.NewWriter(database, *outDir).WriteSession(ctx, *session)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, written)
		return nil
	})
}
