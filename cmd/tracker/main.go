// Command tracker counts waypoint_reached events from an autopilot link and
// asks the autopilot to switch to GUIDED once the target count is reached.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/waypoint-counter/internal/api"
	"github.com/banshee-data/waypoint-counter/internal/autopilot"
	"github.com/banshee-data/waypoint-counter/internal/config"
	"github.com/banshee-data/waypoint-counter/internal/db"
	"github.com/banshee-data/waypoint-counter/internal/monitoring"
	"github.com/banshee-data/waypoint-counter/internal/serialmux"
	"github.com/banshee-data/waypoint-counter/internal/tracker"
	"github.com/banshee-data/waypoint-counter/internal/version"
)

// linkRetryInterval spaces attempts to reopen a failed serial port.
const linkRetryInterval = 2 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type options struct {
	configPath     string
	port           string
	dev            bool
	listen         string
	dbPath         string
	requestTimeout time.Duration
	showVersion    bool
}

func newFlagSet(o *options, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("tracker", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.configPath, "config", "", "Path to a JSON config file (see "+config.ExampleConfigPath+")")
	fs.StringVar(&o.port, "port", config.DefaultPort, "Serial port of the autopilot link (ignored in dev mode)")
	fs.BoolVar(&o.dev, "dev", false, "Run against a simulated autopilot")
	fs.StringVar(&o.listen, "listen", config.DefaultListen, "HTTP listen address; empty disables the API")
	fs.StringVar(&o.dbPath, "db-path", config.DefaultDBPath, "Path to the sqlite journal; empty disables journaling")
	fs.DurationVar(&o.requestTimeout, "request-timeout", 0, "Fail set_mode calls unanswered after this long; 0 waits forever")
	fs.BoolVar(&o.showVersion, "version", false, "Print version and exit")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage: tracker [flags] <target_waypoint_count>")
		fmt.Fprintln(stderr)
		fmt.Fprintln(stderr, "Switches the autopilot to GUIDED once target_waypoint_count waypoints")
		fmt.Fprintln(stderr, "have been reached. Mission launches normally pass 10.")
		fmt.Fprintln(stderr)
		fmt.Fprintln(stderr, "Flags:")
		fs.PrintDefaults()
	}
	return fs
}

// settings is the merged result of the config file and explicit flags.
type settings struct {
	target         int
	dev            bool
	port           string
	serial         serialmux.PortOptions
	listen         string
	dbPath         string
	requestTimeout time.Duration
	depth          int
	sim            autopilot.SimulatorConfig
}

// parseArgs returns exit code -1 when the tracker should start.
func parseArgs(args []string, stdout, stderr io.Writer) (settings, int) {
	var o options
	fs := newFlagSet(&o, stderr)
	flagArgs, positional := splitArgs(fs, args)
	if err := fs.Parse(flagArgs); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return settings{}, 0
		}
		return settings{}, 2
	}

	if o.showVersion {
		fmt.Fprintf(stdout, "tracker %s\n", version.String())
		return settings{}, 0
	}

	positional = append(positional, fs.Args()...)
	if len(positional) < 1 {
		fs.Usage()
		return settings{}, 1
	}

	cfg := &config.TrackerConfig{}
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			fmt.Fprintf(stderr, "failed to load config: %v\n", err)
			return settings{}, 1
		}
	}

	explicit := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	s := settings{
		target:         parseTarget(positional[0]),
		dev:            o.dev,
		port:           cfg.GetPort(),
		serial:         cfg.GetSerial(),
		listen:         cfg.GetListen(),
		dbPath:         cfg.GetDBPath(),
		requestTimeout: cfg.GetRequestTimeout(),
		depth:          cfg.GetSubscriberDepth(),
		sim: autopilot.SimulatorConfig{
			Interval:    cfg.GetSimInterval(),
			FirstSeq:    cfg.GetSimFirstSeq(),
			Waypoints:   cfg.GetSimWaypoints(),
			RejectModes: cfg.GetSimRejectModes(),
		},
	}
	if explicit["port"] {
		s.port = o.port
	}
	if explicit["listen"] {
		s.listen = o.listen
	}
	if explicit["db-path"] {
		s.dbPath = o.dbPath
	}
	if explicit["request-timeout"] {
		s.requestTimeout = o.requestTimeout
	}
	return s, -1
}

// splitArgs separates flags from positional arguments so that flags may
// follow the target and a signed target such as "-3" is not taken for an
// unknown flag. Values of non-boolean flags given as a separate argument stay
// with their flag. Everything after "--" is positional.
func splitArgs(fs *flag.FlagSet, args []string) (flags, positional []string) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--":
			return flags, append(positional, args[i+1:]...)
		case looksNumeric(arg) || arg == "-" || !strings.HasPrefix(arg, "-"):
			positional = append(positional, arg)
		default:
			flags = append(flags, arg)
			name := strings.TrimLeft(arg, "-")
			if strings.Contains(name, "=") {
				continue
			}
			f := fs.Lookup(name)
			if f == nil || isBoolFlag(f) || i+1 >= len(args) {
				continue
			}
			i++
			flags = append(flags, args[i])
		}
	}
	return flags, positional
}

// looksNumeric reports whether s is an optional sign followed by a digit.
func looksNumeric(s string) bool {
	s = strings.TrimLeft(s, " \t\n\v\f\r")
	if s != "" && (s[0] == '+' || s[0] == '-') {
		s = s[1:]
	}
	return s != "" && s[0] >= '0' && s[0] <= '9'
}

func isBoolFlag(f *flag.Flag) bool {
	b, ok := f.Value.(interface{ IsBoolFlag() bool })
	return ok && b.IsBoolFlag()
}

// parseTarget converts the target argument the way C's atoi does: leading
// whitespace, an optional sign, then as many digits as follow. Anything
// without digits is 0. Out of range values clamp to the int32 range.
func parseTarget(s string) int {
	i := 0
	for i < len(s) && isSpace(s[i]) {
		i++
	}
	neg := false
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		neg = s[i] == '-'
		i++
	}

	var n int64
	for ; i < len(s) && s[i] >= '0' && s[i] <= '9'; i++ {
		n = n*10 + int64(s[i]-'0')
		if n > math.MaxInt32+1 {
			n = math.MaxInt32 + 1
		}
	}
	if neg {
		n = -n
	}
	switch {
	case n > math.MaxInt32:
		return math.MaxInt32
	case n < math.MinInt32:
		return math.MinInt32
	}
	return int(n)
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	s, code := parseArgs(args, stdout, stderr)
	if code >= 0 {
		return code
	}

	monitoring.Infof("tracker %s", version.String())

	var (
		link   serialmux.SerialMuxInterface
		reopen func() error
	)
	if s.dev {
		monitoring.Infof("dev mode: simulated autopilot, waypoint every %s", s.sim.Interval)
		link = serialmux.NewSerialMux(autopilot.NewSimulator(s.sim), serialmux.WithSubscriberDepth(s.depth))
	} else {
		mux, err := serialmux.NewRealSerialMux(s.port, s.serial, serialmux.WithSubscriberDepth(s.depth))
		if err != nil {
			monitoring.Errorf("failed to open autopilot link: %v", err)
			return 1
		}
		monitoring.Infof("autopilot link %s (%s)", s.port, s.serial)
		link = mux
		reopen = func() error {
			port, err := serialmux.OpenRealPort(s.port, s.serial)
			if err != nil {
				return err
			}
			return mux.Reattach(port)
		}
	}
	defer link.Close()

	var (
		database *db.DB
		journal  *db.Journal
	)
	if s.dbPath != "" {
		var err error
		if database, err = db.NewDB(s.dbPath); err != nil {
			monitoring.Errorf("failed to open journal: %v", err)
			return 1
		}
		defer database.Close()
		journal = db.NewJournal(database)
		defer journal.Close()
		monitoring.Infof("journaling to %s, session %s", s.dbPath, journal.SessionID())
	}

	node := autopilot.NewNode(link)
	defer node.Close()
	client := autopilot.NewSetModeClient(node, autopilot.WithTimeout(s.requestTimeout))
	var trackerOpts []tracker.Option
	if journal != nil {
		trackerOpts = append(trackerOpts, tracker.WithJournal(journal))
	}
	counter := tracker.New(s.target, node, client, trackerOpts...)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	// run the monitor routine to manage IO on the link
	wg.Add(1)
	go func() {
		defer wg.Done()
		superviseLink(ctx, link, node, reopen, linkRetryInterval)
		monitoring.Logf("monitor routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		if err := node.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Errorf("event loop stopped: %v", err)
		}
		monitoring.Logf("event loop terminated")
	}()

	if s.listen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveHTTP(ctx, cancel, s.listen, counter, link, database, journal)
		}()
	}

	wg.Wait()
	monitoring.Logf("graceful shutdown complete")
	return 0
}

// superviseLink runs the link monitor until ctx ends. A link that fails or
// reaches EOF settles outstanding requests as disconnected and the event
// loop keeps running. When reopen is set the port is reopened every retry
// until it succeeds; otherwise the link stays down until shutdown.
func superviseLink(ctx context.Context, link serialmux.SerialMuxInterface, node *autopilot.Node,
	reopen func() error, retry time.Duration) {
	for {
		err := link.Monitor(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			monitoring.Errorf("failed to monitor autopilot link: %v", err)
		} else {
			monitoring.Warnf("autopilot link reached end of stream")
		}
		node.LinkLost()

		if reopen == nil {
			<-ctx.Done()
			return
		}
		if !reopenLink(ctx, reopen, retry) {
			return
		}
		monitoring.Infof("autopilot link reopened")
	}
}

// reopenLink retries reopen every interval until it succeeds or ctx ends.
func reopenLink(ctx context.Context, reopen func() error, interval time.Duration) bool {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
		if err := reopen(); err != nil {
			monitoring.Warnf("failed to reopen autopilot link: %v", err)
			continue
		}
		return true
	}
}

func serveHTTP(ctx context.Context, cancel context.CancelFunc, addr string, counter *tracker.WaypointCounter,
	link serialmux.SerialMuxInterface, database *db.DB, journal *db.Journal) {
	opts := []api.Option{api.WithLinkStats(link)}
	if database != nil {
		opts = append(opts, api.WithJournal(database, journal.SessionID()))
	}
	mux := api.NewServer(counter, opts...).ServeMux()
	link.AttachAdminRoutes(mux)
	if database != nil {
		database.AttachAdminRoutes(mux)
	}

	server := &http.Server{
		Addr:    addr,
		Handler: api.LoggingMiddleware(mux),
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			monitoring.Errorf("failed to start server: %v", err)
			cancel()
		}
	}()
	monitoring.Infof("serving HTTP on %s", addr)

	<-ctx.Done()
	monitoring.Logf("shutting down HTTP server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		monitoring.Warnf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			monitoring.Warnf("HTTP server force close error: %v", err)
		}
	}
	monitoring.Logf("HTTP server routine stopped")
}
