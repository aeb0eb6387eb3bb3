package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"

	"github.com/flowmq/flowmq/auth"
	"github.com/flowmq/flowmq/config"
	"github.com/flowmq/flowmq/consumer"
	"github.com/flowmq/flowmq/internal/obslog"
	"github.com/flowmq/flowmq/management"
	"github.com/flowmq/flowmq/metrics"
	"github.com/flowmq/flowmq/protocol"
	"github.com/flowmq/flowmq/queue"
	"github.com/flowmq/flowmq/storage"
)

const (
	version = "0.1.0"
	banner  = `
   ________                _______  _____
  / ____/ /___ _      __  /  |/  / |/_/ _ \
 / /_  / / __ \ | /| / / / /|_/ / /|_ \  __/
/ __/ / / /_/ / |/ |/ / / /  / // /___/ /
/_/   /_/\____/|__/|__/ /_/  /_/____/\___/

Per-consumer delivery engine
Version: %s
`
)

func main() {
	var (
		configFile      = flag.String("config", "", "Configuration file path (YAML)")
		showVersion     = flag.Bool("version", false, "Show version and exit")
		generateConfig  = flag.String("generate-config", "", "Generate default config file and exit")
		enableTelemetry = flag.Bool("enable-telemetry", true, "Enable telemetry endpoint (Prometheus + admin JSON)")
		telemetryPort   = flag.Int("telemetry-port", 9419, "Telemetry HTTP server port")
		daemonize       = flag.Bool("daemonize", false, "Run as a background daemon")
		pidFile         = flag.String("pid-file", "", "PID file path when daemonized")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("flowmq-server version %s\n", version)
		return
	}

	if *generateConfig != "" {
		if err := writeDefaultConfig(*generateConfig); err != nil {
			log.Fatalf("failed to generate config file: %v", err)
		}
		fmt.Printf("generated default configuration: %s\n", *generateConfig)
		return
	}

	if isDaemonChild() {
		if err := finalizeDaemon(); err != nil {
			log.Fatalf("failed to finalize daemon: %v", err)
		}
	}
	if !isDaemonChild() {
		fmt.Printf(banner, version)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	if *daemonize && !isDaemonChild() {
		if err := startDaemon(); err != nil {
			log.Fatalf("failed to daemonize: %v", err)
		}
	}

	logger, err := obslog.New(cfg.Logging.Level, cfg.Logging.File)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	engine, cleanup, err := buildEngine(cfg, logger)
	if err != nil {
		log.Fatalf("failed to build delivery engine: %v", err)
	}
	defer cleanup()

	var collector *metrics.Collector
	if *enableTelemetry {
		collector = metrics.NewCollector("flowmq")
		engine.SetMetricsCollector(collector)
		go servTelemetry(engine, collector, *telemetryPort)
		go reportConsumerMetrics(engine, collector, logger)
	}

	if *pidFile != "" {
		if err := os.WriteFile(*pidFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644); err != nil {
			log.Fatalf("failed to write pid file: %v", err)
		}
	}

	setupSignalHandling(*pidFile)

	logger.Info("flowmq-server started", consumer.F("storage_backend", cfg.Storage.Backend))
	select {}
}

// engine bundles the per-process collaborators cmd/flowmq-server wires
// together: the reference queue, storage adapters, and management notifier.
// A real deployment would attach a session transport here; wire framing is
// out of scope, but the controller registry below is real, so a front end
// added later has a concrete AttachConsumer/DetachConsumer surface to call
// as it accepts sessions, and telemetry has something to report the moment
// it does.
type engine struct {
	ring           *queue.Ring
	notifier       *management.Notifier
	db             *badger.DB
	deliveryCounts *storage.BadgerDeliveryCountStore
	authenticator  *auth.FileAuthenticator

	mu         sync.Mutex
	registered map[protocol.ConsumerID]*consumer.Controller
	collector  *metrics.Collector
}

// CreateConsumer authenticates username/password (when auth is enabled),
// builds the consumer's identity around the verified username and the
// caller's remote address, and attaches a running controller for it. This is
// the entry point a session front end calls once it has accepted a
// connection and parsed a consumer-create frame.
func (e *engine) CreateConsumer(id protocol.ConsumerID, binding protocol.QueueBinding, username, password, remoteAddress string, callback consumer.SessionCallback, log consumer.Logger) (*consumer.Controller, error) {
	resolvedUser := username
	if e.authenticator != nil {
		verified, err := e.authenticator.Authenticate(username, password)
		if err != nil {
			return nil, fmt.Errorf("authenticate consumer %s: %w", id, err)
		}
		resolvedUser = verified
	}

	identity := protocol.ConsumerIdentity{
		ConsumerID:    id,
		Binding:       binding,
		Username:      resolvedUser,
		RemoteAddress: remoteAddress,
		ClusterName:   "standalone",
		CreatedAt:     time.Now(),
	}

	c := consumer.NewController(identity, e.ring, callback, e.notifier, log, 0)
	e.ring.Attach(id, c)
	if err := e.ring.AddConsumer(id); err != nil {
		return nil, fmt.Errorf("add consumer %s: %w", id, err)
	}
	if err := c.Start(); err != nil {
		_ = e.ring.RemoveConsumer(id)
		return nil, fmt.Errorf("start consumer %s: %w", id, err)
	}
	e.AttachConsumer(c)
	return c, nil
}

// SetMetricsCollector wires collector into the ring's dead-letter counter and
// every consumer attached from this point on. Called once, from main, when
// telemetry is enabled.
func (e *engine) SetMetricsCollector(collector *metrics.Collector) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.collector = collector
	e.ring.SetMetricsSink(collector)
}

// AttachConsumer registers a controller so the telemetry loops below start
// reporting its stats and the admin JSON endpoint lists it.
func (e *engine) AttachConsumer(c *consumer.Controller) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.collector != nil {
		c.SetMetricsSink(e.collector)
		e.collector.RecordConsumerCreated()
	}
	if e.deliveryCounts != nil {
		c.WithDeliveryCountStore(e.deliveryCounts)
	}
	e.registered[c.Identity().ConsumerID] = c
}

// DetachConsumer removes a controller once its session closes.
func (e *engine) DetachConsumer(id protocol.ConsumerID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.collector != nil {
		e.collector.RecordConsumerClosed()
		e.collector.DeleteConsumer(string(id))
	}
	delete(e.registered, id)
}

func (e *engine) consumers() []*consumer.Controller {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*consumer.Controller, 0, len(e.registered))
	for _, c := range e.registered {
		out = append(out, c)
	}
	return out
}

func buildEngine(cfg *config.Config, logger *obslog.ZapLogger) (*engine, func(), error) {
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	var deadLetter queue.DeadLetterSink
	var deliveryCounts *storage.BadgerDeliveryCountStore
	var db *badger.DB

	if cfg.Storage.Backend == "badger" {
		opts := badger.DefaultOptions(cfg.Storage.Path).WithSyncWrites(cfg.Storage.SyncWrites)
		var err error
		db, err = badger.Open(opts)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("open badger storage at %s: %w", cfg.Storage.Path, err)
		}
		cleanups = append(cleanups, func() { db.Close() })
		deadLetter = storage.NewBadgerDeadLetterSink(db)
		deliveryCounts = storage.NewBadgerDeliveryCountStore(db)
		cleanups = append(cleanups, deliveryCounts.Close)
	}

	ring := queue.NewRing("default", deadLetter)
	cleanups = append(cleanups, func() { ring.Close() })

	var notifier *management.Notifier
	if cfg.Management.Enabled {
		n, err := management.Connect(cfg.Management.NatsURL)
		if err != nil {
			logger.Warn("management notifier disabled: connect failed", consumer.F("error", err))
		} else {
			notifier = n
			cleanups = append(cleanups, func() { notifier.Close() })
		}
	}

	var authenticator *auth.FileAuthenticator
	if cfg.Auth.Enabled {
		a, err := auth.NewFileAuthenticator(cfg.Auth.CredentialsFile)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("load auth credentials from %s: %w", cfg.Auth.CredentialsFile, err)
		}
		authenticator = a
	}

	return &engine{
		ring:           ring,
		notifier:       notifier,
		db:             db,
		deliveryCounts: deliveryCounts,
		authenticator:  authenticator,
		registered:     make(map[protocol.ConsumerID]*consumer.Controller),
	}, cleanup, nil
}

func servTelemetry(e *engine, collector *metrics.Collector, port int) {
	srv := metrics.NewServer(port)
	srv.Mux().HandleFunc("/admin/consumers", func(w http.ResponseWriter, r *http.Request) {
		stats := make(map[string]consumer.Stats)
		for _, c := range e.consumers() {
			stats[string(c.Identity().ConsumerID)] = c.Snapshot()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(stats)
	})

	log.Printf("telemetry listening on http://localhost:%d (/metrics, /health, /admin/consumers)", srv.Port())
	if err := srv.Start(); err != nil && err != http.ErrServerClosed {
		log.Printf("telemetry server failed: %v", err)
	}
}

// reportConsumerMetrics periodically pushes each attached consumer's
// snapshot into the Prometheus gauges and logs a human-readable summary
// line alongside it, so an operator tailing logs doesn't have to mentally
// convert raw byte/rate counters the way the /metrics scrape output forces.
func reportConsumerMetrics(e *engine, collector *metrics.Collector, logger *obslog.ZapLogger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		for _, c := range e.consumers() {
			id := string(c.Identity().ConsumerID)
			stats := c.Snapshot()

			collector.SetLedgerDepth(id, stats.LedgerDepth)
			collector.SetAckRate(id, stats.RatePerSecond)
			collector.SetCreditRemaining(id, stats.CreditRemaining)
			collector.SetStreamerActive(id, stats.StreamerActive)

			credit := humanize.Bytes(0)
			if stats.CreditRemaining > 0 {
				credit = humanize.Bytes(uint64(stats.CreditRemaining))
			}
			logger.Info("consumer throughput",
				consumer.F("consumer_id", id),
				consumer.F("acks_total", humanize.Comma(int64(stats.Acks))),
				consumer.F("ack_rate", humanize.CommafWithDigits(stats.RatePerSecond, 1)+"/s"),
				consumer.F("credit_remaining", credit),
				consumer.F("ledger_depth", stats.LedgerDepth),
			)
		}
	}
}

func writeDefaultConfig(path string) error {
	// Writes config.Default() in the YAML layout config.Load reads back.
	cfg := config.Default()
	data := fmt.Sprintf(
		"credit:\n  default_window: %d\n  min_grant: %d\n  unlimited: %v\n"+
			"timeouts:\n  flush_deadline: %s\n  transfer_grace: %s\n  forced_delivery_scan: %s\n"+
			"streaming:\n  min_large_message_size: %d\n  chunk_size: %d\n"+
			"addressing:\n  legacy_prefix_enabled: %v\n  legacy_prefix: %q\n"+
			"storage:\n  backend: %q\n  path: %q\n  sync_writes: %v\n"+
			"management:\n  enabled: %v\n  nats_url: %q\n"+
			"logging:\n  level: %q\n  file: %q\n"+
			"auth:\n  enabled: %v\n  credentials_file: %q\n",
		cfg.Credit.DefaultWindow, cfg.Credit.MinGrant, cfg.Credit.Unlimited,
		cfg.Timeouts.FlushDeadline, cfg.Timeouts.TransferGrace, cfg.Timeouts.ForcedDeliveryScan,
		cfg.Streaming.MinLargeMessageSize, cfg.Streaming.ChunkSize,
		cfg.Addressing.LegacyPrefixEnabled, cfg.Addressing.LegacyPrefix,
		cfg.Storage.Backend, cfg.Storage.Path, cfg.Storage.SyncWrites,
		cfg.Management.Enabled, cfg.Management.NatsURL,
		cfg.Logging.Level, cfg.Logging.File,
		cfg.Auth.Enabled, cfg.Auth.CredentialsFile,
	)
	return os.WriteFile(path, []byte(data), 0644)
}

func setupSignalHandling(pidFile string) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		fmt.Println("\nshutting down flowmq-server")
		if pidFile != "" {
			os.Remove(pidFile)
		}
		time.Sleep(500 * time.Millisecond)
		os.Exit(0)
	}()
}

// Daemonization follows the teacher's double-fork pattern
// (cmd/amqp-server/main.go), unmodified in mechanism since it has nothing
// to do with delivery semantics.

func startDaemon() error {
	if os.Getenv("_FLOWMQ_DAEMON") == "1" {
		return setupDaemonEnvironment()
	}

	args := make([]string, len(os.Args))
	copy(args, os.Args)
	cmd := &exec.Cmd{
		Path: os.Args[0],
		Args: args,
		Env:  append(os.Environ(), "_FLOWMQ_DAEMON=1"),
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon process: %w", err)
	}
	fmt.Printf("flowmq-server daemonized with PID %d\n", cmd.Process.Pid)
	os.Exit(0)
	return nil
}

func setupDaemonEnvironment() error {
	if _, err := unix.Setsid(); err != nil {
		return fmt.Errorf("setsid: %w", err)
	}
	cmd := &exec.Cmd{
		Path: os.Args[0],
		Args: os.Args,
		Env:  append(os.Environ(), "_FLOWMQ_DAEMON=2"),
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("second fork: %w", err)
	}
	os.Exit(0)
	return nil
}

func isDaemonChild() bool {
	return os.Getenv("_FLOWMQ_DAEMON") == "2"
}

func finalizeDaemon() error {
	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("chdir /: %w", err)
	}
	unix.Umask(0)
	return redirectStdFiles()
}

func redirectStdFiles() error {
	devNull, err := os.OpenFile("/dev/null", os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open /dev/null: %w", err)
	}
	if err := unix.Dup2(int(devNull.Fd()), int(os.Stdin.Fd())); err != nil {
		devNull.Close()
		return fmt.Errorf("redirect stdin: %w", err)
	}
	if err := unix.Dup2(int(devNull.Fd()), int(os.Stdout.Fd())); err != nil {
		devNull.Close()
		return fmt.Errorf("redirect stdout: %w", err)
	}
	if err := unix.Dup2(int(devNull.Fd()), int(os.Stderr.Fd())); err != nil {
		devNull.Close()
		return fmt.Errorf("redirect stderr: %w", err)
	}
	return nil
}
