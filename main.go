package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"archive/server/internal/conn"
	"archive/server/internal/engine"
	"archive/server/internal/httpapi"
	"archive/server/internal/store"
	"archive/server/internal/wt"

	"github.com/joho/godotenv"
)

func main() {
	// Check for CLI subcommands before parsing flags.
	if len(os.Args) > 1 {
		// Default DB path for CLI commands (overridable by the -db flag in serve mode).
		cliDB := "archive.db"
		if RunCLI(os.Args[1:], cliDB) {
			return
		}
	}

	// Load .env before flag parsing so PORT can seed the default address.
	if err := godotenv.Load(); err == nil {
		log.Printf("[server] loaded .env")
	}
	defaultAddr := ":8080"
	if port := os.Getenv("PORT"); port != "" {
		defaultAddr = ":" + port
	}

	addr := flag.String("addr", defaultAddr, "HTTP/WebSocket listen address")
	wtAddr := flag.String("wt-addr", ":8443", "WebTransport (HTTP/3) listen address (empty to disable)")
	dbPath := flag.String("db", "archive.db", "SQLite database path")
	retransmitTimeout := flag.Duration("retransmit-timeout", defaultRetransmitTimeout, "ACK wait before a reliable frame is re-sent")
	maxRetries := flag.Int("max-retries", defaultMaxRetries, "re-sends before a reliable frame is abandoned")
	maxConnections := flag.Int("max-connections", defaultMaxSessions, "maximum total transport sessions")
	certValidity := flag.Duration("cert-validity", 24*time.Hour, "self-signed TLS certificate validity")
	logLevel := flag.String("log-level", "info", "slog level: debug, info, warn, error")
	flag.Parse()

	configureLogging(*logLevel)

	// Open persistent store; seed defaults on first run.
	st, err := store.Open(*dbPath)
	if err != nil {
		log.Fatalf("[store] %v", err)
	}
	defer st.Close()
	seedDefaults(st)

	eng := engine.New(engine.Config{
		SendOptions: conn.SendOptions{
			Timeout:    *retransmitTimeout,
			MaxRetries: *maxRetries,
		},
		MaxSessions: *maxConnections,
	})

	// Persist session lifecycle events to the audit log.
	eng.OnAudit = func(connID uint64, event, detail, remoteAddr string) {
		if err := st.InsertAudit(context.Background(), connID, event, detail, remoteAddr); err != nil {
			log.Printf("[audit] insert: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on interrupt.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("[server] shutting down...")
		cancel()
	}()

	// Start metrics logging.
	go RunMetrics(ctx, eng, statsInterval)

	// Periodically purge old audit-log rows.
	go func() {
		ticker := time.NewTicker(auditPurgeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := st.PurgeAuditBefore(ctx, time.Now().Add(-auditRetention)); err != nil {
					log.Printf("[audit] purge: %v", err)
				} else if n > 0 {
					log.Printf("[audit] purged %d expired events", n)
				}
			}
		}
	}()

	// Start the WebTransport listener if an address is configured.
	if *wtAddr != "" {
		tlsHostname := ""
		if host, _, err := net.SplitHostPort(*wtAddr); err == nil && host != "" {
			tlsHostname = host
		}
		tlsConfig, fingerprint, err := generateTLSConfig(*certValidity, tlsHostname)
		if err != nil {
			log.Fatalf("[server] %v", err)
		}
		log.Printf("[server] TLS certificate fingerprint: %s", fingerprint)

		wtServer := wt.NewServer(eng, *wtAddr, tlsConfig)
		go func() {
			if err := wtServer.Run(ctx); err != nil {
				log.Printf("[wt] %v", err)
			}
		}()
	}

	api := httpapi.New(eng, st)
	log.Printf("[server] listening on %s", *addr)
	if err := api.Run(ctx, *addr); err != nil {
		log.Fatalf("[server] %v", err)
	}
	eng.Shutdown()
}

// configureLogging installs the default slog handler at the requested level.
func configureLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// seedDefaults writes factory-default settings when they have not been
// created yet (first-run initialisation).
func seedDefaults(st *store.Store) {
	ctx := context.Background()
	defaults := [][2]string{
		{"server_name", "archive server"},
	}
	for _, kv := range defaults {
		if _, err := st.GetSetting(ctx, kv[0]); err != nil {
			if err := st.SetSetting(ctx, kv[0], kv[1]); err != nil {
				log.Printf("[store] seed %q: %v", kv[0], err)
			}
		}
	}
}
