// ABOUTME: Entry point for the adaos root authority daemon
// ABOUTME: Subcommands: serve, init, bootstrap

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/adaos/authority/internal/backend"
	"github.com/adaos/authority/internal/config"
	"github.com/adaos/authority/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
            _             _   _                _ _
   __ _  __| | __ _  ___ | |_| |__   ___  _ __(_) |_ _   _
  / _' |/ _' |/ _' |/ _ \| __| '_ \ / _ \| '__| | __| | | |
 | (_| | (_| | (_| | (_) | |_| | | | (_) | |  | | |_| |_| |
  \__,_|\__,_|\__,_|\___/ \__|_| |_|\___/|_|  |_|\__|\__, |
                                                     |___/
`

// getConfigPath returns the path to the authority config file.
// Priority: ADAOS_AUTHORITY_CONFIG env var > XDG_CONFIG_HOME/adaos/authority.yaml > ~/.config/adaos/authority.yaml
func getConfigPath() string {
	if envPath := os.Getenv("ADAOS_AUTHORITY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "authority.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "adaos", "authority.yaml")
}

// getDataPath returns the path to the adaos data directory.
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "adaos")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: authorityd <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                    Start the root authority daemon")
		fmt.Println("  init                     Create a config file with fresh keys")
		fmt.Println("  bootstrap --subnet NAME  Create a subnet and its owner device")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "bootstrap":
		err = runBootstrap(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("CA dir:   %s\n", cfg.Keys.CADir)
	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:  %s\n", cfg.Metrics.Path)
	}
	fmt.Println()

	logger.Info("starting authorityd", "config", configPath, "database", cfg.Database.Path)

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	b, err := backend.New(cfg, s)
	if err != nil {
		return fmt.Errorf("creating backend: %w", err)
	}

	go runSweeper(ctx, s, logger)

	if cfg.Metrics.Enabled {
		go serveMetrics(ctx, b, cfg.Metrics.Path, logger)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// runSweeper expires pairing records, consents, channels and idempotency
// rows on a fixed cadence. Resolved records are never touched.
func runSweeper(ctx context.Context, s *store.SQLiteStore, logger *slog.Logger) {
	log := logger.With("component", "sweeper")
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepOnce(ctx, s, log)
		}
	}
}

func sweepOnce(ctx context.Context, s *store.SQLiteStore, log *slog.Logger) {
	sweeps := []struct {
		name string
		fn   func(context.Context) (int64, error)
	}{
		{"device_codes", s.DeleteExpiredDeviceCodes},
		{"qr_sessions", s.DeleteExpiredQRSessions},
		{"channels", s.DeleteExpiredChannels},
		{"idempotency", s.DeleteExpiredIdempotencyEntries},
		{"consents", s.MarkExpiredConsents},
	}
	for _, sweep := range sweeps {
		if _, err := sweep.fn(ctx); err != nil {
			log.Error("sweep failed", "target", sweep.name, "error", err)
		}
	}
}

func serveMetrics(ctx context.Context, b *backend.Backend, path string, logger *slog.Logger) {
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, b.Metrics().Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	srv := &http.Server{Addr: "127.0.0.1:9464", Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", "addr", srv.Addr, "path", path)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server failed", "error", err)
	}
}

// runInit writes a config file with freshly generated key material.
func runInit() error {
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists at %s", configPath)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	dataPath := getDataPath()
	auditKey, err := randomSecret()
	if err != nil {
		return err
	}
	contextKey, err := randomSecret()
	if err != nil {
		return err
	}
	jwtSecret, err := randomSecret()
	if err != nil {
		return err
	}

	content := fmt.Sprintf(`database:
  path: %s

keys:
  hmac_audit_key: %s
  context_hmac_key: %s
  ca_dir: %s

auth:
  jwt_secret: %s

logging:
  level: info
  format: text

metrics:
  enabled: true
  path: /metrics
`,
		filepath.Join(dataPath, "authority.db"),
		auditKey, contextKey,
		filepath.Join(dataPath, "ca"),
		jwtSecret)

	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Print("✓ ")
	fmt.Printf("Created %s\n", configPath)
	return nil
}

// runBootstrap creates the initial OWNER_CONTROLLER device for a subnet.
// Every later approval in the subnet traces back to this device.
func runBootstrap(ctx context.Context) error {
	var subnet string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--subnet" && i+1 < len(args):
			subnet = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--subnet="):
			subnet = strings.TrimPrefix(args[i], "--subnet=")
		}
	}
	if subnet == "" {
		return fmt.Errorf("usage: authorityd bootstrap --subnet NAME")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	b, err := backend.New(cfg, s)
	if err != nil {
		return fmt.Errorf("creating backend: %w", err)
	}

	ownerID, err := b.BootstrapOwner(ctx, subnet)
	if err != nil {
		return fmt.Errorf("bootstrapping owner: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Print("✓ ")
	fmt.Printf("Subnet %q bootstrapped\n", subnet)
	fmt.Printf("  Owner device: %s\n", ownerID)
	return nil
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
