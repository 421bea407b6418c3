package config

import (
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultRootDir    = "/run/vesseld"
	defaultBackend    = "firecracker"
	defaultAckTimeout = 30 * time.Second

	// SocketName is the rendezvous socket file created under the root directory.
	SocketName = "vesseld.sock"

	// VMConfigName is the VM description file expected under the root directory.
	VMConfigName = "vm.json"

	// JournalName is the lifecycle journal database under the root directory.
	JournalName = "journal.db"

	envRootDir    = "VESSELD_ROOT"
	envSocketPath = "VESSELD_SOCKET"
	envJournal    = "VESSELD_JOURNAL_PATH"
	envHTTPAddr   = "VESSELD_HTTP_ADDR"
	envBackend    = "VESSELD_BACKEND"
	envAckTimeout = "VESSELD_ACK_TIMEOUT"
	envLogLevel   = "VESSELD_LOG_LEVEL"
)

// Config holds daemon configuration loaded from environment variables.
type Config struct {
	// RootDir is the state root: it holds the rendezvous socket, the VM
	// description, and the lifecycle journal.
	RootDir string

	// SocketPath is the rendezvous socket the daemon listens on.
	SocketPath string

	// VMConfigPath is the VM description file.
	VMConfigPath string

	// JournalPath is the lifecycle journal database.
	JournalPath string

	// HTTPAddr enables the debug HTTP listener (metrics, health, read-only
	// container list) when non-empty.
	HTTPAddr string

	// Backend names the guest control backend implementation.
	Backend string

	// AckTimeout bounds the create-path wait for the guest acknowledgement.
	AckTimeout time.Duration

	LogLevel slog.Level
}

// Load reads configuration from environment variables with sensible defaults.
// Paths not set explicitly are derived from the root directory.
func Load() Config {
	cfg := Config{
		RootDir:    defaultRootDir,
		Backend:    defaultBackend,
		AckTimeout: defaultAckTimeout,
		LogLevel:   slog.LevelInfo,
	}

	if v := os.Getenv(envRootDir); v != "" {
		cfg.RootDir = v
	}
	if v := os.Getenv(envBackend); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv(envHTTPAddr); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv(envAckTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.AckTimeout = d
		}
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = ParseLogLevel(v)
	}

	cfg.SocketPath = filepath.Join(cfg.RootDir, SocketName)
	if v := os.Getenv(envSocketPath); v != "" {
		cfg.SocketPath = v
	}
	cfg.VMConfigPath = filepath.Join(cfg.RootDir, VMConfigName)
	cfg.JournalPath = filepath.Join(cfg.RootDir, JournalName)
	if v := os.Getenv(envJournal); v != "" {
		cfg.JournalPath = v
	}

	return cfg
}

// ParseLogLevel maps a level name to its slog level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

// PrepareSocketPath clears a stale rendezvous socket left by a previous run.
// It refuses to touch a path occupied by anything other than a socket.
func PrepareSocketPath(path string) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	if fi.Mode()&os.ModeSocket == 0 {
		return errors.New("socket path exists and is not a socket: " + path)
	}
	return os.Remove(path)
}
