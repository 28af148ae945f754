package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BookFlowHQ/BookFlow/internal/api"
	"github.com/BookFlowHQ/BookFlow/internal/flow"
	"github.com/BookFlowHQ/BookFlow/internal/genai"
	"github.com/BookFlowHQ/BookFlow/internal/lockfile"
	"github.com/BookFlowHQ/BookFlow/internal/models"
	"github.com/BookFlowHQ/BookFlow/internal/store"
	"github.com/BookFlowHQ/BookFlow/internal/util"
	"github.com/joho/godotenv"
	"github.com/openai/openai-go"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for BookFlow state data
	DefaultStateDir = "/var/lib/bookflow"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "bookflow.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	// File-backed state directories must be exclusive to one instance; the
	// network backends coordinate through the store itself.
	var dirLock *lockfile.Lock
	if isFileDSN(*flags.dbDSN) {
		stateDir := filepath.Dir(*flags.dbDSN)
		lock, err := lockfile.Acquire(stateDir)
		if err != nil {
			slog.Error("Failed to lock state directory", "error", err)
			os.Exit(1)
		}
		dirLock = lock
		defer dirLock.Release()
	}

	st, err := store.NewFromDSN(*flags.dbDSN, store.WithTTL(flags.snapshotTTL))
	if err != nil {
		slog.Error("Failed to initialize snapshot store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	llm, err := genai.NewClient(buildGenAIOptions(flags)...)
	if err != nil {
		slog.Error("Failed to initialize GenAI client", "error", err)
		os.Exit(1)
	}

	engine := flow.NewEngine(st, llm, flow.NewStubBookingTools())
	server := api.NewServer(engine, buildAPIOptions(flags)...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping BookFlow", "dsn_set", *flags.dbDSN != "", "api_addr", *flags.apiAddr)
	if err := server.Run(ctx); err != nil {
		slog.Error("BookFlow failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("BookFlow exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL string
	StateDir    string
	OpenAIKey   string
	Model       string
	APIAddr     string
}

// Flags holds command line flag values
type Flags struct {
	dbDSN       *string
	openaiKey   *string
	model       *string
	apiAddr     *string
	snapshotTTL time.Duration
}

// initializeLogger sets up structured logging; BOOKFLOW_DEBUG enables debug level.
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("BOOKFLOW_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		StateDir:    util.GetEnvOrDefault("BOOKFLOW_STATE_DIR", DefaultStateDir),
		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		Model:       os.Getenv("BOOKFLOW_MODEL"),
		APIAddr:     os.Getenv("API_ADDR"),
	}

	// Without a database URL, default to SQLite in the state directory.
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"BOOKFLOW_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"BOOKFLOW_MODEL", config.Model,
		"API_ADDR", config.APIAddr)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		dbDSN:     flag.String("db-dsn", config.DatabaseURL, "snapshot store DSN: redis://, postgres://, a SQLite path, or \"memory\" (overrides $DATABASE_URL)"),
		openaiKey: flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		model:     flag.String("model", config.Model, "chat model for classification and generation (overrides $BOOKFLOW_MODEL)"),
		apiAddr:   flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
	}
	flags.snapshotTTL = util.ParseDurationEnv("BOOKFLOW_SNAPSHOT_TTL", models.SnapshotTTL)

	flag.Parse()

	slog.Debug("flags parsed",
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"model", *flags.model,
		"apiAddr", *flags.apiAddr,
		"snapshotTTL", flags.snapshotTTL)

	return flags
}

// isFileDSN reports whether the DSN is a local SQLite file path.
func isFileDSN(dsn string) bool {
	if dsn == "" || dsn == "memory" {
		return false
	}
	for _, prefix := range []string{"redis://", "rediss://", "postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return false
		}
	}
	return true
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if *flags.model != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(openai.ChatModel(*flags.model)))
	}
	return genaiOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	return apiOpts
}
