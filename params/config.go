package params

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "go.yaml.in/yaml/v3"

	"github.com/uhyunpark/bursa/pkg/app/core/engine"
	"github.com/uhyunpark/bursa/pkg/app/core/session"
)

type Session struct {
	Timers           session.Timers `yaml:"timers"`
	DefaultPrevClose int64          `yaml:"default_prev_close"`
}

type Storage struct {
	// BookBackend is redis, pebble or memory
	BookBackend   string `yaml:"book_backend"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	PebblePath    string `yaml:"pebble_path"`

	// LedgerBackend is postgres or memory
	LedgerBackend string `yaml:"ledger_backend"`
	DatabaseURL   string `yaml:"database_url"`
	DBHost        string `yaml:"db_host"`
	DBPort        int    `yaml:"db_port"`
	DBUser        string `yaml:"db_user"`
	DBPassword    string `yaml:"db_password"`
	DBName        string `yaml:"db_name"`
	DBSSLMode     string `yaml:"db_sslmode"`
	DBMaxConns    int    `yaml:"db_max_conns"`
	// DBStatementTimeout must stay below Engine.SweepTimeout so a stuck
	// statement fails before the sweep gives up on the symbol
	DBStatementTimeout time.Duration `yaml:"db_statement_timeout"`

	JournalPath string `yaml:"journal_path"`
}

type Server struct {
	Addr            string        `yaml:"addr"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	LogFile         string        `yaml:"log_file"`
	LogLevel        string        `yaml:"log_level"`
	PyroscopeServer string        `yaml:"pyroscope_server"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type Config struct {
	Engine  engine.Config `yaml:"engine"`
	Session Session       `yaml:"session"`
	Storage Storage       `yaml:"storage"`
	Server  Server        `yaml:"server"`
}

func Default() Config {
	return Config{
		Engine: engine.DefaultConfig(),
		Session: Session{
			Timers:           session.DefaultTimers(),
			DefaultPrevClose: 1000,
		},
		Storage: Storage{
			BookBackend:        "memory",
			RedisAddr:          "localhost:6379",
			PebblePath:         "data/book",
			LedgerBackend:      "memory",
			DBHost:             "localhost",
			DBPort:             5432,
			DBUser:             "postgres",
			DBName:             "bursa",
			DBSSLMode:          "disable",
			DBMaxConns:         60,
			DBStatementTimeout: 10 * time.Second,
		},
		Server: Server{
			Addr:            ":8080",
			LogLevel:        "info",
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:3001"},
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// Load layers the YAML file, the .env file and the environment over the
// defaults. Priority: ENV > .env file > YAML > defaults.
func Load(yamlPath, envPath string) (Config, error) {
	cfg := Default()
	if yamlPath != "" {
		if err := cfg.mergeFile(yamlPath); err != nil {
			return cfg, err
		}
	}
	cfg.applyEnv(envPath)
	return cfg, cfg.Validate()
}

// LoadFromFile reads a YAML file over the defaults
func LoadFromFile(path string) (Config, error) {
	cfg := Default()
	if err := cfg.mergeFile(path); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()
	cfg.applyEnv(envPath)
	return cfg
}

func (c *Config) mergeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(envPath string) {
	// .env is optional; it never overrides variables already set
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	e := &c.Engine
	envInt("MATCH_MAX_ITERATIONS", &e.MaxIterations)
	envInt("MATCH_DEPTH", &e.MatchDepth)
	envInt("SNAPSHOT_DEPTH", &e.SnapshotDepth)
	envInt("SNAPSHOT_LEVELS", &e.SnapshotLevels)
	envMillis("SWEEP_TIMEOUT_MS", &e.SweepTimeout)
	envMillis("BROADCAST_COOLDOWN_MS", &e.BroadcastCooldown)
	envMillis("CLEANUP_INTERVAL_MS", &e.CleanupInterval)
	envMillis("STATS_INTERVAL_MS", &e.StatsInterval)
	envInt("OUTBOX_CAPACITY", &e.OutboxCapacity)
	envInt("BREAKER_FAILURE_THRESHOLD", &e.Breaker.FailureThreshold)
	envMillis("BREAKER_RESET_TIMEOUT_MS", &e.Breaker.ResetTimeout)
	envInt("BREAKER_HALF_OPEN_SUCCESSES", &e.Breaker.HalfOpenSuccesses)

	s := &c.Session
	envMillis("IEP_REFRESH_MS", &s.Timers.IEPRefresh)
	envMillis("SESSION_PRE_OPEN_MS", &s.Timers.PreOpen)
	envMillis("SESSION_LOCKED_MS", &s.Timers.Locked)
	envInt64("DEFAULT_PREV_CLOSE", &s.DefaultPrevClose)

	st := &c.Storage
	envString("BOOK_BACKEND", &st.BookBackend)
	envString("REDIS_ADDR", &st.RedisAddr)
	envString("REDIS_PASSWORD", &st.RedisPassword)
	envInt("REDIS_DB", &st.RedisDB)
	envString("PEBBLE_PATH", &st.PebblePath)
	envString("LEDGER_BACKEND", &st.LedgerBackend)
	envString("DATABASE_URL", &st.DatabaseURL)
	envString("DB_HOST", &st.DBHost)
	envInt("DB_PORT", &st.DBPort)
	envString("DB_USER", &st.DBUser)
	envString("DB_PASSWORD", &st.DBPassword)
	envString("DB_NAME", &st.DBName)
	envString("DB_SSLMODE", &st.DBSSLMode)
	envInt("DB_MAX_CONNS", &st.DBMaxConns)
	envMillis("DB_STATEMENT_TIMEOUT_MS", &st.DBStatementTimeout)
	envString("JOURNAL_PATH", &st.JournalPath)

	sv := &c.Server
	envString("API_ADDR", &sv.Addr)
	envString("LOG_FILE", &sv.LogFile)
	envString("LOG_LEVEL", &sv.LogLevel)
	envString("PYROSCOPE_SERVER", &sv.PyroscopeServer)
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		sv.CORSOrigins = sv.CORSOrigins[:0]
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				sv.CORSOrigins = append(sv.CORSOrigins, o)
			}
		}
	}
}

// Validate rejects combinations the exchange cannot run with
func (c Config) Validate() error {
	switch c.Storage.BookBackend {
	case "redis", "pebble", "memory":
	default:
		return fmt.Errorf("unknown book backend %q", c.Storage.BookBackend)
	}
	switch c.Storage.LedgerBackend {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown ledger backend %q", c.Storage.LedgerBackend)
	}
	if c.Storage.LedgerBackend == "postgres" && c.Storage.DBStatementTimeout >= c.Engine.SweepTimeout {
		return fmt.Errorf("db statement timeout %s must be shorter than sweep timeout %s",
			c.Storage.DBStatementTimeout, c.Engine.SweepTimeout)
	}
	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(key string, dst *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envMillis(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(ms) * time.Millisecond
		}
	}
}
