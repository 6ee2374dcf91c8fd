package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/example/objectstore/internal/pagination"
	"github.com/example/objectstore/internal/ratelimit"
	"github.com/example/objectstore/internal/store"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port       string
	DBAdapter  string
	SQLiteFile string
	LogLevel   string
	LogFormat  string
	// PostgreSQL connection settings
	PostgresDSN      string
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string
	MigrationsDir    string

	DBCommandTimeout time.Duration
	DBMaxOpenConns   int
	DBMaxIdleConns   int

	RateLimits       ratelimit.Limits
	RateLimitCleanup time.Duration
	RateLimitBypass  []string

	DefaultPageSize int
	MaxPageSize     int
	MaxBodyBytes    int64
	BcryptCost      int
	// CORSOrigins lists allowed origins; empty disables CORS headers.
	CORSOrigins []string
}

// source resolves a key from the environment, then the config file, then
// the default.
type source struct {
	file map[string]string
}

func (s source) getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	if v, ok := s.file[key]; ok && v != "" {
		return v
	}
	return def
}

func (s source) getint(key string, def int) (int, error) {
	raw := s.getenv(key, strconv.Itoa(def))
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %s", key, raw)
	}
	return n, nil
}

func (s source) getduration(key string, def time.Duration) (time.Duration, error) {
	raw := s.getenv(key, def.String())
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: %s", key, raw)
	}
	return d, nil
}

func (s source) getlist(key, def string) []string {
	var out []string
	for _, part := range strings.Split(s.getenv(key, def), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// loadFile reads a flat YAML mapping whose keys are the environment
// variable names, e.g. "DB_ADAPTER: sqlite".
func loadFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	out := make(map[string]string, len(doc))
	for k, v := range doc {
		switch v := v.(type) {
		case nil:
		case []any:
			parts := make([]string, 0, len(v))
			for _, p := range v {
				parts = append(parts, fmt.Sprint(p))
			}
			out[strings.ToUpper(k)] = strings.Join(parts, ",")
		case map[string]any:
			return nil, fmt.Errorf("config file %s: %s must be a scalar or a list", path, k)
		default:
			out[strings.ToUpper(k)] = fmt.Sprint(v)
		}
	}
	return out, nil
}

// BuildPostgresDSN constructs a PostgreSQL DSN from individual components or returns the provided DSN
func (c *Config) BuildPostgresDSN() (string, error) {
	if c.PostgresDSN != "" {
		return c.PostgresDSN, nil
	}

	if c.PostgresHost == "" {
		return "", errors.New("POSTGRES_HOST or POSTGRES_DSN must be set")
	}
	if c.PostgresUser == "" {
		return "", errors.New("POSTGRES_USER must be set")
	}
	if c.PostgresDB == "" {
		return "", errors.New("POSTGRES_DB must be set")
	}

	port := c.PostgresPort
	if port == "" {
		port = "5432"
	}
	sslMode := c.PostgresSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.PostgresHost, port, c.PostgresUser, c.PostgresDB, sslMode)
	if c.PostgresPassword != "" {
		dsn += " password=" + c.PostgresPassword
	}
	return dsn, nil
}

// StoreTarget is the DSN or file path handed to store.Open.
func (c *Config) StoreTarget() string {
	switch c.DBAdapter {
	case "postgres":
		return c.PostgresDSN
	case "sqlite":
		return c.SQLiteFile
	}
	return ""
}

func (c *Config) StoreOptions() store.Options {
	return store.Options{
		CommandTimeout: c.DBCommandTimeout,
		MaxOpenConns:   c.DBMaxOpenConns,
		MaxIdleConns:   c.DBMaxIdleConns,
	}
}

// New reads the configuration. CONFIG_FILE, when set, names a YAML file
// whose values act as defaults under the environment.
func New() (*Config, error) {
	file, err := loadFile(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return nil, err
	}
	s := source{file: file}

	c := &Config{
		Port:       s.getenv("PORT", "8080"),
		DBAdapter:  s.getenv("DB_ADAPTER", "postgres"),
		SQLiteFile: s.getenv("SQLITE_FILE", "./data/objectstore.db"),
		LogLevel:   s.getenv("LOG_LEVEL", "info"),
		LogFormat:  s.getenv("LOG_FORMAT", "text"),
		// PostgreSQL settings
		PostgresDSN:      s.getenv("POSTGRES_DSN", ""),
		PostgresHost:     s.getenv("POSTGRES_HOST", s.getenv("DB_HOST", "localhost")),
		PostgresPort:     s.getenv("POSTGRES_PORT", s.getenv("DB_PORT", "5432")),
		PostgresUser:     s.getenv("POSTGRES_USER", s.getenv("DB_USER", "objectstore")),
		PostgresPassword: s.getenv("POSTGRES_PASSWORD", s.getenv("DB_PASSWORD", "")),
		PostgresDB:       s.getenv("POSTGRES_DB", s.getenv("DB_NAME", "objectstore")),
		PostgresSSLMode:  s.getenv("POSTGRES_SSLMODE", s.getenv("DB_SSLMODE", "disable")),
		MigrationsDir:    s.getenv("MIGRATIONS_DIR", "./migrations"),
		RateLimitBypass:  s.getlist("RATE_LIMIT_BYPASS", strings.Join(ratelimit.DefaultBypassPaths, ",")),
		CORSOrigins:      s.getlist("CORS_ORIGINS", ""),
	}

	switch c.DBAdapter {
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return nil, fmt.Errorf("postgres configuration error: %w", err)
		}
		c.PostgresDSN = dsn
	case "sqlite":
		if c.SQLiteFile == "" {
			return nil, errors.New("SQLITE_FILE must be set when DB_ADAPTER=sqlite")
		}
	case "memory":
	default:
		return nil, fmt.Errorf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", c.DBAdapter)
	}

	if _, err := strconv.Atoi(c.Port); err != nil {
		return nil, fmt.Errorf("invalid PORT: %s", c.Port)
	}

	if c.DBCommandTimeout, err = s.getduration("DB_COMMAND_TIMEOUT", store.DefaultCommandTimeout); err != nil {
		return nil, err
	}
	if c.DBMaxOpenConns, err = s.getint("DB_MAX_OPEN_CONNS", 10); err != nil {
		return nil, err
	}
	if c.DBMaxIdleConns, err = s.getint("DB_MAX_IDLE_CONNS", 2); err != nil {
		return nil, err
	}

	if c.RateLimits, err = ratelimit.ParseLimits(s.getenv("RATE_LIMITS", ratelimit.DefaultSpec)); err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMITS: %w", err)
	}
	if c.RateLimitCleanup, err = s.getduration("RATE_LIMIT_CLEANUP_INTERVAL", ratelimit.DefaultCleanupInterval); err != nil {
		return nil, err
	}

	if c.MaxPageSize, err = s.getint("MAX_PAGE_SIZE", pagination.MaxLimit); err != nil {
		return nil, err
	}
	if c.MaxPageSize < 1 || c.MaxPageSize > pagination.MaxLimit {
		return nil, fmt.Errorf("MAX_PAGE_SIZE must be between 1 and %d", pagination.MaxLimit)
	}
	if c.DefaultPageSize, err = s.getint("DEFAULT_PAGE_SIZE", pagination.DefaultLimit); err != nil {
		return nil, err
	}
	if c.DefaultPageSize < 1 || c.DefaultPageSize > c.MaxPageSize {
		return nil, fmt.Errorf("DEFAULT_PAGE_SIZE must be between 1 and MAX_PAGE_SIZE (%d)", c.MaxPageSize)
	}

	maxBody, err := s.getint("MAX_BODY_BYTES", 1<<20)
	if err != nil {
		return nil, err
	}
	if maxBody <= 0 {
		return nil, fmt.Errorf("invalid MAX_BODY_BYTES: %d", maxBody)
	}
	c.MaxBodyBytes = int64(maxBody)

	if c.BcryptCost, err = s.getint("BCRYPT_COST", 10); err != nil {
		return nil, err
	}

	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return nil, fmt.Errorf("invalid LOG_FORMAT: %s (supported: text, json)", c.LogFormat)
	}

	return c, nil
}
