package config

import (
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Supported storage drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config contains runtime configuration required by the service.
type Config struct {
	DBDriver        string        `env:"DB_DRIVER" envDefault:"postgres"`
	DBURL           string        `env:"DB_URL"`
	SQLitePath      string        `env:"SQLITE_PATH" envDefault:"fieldsync.db"`
	HTTPAddr        string        `env:"HTTP_ADDR" envDefault:":8080"`
	APIKeysRaw      string        `env:"API_KEYS"`
	SyncConcurrency int           `env:"SYNC_CONCURRENCY" envDefault:"4"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	Environment     string        `env:"ENVIRONMENT" envDefault:"production"`

	APIKeys map[string]string // apiKey -> unitID
}

// Load reads configuration from the environment, after loading a .env file
// from the working directory if one exists.
// API_KEYS format: "unit1:key1,unit2:key2"
func Load() (Config, error) {
	_ = godotenv.Load()
	return Parse()
}

// Parse reads configuration from the current environment only.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse config")
	}

	cfg.DBDriver = strings.ToLower(strings.TrimSpace(cfg.DBDriver))
	if cfg.DBDriver == "" {
		cfg.DBDriver = DriverPostgres
	}
	cfg.DBURL = strings.TrimSpace(cfg.DBURL)
	switch cfg.DBDriver {
	case DriverPostgres:
		if cfg.DBURL == "" {
			return Config{}, errors.New("DB_URL required")
		}
	case DriverSQLite:
		if strings.TrimSpace(cfg.SQLitePath) == "" {
			return Config{}, errors.New("SQLITE_PATH required")
		}
	default:
		return Config{}, errors.Errorf("DB_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, cfg.DBDriver)
	}

	if cfg.SyncConcurrency < 1 {
		return Config{}, errors.New("SYNC_CONCURRENCY must be at least 1")
	}

	keys, err := parseAPIKeys(cfg.APIKeysRaw)
	if err != nil {
		return Config{}, err
	}
	// Local dev fallback so the service runs out-of-the-box.
	if len(keys) == 0 && cfg.Environment == "local" {
		keys["unit-key-123"] = "unit1"
	}
	if len(keys) == 0 {
		return Config{}, errors.New("API_KEYS required")
	}
	cfg.APIKeys = keys

	return cfg, nil
}

func parseAPIKeys(raw string) (map[string]string, error) {
	keys := map[string]string{}
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		parts := strings.SplitN(p, ":", 2)
		if len(parts) != 2 {
			return nil, errors.New(`API_KEYS must be "unit:key,unit:key"`)
		}
		unit := strings.TrimSpace(parts[0])
		key := strings.TrimSpace(parts[1])
		if unit == "" || key == "" {
			return nil, errors.New(`API_KEYS must be "unit:key,unit:key"`)
		}
		keys[key] = unit
	}
	return keys, nil
}
