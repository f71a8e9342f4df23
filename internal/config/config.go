package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

type Config struct {
	StoreDriver string
	DatabaseURL string
	ScheduleDB  string
	City        string
	SQLitePath  string
	SeedFile    string

	Lines           []string
	WalkingSpeedKmh float64
	SearchHorizon   time.Duration
	HistoryWindow   time.Duration
	HistoryScanCap  int
	PageSize        int

	SimTickInterval        time.Duration
	SimWorkers             int
	StationRefreshInterval time.Duration
	ReportVerifyInterval   time.Duration

	HTTPAddr     string
	CORSOrigins  []string
	RateLimitRPS float64
	MetricsAddr  string

	NATSURL         string
	LogNATSSubjects bool

	LogLevel slog.Level
	Location *time.Location
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.StoreDriver = strings.ToLower(getenvDefault("STORE_DRIVER", DriverPostgres))
	switch cfg.StoreDriver {
	case DriverPostgres:
		dsn, err := databaseURL()
		if err != nil {
			return nil, err
		}
		cfg.DatabaseURL = dsn
	case DriverSQLite:
		cfg.SQLitePath = getenvDefault("SQLITE_PATH", "bus-tracker.db")
	case DriverMemory:
		// Memory stores start empty unless seeded from a network file
		cfg.SeedFile = os.Getenv("SEED_FILE")
	default:
		return nil, fmt.Errorf("invalid STORE_DRIVER: %q", cfg.StoreDriver)
	}

	// Explicit schedule database wins over CITY resolution
	cfg.ScheduleDB = os.Getenv("SCHEDULE_DB")
	cfg.City = firstNonEmpty(os.Getenv("CITY"), os.Getenv("CITY_NAME"))

	cfg.Lines = splitList(getenvDefault("LINE_NUMBERS", "2,19,20,52,10"))
	if len(cfg.Lines) == 0 {
		return nil, errors.New("LINE_NUMBERS must name at least one line")
	}

	var err error
	if cfg.WalkingSpeedKmh, err = positiveFloat("WALKING_SPEED_KMH", 4.0); err != nil {
		return nil, err
	}

	// Per-client requests per second on /api. 0 disables limiting.
	cfg.RateLimitRPS = 20
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			return nil, fmt.Errorf("invalid RATE_LIMIT_RPS: %q", v)
		}
		cfg.RateLimitRPS = f
	}

	hours, err := positiveInt("SEARCH_HORIZON_HOURS", 12)
	if err != nil {
		return nil, err
	}
	cfg.SearchHorizon = time.Duration(hours) * time.Hour

	window, err := positiveInt("HISTORY_WINDOW_MINUTES", 30)
	if err != nil {
		return nil, err
	}
	cfg.HistoryWindow = time.Duration(window) * time.Minute

	if cfg.HistoryScanCap, err = positiveInt("HISTORY_SCAN_CAP", 5000); err != nil {
		return nil, err
	}
	if cfg.PageSize, err = positiveInt("STORE_PAGE_SIZE", 1000); err != nil {
		return nil, err
	}

	tick, err := positiveInt("SIM_TICK_INTERVAL_SEC", 20)
	if err != nil {
		return nil, err
	}
	cfg.SimTickInterval = time.Duration(tick) * time.Second

	if cfg.SimWorkers, err = positiveInt("SIM_WORKERS", 8); err != nil {
		return nil, err
	}

	verify, err := positiveInt("REPORT_VERIFY_INTERVAL_SEC", 5)
	if err != nil {
		return nil, err
	}
	cfg.ReportVerifyInterval = time.Duration(verify) * time.Second

	// Station index refresh (minutes). 0 loads once at startup.
	if v := os.Getenv("STATION_REFRESH_INTERVAL_MIN"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid STATION_REFRESH_INTERVAL_MIN: %q", v)
		}
		cfg.StationRefreshInterval = time.Duration(n) * time.Minute
	}

	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", ":8000")
	cfg.CORSOrigins = splitList(getenvDefault("CORS_ORIGINS", "*"))

	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	// Empty NATS_URL disables position publishing
	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.LogNATSSubjects = parseBool(os.Getenv("LOG_NATS_SUBJECTS"))

	if err := cfg.LogLevel.UnmarshalText([]byte(getenvDefault("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %q", os.Getenv("LOG_LEVEL"))
	}

	// Time zone for zone-less departure times and stored schedule strings
	tzName := getenvDefault("TZ", "")
	if tzName == "" {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(tzName)
		if err != nil {
			return nil, fmt.Errorf("invalid TZ: %v", err)
		}
		cfg.Location = loc
	}

	return cfg, nil
}

// databaseURL prefers DATABASE_URL / PG_DSN, else builds the cluster DSN from PG* vars.
func databaseURL() (string, error) {
	if dsn := firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN")); dsn != "" {
		return dsn, nil
	}
	host := getenvDefault("PGHOST", "127.0.0.1")
	port := getenvDefault("PGPORT", "5432")
	user := getenvDefault("PGUSER", "postgres")
	pass := os.Getenv("PGPASSWORD")
	db := os.Getenv("PGDATABASE")
	// If CITY is provided, default base DB to 'postgres' when PGDATABASE is not set.
	if db == "" && os.Getenv("CITY") != "" {
		db = "postgres"
	}
	if db == "" {
		return "", errors.New("PGDATABASE or DATABASE_URL must be set (set PGDATABASE=postgres when using CITY)")
	}
	sslmode := getenvDefault("PGSSLMODE", "disable")
	if pass != "" {
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode), nil
	}
	return fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode), nil
}

func positiveInt(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return n, nil
}

func positiveFloat(k string, def float64) (float64, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return f, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	}
	return false
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
