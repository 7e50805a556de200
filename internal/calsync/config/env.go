package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// envReader reads keys from the process environment, falling back to the
// .env file.
type envReader struct {
	v   *viper.Viper
	err error
}

func newEnvReader(envFile string) (*envReader, error) {
	v := viper.New()
	v.AutomaticEnv()
	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", envFile, err)
		}
	}
	return &envReader{v: v}, nil
}

func (e *envReader) lookup(key string) (string, bool) {
	if !e.v.IsSet(key) {
		return "", false
	}
	return e.v.GetString(key), true
}

func (e *envReader) str(key string, dst *string) {
	if s, ok := e.lookup(key); ok && s != "" {
		*dst = s
	}
}

func (e *envReader) integer(key string, dst *int) {
	s, ok := e.lookup(key)
	if !ok || s == "" || e.err != nil {
		return
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		e.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = n
}

func (e *envReader) boolean(key string, dst *bool) {
	s, ok := e.lookup(key)
	if !ok || s == "" || e.err != nil {
		return
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		e.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = b
}

// duration reads an integer number of units.
func (e *envReader) duration(key string, unit time.Duration, dst *time.Duration) {
	n := -1
	e.integer(key, &n)
	if n >= 0 {
		*dst = time.Duration(n) * unit
	}
}

// parseEnv overlays environment settings. DATABASE_DSN wins over the
// DB_SERVER/DB_PORT/DB_NAME/DB_USER/DB_PASSWORD parts.
func parseEnv(config *Config, envFile string) error {
	e, err := newEnvReader(envFile)
	if err != nil {
		return err
	}

	if dsn, ok := e.lookup("DATABASE_DSN"); ok && dsn != "" {
		config.DatabaseDSN = dsn
	} else if server, ok := e.lookup("DB_SERVER"); ok && server != "" {
		config.DatabaseDSN = e.dsnFromParts(server)
	}

	e.str("CALENDAR_SOURCE", &config.Source)
	e.str("TENANT_ID", &config.TenantID)
	e.str("CLIENT_ID", &config.ClientID)
	e.str("CLIENT_SECRET", &config.ClientSecret)
	e.str("GRAPH_BASE_URL", &config.GraphBaseURL)
	e.str("TOKEN_URL", &config.TokenURL)
	e.str("ICS_URL", &config.ICSURL)
	e.str("ICS_OWNER_EMAIL", &config.ICSOwnerEmail)
	e.str("ICS_OWNER_NAME", &config.ICSOwnerName)
	e.str("DEFAULT_TIMEZONE", &config.DefaultTimezone)
	e.str("LOG_FILE", &config.LogFile)
	e.str("LOG_LEVEL", &config.LogLevel)
	e.str("METRICS_ADDR", &config.MetricsAddr)

	e.duration("SYNC_WINDOW_PAST_DAYS", day, &config.WindowPast)
	e.duration("SYNC_WINDOW_FUTURE_DAYS", day, &config.WindowFuture)
	e.duration("RETRY_BASE_DELAY_MS", time.Millisecond, &config.RetryBaseDelay)
	e.duration("RETRY_MAX_DELAY_SECONDS", time.Second, &config.RetryMaxDelay)
	e.duration("HTTP_TIMEOUT_SECONDS", time.Second, &config.HTTPTimeout)
	e.duration("SYNC_INTERVAL_MINUTES", time.Minute, &config.SyncInterval)

	e.integer("PAGE_SIZE", &config.PageSize)
	e.integer("BATCH_SIZE", &config.BatchSize)
	e.integer("MAX_RETRIES", &config.MaxRetries)
	e.integer("PIPELINE_DEPTH", &config.PipelineDepth)
	e.integer("LOG_RETENTION_DAYS", &config.LogRetentionDays)
	e.boolean("SYNC_SWEEP_MISSING", &config.SweepMissing)

	return e.err
}

func (e *envReader) dsnFromParts(server string) string {
	port, name, user, password := "5432", "calsync", "", ""
	sslmode := "disable"
	e.str("DB_PORT", &port)
	e.str("DB_NAME", &name)
	e.str("DB_USER", &user)
	e.str("DB_PASSWORD", &password)
	e.str("DB_SSLMODE", &sslmode)

	u := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(server, port),
		Path:     "/" + name,
		RawQuery: url.Values{"sslmode": {sslmode}}.Encode(),
	}
	if user != "" {
		u.User = url.UserPassword(user, password)
	}
	return u.String()
}
