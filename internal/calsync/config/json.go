package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dmitrijs2005/calsync/internal/flagx"
	"github.com/dmitrijs2005/calsync/internal/timex"
)

// JsonConfig is the on-disk form of Config. Durations accept both "90s"
// style strings and integer nanoseconds. Zero values leave the current
// setting untouched.
type JsonConfig struct {
	DatabaseDSN      string         `json:"database_dsn"`
	Source           string         `json:"source"`
	TenantID         string         `json:"tenant_id"`
	ClientID         string         `json:"client_id"`
	ClientSecret     string         `json:"client_secret"`
	GraphBaseURL     string         `json:"graph_base_url"`
	TokenURL         string         `json:"token_url"`
	ICSURL           string         `json:"ics_url"`
	ICSOwnerEmail    string         `json:"ics_owner_email"`
	ICSOwnerName     string         `json:"ics_owner_name"`
	WindowPast       timex.Duration `json:"window_past"`
	WindowFuture     timex.Duration `json:"window_future"`
	PageSize         int            `json:"page_size"`
	BatchSize        int            `json:"batch_size"`
	MaxRetries       int            `json:"max_retries"`
	RetryBaseDelay   timex.Duration `json:"retry_base_delay"`
	RetryMaxDelay    timex.Duration `json:"retry_max_delay"`
	HTTPTimeout      timex.Duration `json:"http_timeout"`
	PipelineDepth    int            `json:"pipeline_depth"`
	SyncInterval     timex.Duration `json:"sync_interval"`
	SweepMissing     *bool          `json:"sweep_missing"`
	DefaultTimezone  string         `json:"default_timezone"`
	LogFile          string         `json:"log_file"`
	LogRetentionDays int            `json:"log_retention_days"`
	LogLevel         string         `json:"log_level"`
	MetricsAddr      string         `json:"metrics_addr"`
}

// parseJson overlays the file given with -c or -config, if any.
func parseJson(config *Config, args []string) error {
	path := flagx.ConfigFileFlag(args)
	if path == "" {
		return nil
	}

	file, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.Source, c.Source)
	setString(&config.TenantID, c.TenantID)
	setString(&config.ClientID, c.ClientID)
	setString(&config.ClientSecret, c.ClientSecret)
	setString(&config.GraphBaseURL, c.GraphBaseURL)
	setString(&config.TokenURL, c.TokenURL)
	setString(&config.ICSURL, c.ICSURL)
	setString(&config.ICSOwnerEmail, c.ICSOwnerEmail)
	setString(&config.ICSOwnerName, c.ICSOwnerName)
	setString(&config.DefaultTimezone, c.DefaultTimezone)
	setString(&config.LogFile, c.LogFile)
	setString(&config.LogLevel, c.LogLevel)
	setString(&config.MetricsAddr, c.MetricsAddr)

	setInt(&config.PageSize, c.PageSize)
	setInt(&config.BatchSize, c.BatchSize)
	setInt(&config.MaxRetries, c.MaxRetries)
	setInt(&config.PipelineDepth, c.PipelineDepth)
	setInt(&config.LogRetentionDays, c.LogRetentionDays)

	setDuration(&config.WindowPast, c.WindowPast)
	setDuration(&config.WindowFuture, c.WindowFuture)
	setDuration(&config.RetryBaseDelay, c.RetryBaseDelay)
	setDuration(&config.RetryMaxDelay, c.RetryMaxDelay)
	setDuration(&config.HTTPTimeout, c.HTTPTimeout)
	setDuration(&config.SyncInterval, c.SyncInterval)

	if c.SweepMissing != nil {
		config.SweepMissing = *c.SweepMissing
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v timex.Duration) {
	if v.Duration != 0 {
		*dst = v.Duration
	}
}
