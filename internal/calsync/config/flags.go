package config

import (
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/dmitrijs2005/calsync/internal/flagx"
)

var (
	valueFlags = []string{
		"-d", "-s", "-tenant", "-client-id", "-client-secret", "-graph-url", "-ics",
		"-past", "-future", "-b", "-r", "-i", "-tz", "-l", "-m",
		"-days", "-user", "-category", "-role", "-delete-category", "-delete-event",
	}
	boolFlags = []string{"-once", "-list", "-users", "-categories"}
)

// parseFlags overlays command-line flags.
//
//	-d string               PostgreSQL DSN
//	-s string               calendar source: graph or ics
//	-tenant string          directory tenant id
//	-client-id string       application (client) id
//	-client-secret string   application secret
//	-graph-url string       Graph base URL
//	-ics string             ICS feed URL
//	-past int               sync window before now, days
//	-future int             sync window after now, days
//	-b int                  Graph batch size
//	-r int                  max retries per request
//	-i int                  sync interval, minutes
//	-tz string              default timezone
//	-l string               log level
//	-m string               metrics listen address
//
// Run modes: -once, -list [-days N] [-user EMAIL], -list -category NAME
// [-user EMAIL], -users, -categories, -category NAME -role
// project|activity|both|none, -delete-category NAME, -delete-event ID.
//
// Arguments are filtered through flagx.FilterArgs first so that -c/-config
// and unknown flags do not trip the parser.
func parseFlags(config *Config, args []string) error {
	args = flagx.FilterArgs(args, valueFlags, boolFlags...)

	fs := flag.NewFlagSet("calsync", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.Source, "s", config.Source, "calendar source (graph or ics)")
	fs.StringVar(&config.TenantID, "tenant", config.TenantID, "tenant id")
	fs.StringVar(&config.ClientID, "client-id", config.ClientID, "client id")
	fs.StringVar(&config.ClientSecret, "client-secret", config.ClientSecret, "client secret")
	fs.StringVar(&config.GraphBaseURL, "graph-url", config.GraphBaseURL, "Graph base URL")
	fs.StringVar(&config.ICSURL, "ics", config.ICSURL, "ICS feed URL")

	past := fs.Int("past", int(config.WindowPast/day), "sync window before now (in days)")
	future := fs.Int("future", int(config.WindowFuture/day), "sync window after now (in days)")
	interval := fs.Int("i", int(config.SyncInterval.Minutes()), "sync interval (in minutes)")

	fs.IntVar(&config.BatchSize, "b", config.BatchSize, "Graph batch size")
	fs.IntVar(&config.MaxRetries, "r", config.MaxRetries, "max retries per request")
	fs.StringVar(&config.DefaultTimezone, "tz", config.DefaultTimezone, "default timezone")
	fs.StringVar(&config.LogLevel, "l", config.LogLevel, "log level")
	fs.StringVar(&config.MetricsAddr, "m", config.MetricsAddr, "metrics listen address")

	fs.BoolVar(&config.Run.Once, "once", config.Run.Once, "run a single pass and exit")
	fs.BoolVar(&config.Run.List, "list", config.Run.List, "list recent events and exit")
	fs.IntVar(&config.Run.ListDays, "days", config.Run.ListDays, "days back for -list")
	fs.StringVar(&config.Run.ListUser, "user", config.Run.ListUser, "owner filter for -list")
	fs.BoolVar(&config.Run.Users, "users", config.Run.Users, "list remote users and exit")
	fs.StringVar(&config.Run.Category, "category", config.Run.Category, "category to assign a role to")
	fs.StringVar(&config.Run.Role, "role", config.Run.Role, "role for -category")
	fs.StringVar(&config.Run.DeleteCategory, "delete-category", config.Run.DeleteCategory, "category to delete")
	fs.BoolVar(&config.Run.Categories, "categories", config.Run.Categories, "list categories and exit")
	fs.StringVar(&config.Run.DeleteEvent, "delete-event", config.Run.DeleteEvent, "event id to soft-delete")

	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}

	config.WindowPast = time.Duration(*past) * day
	config.WindowFuture = time.Duration(*future) * day
	config.SyncInterval = time.Duration(*interval) * time.Minute
	return nil
}
