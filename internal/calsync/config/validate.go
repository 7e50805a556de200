package config

import (
	"errors"
	"fmt"

	"github.com/dmitrijs2005/calsync/internal/common"
)

// Validate reports every invalid setting at once. Remote credentials are
// only required when the run mode talks to the source.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.DatabaseDSN == "" {
		add("database DSN is required")
	}

	if c.Run.NeedsSource() {
		switch c.Source {
		case SourceGraph:
			if c.TenantID == "" && c.TokenURL == "" {
				add("graph source: TENANT_ID or TOKEN_URL is required")
			}
			if c.ClientID == "" || c.ClientSecret == "" {
				add("graph source: CLIENT_ID and CLIENT_SECRET are required")
			}
		case SourceICS:
			if c.ICSURL == "" {
				add("ics source: ICS_URL is required")
			}
			if c.ICSOwnerEmail == "" {
				add("ics source: ICS_OWNER_EMAIL is required")
			}
		default:
			add("unknown calendar source %q", c.Source)
		}
	}

	if c.WindowPast <= 0 || c.WindowFuture <= 0 {
		add("sync window must extend both before and after now")
	}
	if c.PageSize <= 0 {
		add("page size must be positive, got %d", c.PageSize)
	}
	if c.BatchSize <= 0 || c.BatchSize > common.GraphMaxBatchSize {
		add("batch size must be within 1..%d, got %d", common.GraphMaxBatchSize, c.BatchSize)
	}
	if c.MaxRetries < 0 {
		add("max retries must not be negative")
	}
	if c.PipelineDepth < 0 {
		add("pipeline depth must not be negative")
	}
	if c.SyncInterval <= 0 {
		add("sync interval must be positive")
	}

	if c.Run.Category != "" && !c.Run.List {
		switch c.Run.Role {
		case RoleProject, RoleActivity, RoleBoth, RoleNone:
		default:
			add("-category needs -role project|activity|both|none, got %q", c.Run.Role)
		}
	}
	if c.Run.List && c.Run.ListDays <= 0 {
		add("-days must be positive")
	}

	return errors.Join(errs...)
}

// Roles maps a role name to the project and activity flags of a category.
func Roles(role string) (isProject, isActivity bool) {
	switch role {
	case RoleProject:
		return true, false
	case RoleActivity:
		return false, true
	case RoleBoth:
		return true, true
	}
	return false, false
}
