// Package calsync wires the calendar sync service: configuration, the
// PostgreSQL store, the remote source, the sync engine and the scheduler
// that drives it.
package calsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dmitrijs2005/calsync/internal/calsync/config"
	"github.com/dmitrijs2005/calsync/internal/calsync/models"
	"github.com/dmitrijs2005/calsync/internal/calsync/remote"
	"github.com/dmitrijs2005/calsync/internal/calsync/repositories/repomanager"
	"github.com/dmitrijs2005/calsync/internal/calsync/services"
	"github.com/dmitrijs2005/calsync/internal/calsync/timezone"
	"github.com/dmitrijs2005/calsync/internal/common"
	"github.com/dmitrijs2005/calsync/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type App struct {
	config   *config.Config
	logger   logging.Logger
	logOut   logging.Output
	db       *sql.DB
	repos    repomanager.RepositoryManager
	source   remote.Source
	engine   *services.Engine
	queries  *services.QueryService
	registry *prometheus.Registry

	out io.Writer
	now func() time.Time
}

func NewApp(c *config.Config) (*App, error) {
	logger, logOut, err := logging.New(logging.Options{
		Level:         c.LogLevel,
		File:          c.LogFile,
		RetentionDays: c.LogRetentionDays,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init error: %w", err)
	}

	db, err := sql.Open("pgx", c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	tz, err := timezone.NewResolver(c.DefaultTimezone)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	var source remote.Source
	if c.Run.NeedsSource() {
		source = newSource(c, tz, logger)
	}

	return newApp(c, logger, logOut, db, repomanager.NewPostgresRepositoryManager(), source, tz), nil
}

func newApp(c *config.Config, logger logging.Logger, logOut logging.Output, db *sql.DB,
	repos repomanager.RepositoryManager, source remote.Source, tz *timezone.Resolver) *App {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := services.NewMetrics(registry)

	app := &App{
		config:   c,
		logger:   logger,
		logOut:   logOut,
		db:       db,
		repos:    repos,
		source:   source,
		queries:  services.NewQueryService(db, repos),
		registry: registry,
		out:      os.Stdout,
		now:      time.Now,
	}
	if source != nil {
		app.engine = services.NewEngine(db, repos, source,
			services.NewNormalizer(tz, logger.With("component", "normalizer")), metrics, logger.With("component", "engine"),
			services.EngineOptions{PipelineDepth: c.PipelineDepth, SweepMissing: c.SweepMissing})
	}
	return app
}

func newSource(c *config.Config, tz *timezone.Resolver, logger logging.Logger) remote.Source {
	logger = logger.With("component", "remote", "source", c.Source)
	hc := &http.Client{Timeout: c.HTTPTimeout}
	policy := remote.Policy{MaxRetries: c.MaxRetries, BaseDelay: c.RetryBaseDelay, MaxDelay: c.RetryMaxDelay}

	if c.Source == config.SourceICS {
		client := remote.NewClient(hc, nil, policy, logger)
		return remote.NewICSSource(client, tz, remote.ICSConfig{
			URL:        c.ICSURL,
			OwnerEmail: c.ICSOwnerEmail,
			OwnerName:  c.ICSOwnerName,
			PageSize:   c.PageSize,
		}, logger)
	}

	tokens := remote.NewTokenSource(remote.TokenConfig{
		TenantID:     c.TenantID,
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		TokenURL:     c.TokenURL,
	}, hc)
	client := remote.NewClient(hc, tokens, policy, logger)
	return remote.NewGraphSource(client, remote.GraphConfig{
		BaseURL:   c.GraphBaseURL,
		PageSize:  c.PageSize,
		BatchSize: c.BatchSize,
	}, logger)
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// Run executes the mode selected by the run options: one of the
// administrative commands, a single pass, or the scheduler.
func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()
	defer app.close(ctx)

	app.initSignalHandler(cancelFunc)

	run := app.config.Run
	if run.Users {
		return app.listUsers(ctx)
	}

	if err := app.repos.RunMigrations(ctx, app.db); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	switch {
	case run.List && run.Category != "":
		return app.listCategoryEvents(ctx)
	case run.List:
		return app.listEvents(ctx)
	case run.Categories:
		return app.listCategories(ctx)
	case run.DeleteEvent != "":
		if err := app.queries.MarkDeleted(ctx, run.DeleteEvent); err != nil {
			return err
		}
		app.logger.Info(ctx, "event marked deleted", "event_id", run.DeleteEvent)
		return nil
	case run.Category != "":
		isProject, isActivity := config.Roles(run.Role)
		if err := app.queries.SetCategoryRoles(ctx, run.Category, isProject, isActivity); err != nil {
			return err
		}
		app.logger.Info(ctx, "category roles updated", "category", run.Category, "role", run.Role)
		return nil
	case run.DeleteCategory != "":
		n, err := app.queries.DeleteCategory(ctx, run.DeleteCategory)
		if err != nil {
			return err
		}
		app.logger.Info(ctx, "category deleted", "category", run.DeleteCategory, "links_removed", n)
		return nil
	case run.Once:
		_, err := app.runPass(ctx)
		return err
	}

	return app.runScheduler(ctx)
}

func (app *App) close(ctx context.Context) {
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error(ctx, "db close error", "error", err)
		}
	}
	if app.logOut != nil {
		if err := app.logOut.Close(); err != nil {
			app.logger.Error(ctx, "log file close error", "error", err)
		}
	}
}

func (app *App) window() models.Window {
	return models.NewWindow(app.now(), app.config.WindowPast, app.config.WindowFuture)
}

func (app *App) runPass(ctx context.Context) (models.PassStats, error) {
	return app.engine.ApplyPass(ctx, app.window())
}

// scheduledPass runs one pass for the scheduler. Failures are logged by the
// engine and do not stop the schedule.
func (app *App) scheduledPass(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	_, err := app.runPass(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case errors.Is(err, common.ErrPassInProgress):
		app.logger.Warn(ctx, "previous pass still running, skipping")
	case errors.Is(err, common.ErrAuth):
		app.logger.Error(ctx, "remote authentication failed, check credentials", "error", err)
	}
}

func (app *App) runScheduler(ctx context.Context) error {
	app.logger.Info(ctx, "Starting scheduler...", "interval", app.config.SyncInterval.String(), "source", app.config.Source)

	if app.config.MetricsAddr != "" {
		go app.serveMetrics(ctx)
	}

	app.scheduledPass(ctx)

	l := cronLogger{ctx: ctx, log: app.logger}
	c := cron.New(
		cron.WithLogger(l),
		cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
	)
	if _, err := c.AddFunc("@every "+app.config.SyncInterval.String(), func() { app.scheduledPass(ctx) }); err != nil {
		return fmt.Errorf("schedule sync: %w", err)
	}
	if _, err := c.AddFunc("@midnight", func() {
		if err := app.logOut.Rotate(); err != nil {
			app.logger.Error(ctx, "log rotation failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule log rotation: %w", err)
	}

	c.Start()
	<-ctx.Done()
	app.logger.Info(ctx, "Stopping scheduler...")
	<-c.Stop().Done()
	return nil
}

func (app *App) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: app.config.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	app.logger.Info(ctx, "metrics endpoint listening", "addr", app.config.MetricsAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		app.logger.Error(ctx, "metrics endpoint failed", "error", err)
	}
}

func (app *App) listUsers(ctx context.Context) error {
	owners, err := app.source.Users(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(app.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "EMAIL\tNAME\tID")
	for _, o := range owners {
		fmt.Fprintf(w, "%s\t%s\t%s\n", o.Email, o.Name, o.ID)
	}
	fmt.Fprintf(w, "\n%d users\n", len(owners))
	return w.Flush()
}

func (app *App) listEvents(ctx context.Context) error {
	to := app.now().UTC()
	from := to.Add(-time.Duration(app.config.Run.ListDays) * 24 * time.Hour)
	events, err := app.queries.ListRange(ctx, from, to, app.config.Run.ListUser)
	if err != nil {
		return err
	}
	return app.writeEvents(events,
		fmt.Sprintf("%d events between %s and %s", len(events), from.Format(time.DateOnly), to.Format(time.DateOnly)))
}

func (app *App) listCategoryEvents(ctx context.Context) error {
	category := app.config.Run.Category
	events, err := app.queries.ListByCategory(ctx, category, app.config.Run.ListUser)
	if err != nil {
		return err
	}
	return app.writeEvents(events, fmt.Sprintf("%d events in category %q", len(events), category))
}

func (app *App) writeEvents(events []*models.EventView, footer string) error {
	w := tabwriter.NewWriter(app.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "START (UTC)\tEND (UTC)\tOWNER\tSUBJECT\tCATEGORIES")
	for _, ev := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			ev.StartDate.UTC().Format("2006-01-02 15:04"), ev.EndDate.UTC().Format("2006-01-02 15:04"),
			ev.UserEmail, ev.Subject, strings.Join(ev.CategoryNames, ", "))
	}
	fmt.Fprintf(w, "\n%s\n", footer)
	return w.Flush()
}

func (app *App) listCategories(ctx context.Context) error {
	cats, err := app.queries.ListCategories(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(app.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPROJECT\tACTIVITY")
	for _, c := range cats {
		fmt.Fprintf(w, "%d\t%s\t%t\t%t\n", c.ID, c.Name, c.IsProject, c.IsActivity)
	}
	return w.Flush()
}

// cronLogger routes scheduler messages into the service log.
type cronLogger struct {
	ctx context.Context
	log logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(l.ctx, "cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(l.ctx, "cron: "+msg, append(keysAndValues, "error", err)...)
}
