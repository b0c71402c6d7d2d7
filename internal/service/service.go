// Package service assembles the opsgate components into a single
// runnable unit. It owns construction order, startup and shutdown so
// that the CLI entrypoint and tests share one composition root.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"github.com/opsgate/opsgate/internal/alerting"
	api "github.com/opsgate/opsgate/internal/api/v2"
	"github.com/opsgate/opsgate/internal/conf"
	"github.com/opsgate/opsgate/internal/datastore"
	"github.com/opsgate/opsgate/internal/incident"
	"github.com/opsgate/opsgate/internal/logger"
	"github.com/opsgate/opsgate/internal/notification"
	"github.com/opsgate/opsgate/internal/observability"
	"github.com/opsgate/opsgate/internal/sysmon"
)

const shutdownTimeout = 10 * time.Second

// Service wires together the rule engine, alert store, notification
// dispatcher, escalator, incident manager and web server, and owns
// their lifecycle.
type Service struct {
	settings *conf.Settings
	log      logger.Logger

	db         *gorm.DB
	rules      alerting.RuleRepository
	bus        *alerting.Bus
	metrics    *observability.Metrics
	store      *alerting.Store
	dispatcher *notification.Dispatcher
	tracker    *sysmon.Tracker
	engine     *alerting.Engine
	collector  *sysmon.Collector
	escalator  *alerting.Escalator
	incidents  *incident.Manager
	correlator *incident.Correlator
	scheduler  *alerting.Scheduler
	server     *echo.Echo

	errCh chan error
}

// New builds a Service from settings. Nothing runs until Start is
// called.
func New(ctx context.Context, settings *conf.Settings, log logger.Logger) (*Service, error) {
	s := &Service{
		settings: settings,
		log:      log,
		errCh:    make(chan error, 1),
	}

	db, err := datastore.Open(settings.Main.DataPath)
	if err != nil {
		return nil, fmt.Errorf("open datastore: %w", err)
	}
	s.db = db
	s.rules = datastore.NewRuleRepository(db)

	seeded, err := alerting.SeedDefaults(ctx, s.rules)
	if err != nil {
		_ = datastore.Close(db)
		return nil, fmt.Errorf("seed default rules: %w", err)
	}
	if seeded > 0 {
		log.Info("seeded default alert rules", logger.Int("count", seeded))
	}

	s.bus = alerting.NewBus(log)
	s.metrics = observability.New(s.bus)

	s.store = alerting.NewStore(log, alerting.StoreOptions{
		DeduplicationWindow: settings.Alerting.DeduplicationWindow.Std(),
		ResolvedRetention:   settings.Alerting.ResolvedRetention.Std(),
		Bus:                 s.bus,
	})

	s.dispatcher = notification.NewDispatcher(log, s.bus, notification.Options{
		MaxAttempts:     settings.Notification.MaxAttempts,
		BackoffBase:     settings.Notification.BackoffBase.Std(),
		Workers:         settings.Notification.Workers,
		SendTimeout:     settings.Notification.SendTimeout.Std(),
		DefaultChannels: settings.Alerting.DefaultChannels,
	})
	s.store.SetNotifier(s.dispatcher)

	s.tracker = sysmon.NewTracker()
	s.engine = alerting.NewEngine(s.rules, s.tracker, s.store, log)
	if settings.Sysmon.Enabled {
		s.collector = sysmon.NewCollector(log, s.tracker, settings.Sysmon.SampleInterval.Std())
	}

	s.escalator = alerting.NewEscalator(s.store, log, alerting.EscalatorOptions{
		DefaultAge: settings.Alerting.EscalationAge.Std(),
		Repeat:     settings.Alerting.RepeatEscalations,
		Notifier:   s.dispatcher,
		Bus:        s.bus,
	})
	s.escalator.SetRepository(datastore.NewPolicyRepository(db))
	if err := s.escalator.LoadPolicies(ctx); err != nil {
		s.teardown()
		return nil, err
	}

	s.incidents = incident.NewManager(log, s.store, s.dispatcher, s.bus, incident.ManagerOptions{
		AutoAssign:            settings.Incident.AutoAssign,
		DefaultAssignee:       settings.Incident.DefaultAssignee,
		PostMortems:           settings.Incident.PostMortemsEnabled,
		ActionDelay:           settings.Incident.ActionDelay.Std(),
		CommunicationChannels: settings.Alerting.DefaultChannels,
	})
	s.correlator = incident.NewCorrelator(log, s.store, s.incidents, settings.Alerting.CorrelationWindow.Std())

	s.scheduler = alerting.NewScheduler(log, settings.Alerting.TickInterval.Std())
	s.scheduler.Register("evaluate", s.engine.Tick)
	s.scheduler.Register("dispatch", s.dispatcher.Tick)
	s.scheduler.Register("escalate", func(context.Context) error {
		s.escalator.Tick()
		return nil
	})
	s.scheduler.Register("correlate", func(context.Context) error {
		s.correlator.Tick()
		return nil
	})
	s.scheduler.Register("sweep", s.sweep)

	if settings.WebServer.Enabled {
		s.server = echo.New()
		s.server.HideBanner = true
		s.server.Debug = settings.WebServer.Debug
		api.New(s.server, api.Deps{
			Log:        log,
			Rules:      s.rules,
			Engine:     s.engine,
			Store:      s.store,
			Dispatcher: s.dispatcher,
			Escalator:  s.escalator,
			Incidents:  s.incidents,
			Correlator: s.correlator,
			Bus:        s.bus,
			Registry:   s.metrics.Registry(),
		})
	}

	return s, nil
}

// Start launches the dispatcher workers, the metrics collector, the
// scheduler and, when enabled, the web server.
func (s *Service) Start(ctx context.Context) {
	s.dispatcher.Start(ctx)
	if s.collector != nil {
		s.collector.Start(ctx)
	}
	s.scheduler.Start(ctx)

	if s.server != nil {
		addr := fmt.Sprintf(":%d", s.settings.WebServer.Port)
		go func() {
			s.log.Info("web server listening", logger.String("addr", addr))
			if err := s.server.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.errCh <- err
			}
		}()
	}
}

// Err reports a fatal runtime error, such as the web server failing to
// bind its port.
func (s *Service) Err() <-chan error { return s.errCh }

// Shutdown stops all components in reverse startup order and closes the
// database.
func (s *Service) Shutdown() {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			s.log.Warn("web server shutdown", logger.Error(err))
		}
	}
	s.teardown()
}

// teardown releases everything New allocated. Safe on a partially
// constructed service.
func (s *Service) teardown() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	if s.incidents != nil {
		s.incidents.Stop()
	}
	if s.collector != nil {
		s.collector.Stop()
	}
	if s.dispatcher != nil {
		s.dispatcher.Stop()
	}
	if s.metrics != nil {
		s.metrics.Stop()
	}
	if s.bus != nil {
		s.bus.Stop()
	}
	if s.db != nil {
		_ = datastore.Close(s.db)
	}
}

// sweep drops expired alerts and prunes fired-rule history past the
// retention window.
func (s *Service) sweep(ctx context.Context) error {
	s.store.Sweep()
	cutoff := time.Now().AddDate(0, 0, -s.settings.Alerting.HistoryRetentionDays)
	_, err := s.rules.DeleteFiredBefore(ctx, cutoff)
	return err
}

// Store returns the alert store.
func (s *Service) Store() *alerting.Store { return s.store }

// Engine returns the rule evaluation engine.
func (s *Service) Engine() *alerting.Engine { return s.engine }

// Rules returns the rule repository.
func (s *Service) Rules() alerting.RuleRepository { return s.rules }

// Dispatcher returns the notification dispatcher.
func (s *Service) Dispatcher() *notification.Dispatcher { return s.dispatcher }

// Escalator returns the escalation engine.
func (s *Service) Escalator() *alerting.Escalator { return s.escalator }

// Incidents returns the incident manager.
func (s *Service) Incidents() *incident.Manager { return s.incidents }

// Correlator returns the alert correlator.
func (s *Service) Correlator() *incident.Correlator { return s.correlator }

// Bus returns the event bus.
func (s *Service) Bus() *alerting.Bus { return s.bus }

// Registry returns the Prometheus registry holding opsgate metrics.
func (s *Service) Registry() *prometheus.Registry { return s.metrics.Registry() }
