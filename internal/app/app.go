package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"gridwatch/internal/alerting"
	"gridwatch/internal/api"
	"gridwatch/internal/config"
	"gridwatch/internal/devices"
	"gridwatch/internal/monitor"
	"gridwatch/internal/pipeline"
	"gridwatch/internal/service"
	"gridwatch/internal/source"
	"gridwatch/internal/spike"
	"gridwatch/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if a.Config.Database.EnsureSchema {
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
	}
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// newRand returns an independent source per consumer; a zero seed is time based.
func (a *App) newRand(offset int64) *rand.Rand {
	seed := a.Config.Source.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed + offset))
}

func (a *App) loadRegistry() (*devices.Registry, error) {
	if a.Config.Devices.File == "" {
		return devices.DefaultRegistry(), nil
	}
	reg, err := devices.LoadFile(a.Config.Devices.File)
	if err != nil {
		return nil, err
	}
	a.Logger.Info().Int("devices", reg.Len()).Str("file", a.Config.Devices.File).Msg("device registry loaded")
	return reg, nil
}

// newProcessor builds the processing core around publisher.
func (a *App) newProcessor(reg *devices.Registry, publisher alerting.Publisher, clock func() time.Time, timers pipeline.TimerFunc) (*pipeline.Processor, error) {
	cfg := a.Config.Pipeline
	precedence, err := pipeline.ParsePrecedence(cfg.SpikePrecedence)
	if err != nil {
		return nil, err
	}
	selector, err := devices.NewSelector(a.Config.Devices.Selection, reg, a.newRand(2))
	if err != nil {
		return nil, err
	}
	return pipeline.New(pipeline.Options{
		Capacity: cfg.Capacity,
		Spike: spike.Options{
			Trigger:     cfg.Spike.Trigger,
			JumpFactor:  cfg.Spike.JumpFactor,
			Recovery:    cfg.Spike.Recovery,
			MinInterval: cfg.Spike.MinInterval,
		},
		DebounceDelay: cfg.DebounceDelay,
		Precedence:    precedence,
		Registry:      reg,
		Selector:      selector,
		Publisher:     publisher,
		Clock:         clock,
		Timers:        timers,
	}, a.Logger), nil
}

func (a *App) newAdapter() *source.Adapter {
	return source.NewAdapter(source.AdapterOptions{
		ThrottleInterval: a.Config.Source.ThrottleInterval,
		Rand:             a.newRand(1),
	}, a.Logger)
}

func (a *App) newFeed() source.Feed {
	cfg := a.Config.Source
	switch cfg.Mode {
	case config.SourceMQTT:
		return source.NewMQTTFeed(source.MQTTOptions{
			Broker:         cfg.MQTT.Broker,
			Topic:          cfg.MQTT.Topic,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			QoS:            byte(cfg.MQTT.QoS),
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
		}, a.Logger)
	case config.SourceHTTP:
		return source.NewHTTPPoller(source.PollerOptions{
			URL:         cfg.HTTP.URL,
			Interval:    cfg.HTTP.Interval,
			Timeout:     cfg.HTTP.Timeout,
			UserAgent:   cfg.HTTP.UserAgent,
			MaxFailures: cfg.HTTP.MaxFailures,
		}, a.Logger)
	}
	return nil
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if store != nil {
		unlock, acquired, lockErr := store.TryAdvisoryLock(ctx, a.Config.Database.AdvisoryLockKey)
		if lockErr != nil {
			return lockErr
		}
		if !acquired {
			return errors.New("another gridwatch instance holds the advisory lock")
		}
		defer unlock()
	}

	reg, err := a.loadRegistry()
	if err != nil {
		return err
	}

	dispatcher := alerting.NewDispatcher(alerting.DispatcherOptions{
		QueueSize:     a.Config.Alerting.QueueSize,
		Workers:       a.Config.Alerting.Workers,
		NotifyTimeout: a.Config.Alerting.NotifyTimeout,
	}, a.Logger)

	closeSinks, err := a.subscribeSinks(dispatcher)
	if err != nil {
		return err
	}
	defer closeSinks()

	if store != nil && a.Config.Database.RecordAlerts {
		dispatcher.Subscribe(store)
	}

	var hub *api.Hub
	if a.Config.API.Enabled {
		hub = api.NewHub(a.Config.API.AlertHistory, a.Logger)
		dispatcher.Subscribe(hub)
		defer hub.Close()
	}

	proc, err := a.newProcessor(reg, dispatcher, time.Now, pipeline.RealTimers)
	if err != nil {
		return err
	}

	monOpts := monitor.Options{
		GeneratorInterval: a.Config.Source.GeneratorInterval,
		Feed:              a.newFeed(),
		RetryInterval:     a.Config.Source.RetryInterval,
		AnnounceStart:     a.Config.Alerting.AnnounceStart,
	}
	if store != nil && a.Config.Database.RecordReadings {
		monOpts.Recorder = store
	}
	mon := monitor.New(proc, a.newAdapter(), source.NewGenerator(a.newRand(0)), monOpts, a.Logger)

	// 关闭时仍需投递队列中剩余的告警。
	dispatcher.Start(context.WithoutCancel(ctx))
	defer dispatcher.Close()

	var wg sync.WaitGroup
	errCh := make(chan error, 1)
	if hub != nil {
		gin.SetMode(a.Config.API.Mode)
		router := api.NewRouter(api.Deps{Monitor: mon, Hub: hub, Registry: reg, BaseContext: ctx}, a.Logger)
		server := api.NewServer(a.Config.API.Listen, router, a.Logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Run(ctx); err != nil {
				errCh <- err
				cancel()
			}
		}()
	}

	if store != nil && a.Config.Database.Retention.MaxAge > 0 {
		// The instance lock is held on another pooled connection, so prune under its own key.
		retention := service.NewRetention(store, service.RetentionOptions{
			MaxAge:   a.Config.Database.Retention.MaxAge,
			Interval: a.Config.Database.Retention.Interval,
			LockKey:  a.Config.Database.AdvisoryLockKey + 1,
			Locker:   store,
		}, a.Logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := retention.Run(ctx); err != nil {
				a.Logger.Error().Err(err).Msg("retention stopped")
			}
		}()
	}

	a.Logger.Info().
		Str("source", a.Config.Source.Mode).
		Str("precedence", a.Config.Pipeline.SpikePrecedence).
		Msg("starting monitoring service")
	if err := mon.Run(ctx); err != nil {
		return err
	}
	// Stop covers monitors restarted over the API after ctx ended.
	mon.Stop()
	wg.Wait()

	select {
	case err := <-errCh:
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	default:
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// subscribeSinks attaches every configured notifier and returns a func closing them.
func (a *App) subscribeSinks(d *alerting.Dispatcher) (func(), error) {
	cfg := a.Config.Alerting
	var closers []func() error
	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				a.Logger.Warn().Err(err).Msg("failed to close alert sink")
			}
		}
	}

	if cfg.Log.Enabled {
		d.Subscribe(alerting.NewLogNotifier(a.Logger))
	}
	if n := a.newTelegram(); n != nil {
		d.Subscribe(n)
	}
	if cfg.MQTT.Enabled {
		n, err := alerting.NewMQTTNotifier(alerting.MQTTOptions{
			Broker:   cfg.MQTT.Broker,
			Topic:    cfg.MQTT.Topic,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			QoS:      byte(cfg.MQTT.QoS),
			Retain:   cfg.MQTT.Retain,
			Timeout:  cfg.MQTT.Timeout,
		}, a.Logger)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("mqtt alert sink: %w", err)
		}
		d.Subscribe(n)
		closers = append(closers, n.Close)
	}
	if cfg.AMQP.Enabled {
		n, err := alerting.NewAMQPNotifier(alerting.AMQPOptions{URL: cfg.AMQP.URL, Queue: cfg.AMQP.Queue}, a.Logger)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("amqp alert sink: %w", err)
		}
		d.Subscribe(n)
		closers = append(closers, n.Close)
	}
	if cfg.Kafka.Enabled {
		n, err := alerting.NewKafkaNotifier(alerting.KafkaOptions{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			WriteTimeout: cfg.Kafka.WriteTimeout,
		}, a.Logger)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("kafka alert sink: %w", err)
		}
		d.Subscribe(n)
		closers = append(closers, n.Close)
	}
	if cfg.EventHub.Enabled {
		n, err := alerting.NewEventHubNotifier(alerting.EventHubOptions{
			ConnectionString: cfg.EventHub.ConnectionString,
			EventHub:         cfg.EventHub.Name,
		}, a.Logger)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("event hub alert sink: %w", err)
		}
		d.Subscribe(n)
		closers = append(closers, n.Close)
	}
	return closeAll, nil
}

func (a *App) newTelegram() alerting.Notifier {
	cfg := a.Config.Alerting.Telegram
	if !cfg.Enabled {
		return nil
	}
	n := alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, a.Config.Alerting.NotifyTimeout, a.Logger)
	if cfg.MinSeverity != "" {
		n.WithMinSeverity(alerting.Severity(cfg.MinSeverity))
	}
	return n
}

// ExportOptions hold parameters for exporting recorded readings and alerts.
type ExportOptions struct {
	From          *time.Time
	To            *time.Time
	PNGPath       string
	CSVPath       string
	AlertsCSVPath string
	MaxPoints     int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit  int
	Alerts bool
}

// ReplayOptions configure the replay command.
type ReplayOptions struct {
	Path string
	// Interval is the virtual time between consecutive payloads.
	Interval time.Duration
	// Flush advances the virtual clock past the debounce delay after the last payload.
	Flush bool
	// Notify also delivers alerts to the configured sinks.
	Notify bool
}
