package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"citas/internal/availability"
	"citas/internal/booking"
	"citas/internal/cache"
	"citas/internal/config"
	"citas/internal/conflict"
	"citas/internal/database"
	"citas/internal/events"
	"citas/internal/notify"
	"citas/internal/slots"
	"citas/internal/timegrid"
)

// app holds the wired core shared by every command.
type app struct {
	cfg        *config.Config
	logger     *zerolog.Logger
	loc        *time.Location
	grid       *timegrid.Validator
	db         *database.DB
	windows    *availability.Store
	rdb        *redis.Client
	slots      *cache.SlotCache
	bus        *events.EventBus
	dispatcher *notify.Dispatcher
	booking    *booking.Service
}

func newLogger(level, format string) zerolog.Logger {
	var logger zerolog.Logger
	if format == "json" {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		logger = zerolog.New(output).With().Timestamp().Logger()
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return logger.Level(lvl)
}

func newApp(cfg *config.Config, logger *zerolog.Logger) (*app, error) {
	loc, err := timegrid.LoadLocation(cfg.Clinic.Timezone)
	if err != nil {
		return nil, err
	}
	grid := timegrid.New(timegrid.Options{
		Location:    loc,
		OpenHour:    cfg.Clinic.OpenHour,
		CloseHour:   cfg.Clinic.CloseHour,
		GridMinutes: cfg.Clinic.GridMinutes,
	})

	db, err := database.NewDB(cfg.Database.Path, time.Duration(cfg.Database.BusyTimeoutMS)*time.Millisecond, logger)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, loc: loc, grid: grid, db: db}
	a.windows = availability.NewStore(db, grid, logger)

	gen := slots.NewGenerator(a.windows, db, db, grid)
	if cfg.Redis.Address != "" && cfg.SlotCacheTTL() > 0 {
		a.rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Address, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	}
	a.slots = cache.NewSlotCache(a.rdb, gen, cfg.SlotCacheTTL(), loc, logger)

	a.bus = events.NewEventBus(logger)
	a.dispatcher, err = a.newDispatcher()
	if err != nil {
		a.Close()
		return nil, err
	}
	notify.Subscribe(a.bus, a.dispatcher, db)

	a.booking = booking.NewService(booking.Deps{
		Store:    db,
		Grid:     grid,
		Detector: conflict.New(db, a.windows, logger),
		Windows:  a.windows,
		Slots:    a.slots,
		Events:   a.bus,
		Cache:    a.slots,
	}, booking.Config{
		TxTimeout:        cfg.TxTimeout(),
		ReminderLead:     cfg.ReminderLead(),
		AllowUnscheduled: cfg.Booking.AllowUnscheduled,
	}, logger)

	return a, nil
}

func (a *app) newDispatcher() (*notify.Dispatcher, error) {
	n := a.cfg.Notifications
	sinks := make([]notify.Sink, 0, 2)
	if token := n.TelegramToken; token != "" {
		api, err := tgbotapi.NewBotAPI(token)
		if err != nil {
			return nil, fmt.Errorf("telegram bot: %w", err)
		}
		a.logger.Info().Str("account", api.Self.UserName).Msg("Telegram notifications enabled")
		sinks = append(sinks, notify.NewTelegramSink(api))
	}
	sinks = append(sinks, notify.NewLogSink(a.logger))

	cfg := notify.DefaultConfig()
	cfg.Workers = n.Workers
	cfg.QueueSize = n.QueueSize
	cfg.RatePerSecond = n.RatePerSecond
	cfg.Burst = n.Burst
	cfg.MaxRetries = n.MaxRetries
	return notify.NewDispatcher(cfg, a.db, a.loc, a.logger, sinks...), nil
}

// syncCatalog loads clinic.yaml into the database once.
func (a *app) syncCatalog(ctx context.Context) (*config.Catalog, error) {
	cat, err := config.LoadCatalog(a.cfg.ClinicFile)
	if err != nil {
		return nil, err
	}
	return cat, a.applyCatalog(ctx, cat)
}

// applyCatalog syncs cat and drops the cached slots of its doctors.
func (a *app) applyCatalog(ctx context.Context, cat *config.Catalog) error {
	if err := a.db.SyncCatalog(ctx, cat, a.windows); err != nil {
		return err
	}
	for i := range cat.Doctors {
		a.slots.Invalidate(ctx, cat.Doctors[i].ID)
	}
	return nil
}

func (a *app) Close() {
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if err := a.db.Close(); err != nil {
		a.logger.Error().Err(err).Msg("close database")
	}
}
