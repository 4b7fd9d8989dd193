// Package database journals fills, emergency exits and stage changes of a
// grid instance to PostgreSQL or a local SQLite file.
package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gridbot/internal/events"

	"github.com/rs/zerolog"
)

// writeTimeout bounds one journal write issued from a bus subscriber
const writeTimeout = 5 * time.Second

// ErrUnknownDriver is returned by Open for an unsupported driver name
var ErrUnknownDriver = errors.New("database: unknown driver")

// ExitRecord is one emergency exit outcome
type ExitRecord struct {
	InstanceID string
	Side       string
	Reason     string
	ClosedQty  float64
	Price      float64
	Flat       bool
	Attempts   int
	At         time.Time
}

// StageRecord is one committed risk stage transition
type StageRecord struct {
	InstanceID string
	Side       string
	From       int
	To         int
	Notional   float64
	At         time.Time
}

// Journal persists the trading history of an instance. Fills are keyed by
// trade id, so replays of the same execution are stored once.
type Journal interface {
	RecordFill(ctx context.Context, instanceID string, f events.Fill) error
	RecordExit(ctx context.Context, r ExitRecord) error
	RecordStage(ctx context.Context, r StageRecord) error
	RecentFills(ctx context.Context, instanceID string, limit int) ([]events.Fill, error)
	Close() error
}

// Open connects the configured journal and applies its schema. An empty
// driver returns a nil journal.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (Journal, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "none":
		return nil, nil
	case "postgres", "postgresql":
		db, err := NewDB(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		if err := db.RunMigrations(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	case "sqlite":
		j, err := NewSQLiteJournal(cfg.Path)
		if err != nil {
			return nil, err
		}
		return j, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
}

// Subscribe writes fills, exits and stage changes published on bus to j
func Subscribe(bus *events.EventBus, j Journal, instanceID string, logger zerolog.Logger) {
	log := logger.With().Str("component", "journal").Logger()
	write := func(what string, fn func(ctx context.Context) error) {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			log.Error().Err(err).Str("record", what).Msg("Journal write failed")
		}
	}

	bus.Subscribe(events.EventOrderFilled, func(e events.Event) {
		write("fill", func(ctx context.Context) error {
			return j.RecordFill(ctx, instanceID, events.FillFrom(e))
		})
	})
	bus.Subscribe(events.EventEmergencyExit, func(e events.Event) {
		flat, _ := e.Data["flat"].(bool)
		write("exit", func(ctx context.Context) error {
			return j.RecordExit(ctx, ExitRecord{
				InstanceID: instanceID,
				Side:       e.String("side"),
				Reason:     e.String("reason"),
				ClosedQty:  e.Float("closed_qty"),
				Price:      e.Float("price"),
				Flat:       flat,
				Attempts:   int(e.Int("attempts")),
				At:         e.Timestamp,
			})
		})
	})
	bus.Subscribe(events.EventStageChanged, func(e events.Event) {
		write("stage", func(ctx context.Context) error {
			return j.RecordStage(ctx, StageRecord{
				InstanceID: instanceID,
				Side:       e.String("side"),
				From:       int(e.Int("from")),
				To:         int(e.Int("to")),
				Notional:   e.Float("notional"),
				At:         e.Timestamp,
			})
		})
	})
}
