package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage. An empty or "none" driver disables it.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Retention   Retention
}

// Retention bounds the delivery audit. Zero fields impose no limit.
type Retention struct {
	MaxAge   time.Duration
	MaxCount int
	// Schedule is a cron spec; empty means DefaultPruneSchedule.
	Schedule string
}

func (r Retention) Enabled() bool { return r.MaxAge > 0 || r.MaxCount > 0 }

// DeliveryRecord is one non-skipped router outcome.
type DeliveryRecord struct {
	At         time.Time `json:"at"`
	Service    string    `json:"service"`
	Key        string    `json:"key"`
	Kind       string    `json:"kind"`
	Seq        uint64    `json:"seq"`
	Status     string    `json:"status"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Error      string    `json:"error,omitempty"`
	TookMS     int64     `json:"took_ms"`
	// Chars is the length of the posted text; the text itself is not stored.
	Chars int `json:"chars"`
}

type Store interface {
	AppendDelivery(ctx context.Context, r DeliveryRecord) error
	// RecentDeliveries returns up to limit records, newest first.
	RecentDeliveries(ctx context.Context, limit int) ([]DeliveryRecord, error)
	// PruneDeliveries drops records older than before (unless zero) and all
	// but the newest keep records (unless keep <= 0). It returns the number
	// removed.
	PruneDeliveries(ctx context.Context, before time.Time, keep int) (int, error)
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}
