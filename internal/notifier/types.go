package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	logx "curses/pkg/logx"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

type Toast struct {
	Level  Level     `json:"level"`
	Source string    `json:"source"`
	Text   string    `json:"text"`
	At     time.Time `json:"at"`
}

// DeliveryFailed is the toast raised when a service could not post.
func DeliveryFailed(service string, err error) Toast {
	return Toast{
		Level:  LevelError,
		Source: service,
		Text:   fmt.Sprintf("could not dispatch %s hook: '%v'", service, err),
	}
}

// Toaster renders a toast somewhere the operator can see it.
type Toaster interface {
	ShowToast(ctx context.Context, t Toast) error
}

type ToasterFunc func(ctx context.Context, t Toast) error

func (f ToasterFunc) ShowToast(ctx context.Context, t Toast) error { return f(ctx, t) }

// LogToaster writes toasts to the log.
type LogToaster struct {
	Log logx.Logger
}

func (l LogToaster) ShowToast(_ context.Context, t Toast) error {
	fields := []logx.Field{logx.String("source", t.Source), logx.String("text", t.Text)}
	switch t.Level {
	case LevelError:
		l.Log.Error("toast", fields...)
	case LevelWarning:
		l.Log.Warn("toast", fields...)
	default:
		l.Log.Info("toast", fields...)
	}
	return nil
}

// Multi shows every toast on each toaster.
func Multi(ts ...Toaster) Toaster {
	return ToasterFunc(func(ctx context.Context, t Toast) error {
		var errs []error
		for _, tt := range ts {
			if tt == nil {
				continue
			}
			if err := tt.ShowToast(ctx, t); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	DedupWindow     time.Duration
	DedupMaxEntries int
	HistorySize     int
	PersistDedup    bool
}

type HistoryItem struct {
	At     time.Time `json:"at"`
	Level  Level     `json:"level"`
	Source string    `json:"source"`
	Text   string    `json:"text"`
}

// ToastEvent is published on the event bus for toast lifecycle events.
type ToastEvent struct {
	Source string    `json:"source"`
	Level  string    `json:"level"`
	Key    string    `json:"key"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}
