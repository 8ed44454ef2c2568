package app

import (
	"context"
	"time"

	"curses/internal/eventbus"
	"curses/internal/notifier"
	"curses/internal/router"
	"curses/internal/sink"
	"curses/internal/storage"
	logx "curses/pkg/logx"
)

const recordTimeout = 2 * time.Second

// DeliveryEvent is published for every dispatched outcome.
type DeliveryEvent struct {
	Service    string `json:"service"`
	Key        string `json:"key"`
	Status     string `json:"status"`
	HTTPStatus int    `json:"http_status,omitempty"`
	Error      string `json:"error,omitempty"`
	TookMS     int64  `json:"took_ms"`
}

// deliveryReporter turns router outcomes into logs, bus events, toasts and
// audit records. Skips stop at the router's trace log.
type deliveryReporter struct {
	log   logx.Logger
	bus   eventbus.Bus
	notif *notifier.Service
	store storage.Store
}

func (r *deliveryReporter) Report(o router.Outcome) {
	if o.Status == sink.StatusSkipped {
		return
	}
	fields := []logx.Field{
		logx.String("service", o.Service),
		logx.String("key", string(o.Key)),
		logx.String("status", o.Status.String()),
		logx.Duration("took", o.Took),
	}
	if o.HTTPStatus != 0 {
		fields = append(fields, logx.Int("http_status", o.HTTPStatus))
	}

	ev := DeliveryEvent{
		Service:    o.Service,
		Key:        string(o.Key),
		Status:     o.Status.String(),
		HTTPStatus: o.HTTPStatus,
		TookMS:     o.Took.Milliseconds(),
	}
	if o.Err != nil {
		ev.Error = o.Err.Error()
	}

	switch o.Status {
	case sink.StatusFailed:
		r.log.Warn("delivery failed", append(fields, logx.Err(o.Err))...)
		eventbus.PublishTo(r.bus, eventbus.TypeRouteFailed, ev)
		if r.notif != nil {
			if err := r.notif.Notify(context.Background(), notifier.DeliveryFailed(o.Service, o.Err)); err != nil {
				r.log.Debug("failure toast not queued", logx.Err(err))
			}
		}
	case sink.StatusDisabled:
		r.log.Debug("delivery skipped; integration not configured", fields...)
	default:
		r.log.Debug("delivered", fields...)
		eventbus.PublishTo(r.bus, eventbus.TypeRouteDispatched, ev)
	}
	r.record(o, ev)
}

func (r *deliveryReporter) record(o router.Outcome, ev DeliveryEvent) {
	if r.store == nil {
		return
	}
	at := o.At
	if at.IsZero() {
		at = time.Now()
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	err := r.store.AppendDelivery(ctx, storage.DeliveryRecord{
		At:         at,
		Service:    o.Service,
		Key:        string(o.Key),
		Kind:       o.Kind.String(),
		Seq:        o.Seq,
		Status:     ev.Status,
		HTTPStatus: o.HTTPStatus,
		Error:      ev.Error,
		TookMS:     ev.TookMS,
		Chars:      len([]rune(o.Value)),
	})
	if err != nil {
		r.log.Warn("delivery record failed", logx.Err(err))
	}
}
