package daemon

import (
	"context"
	"database/sql"
	"time"

	"github.com/ksi-project/ksi/pkg/database"
	"github.com/ksi-project/ksi/pkg/event"
	"github.com/ksi-project/ksi/pkg/router"
	"github.com/ksi-project/ksi/pkg/version"
)

func (d *Daemon) registerSystem(r *router.Router) error {
	regs := []struct {
		pattern string
		handler router.HandlerFunc
		opts    router.HandlerOptions
	}{
		{"system:health", d.handleHealth, router.HandlerOptions{
			Summary: "Daemon liveness, uptime, and subsystem counters",
		}},
		{"system:shutdown", d.handleShutdown, router.HandlerOptions{
			Summary: "Acknowledge, then run the ordered shutdown",
		}},
		{"system:discover", d.handleDiscover, router.HandlerOptions{
			Summary: "Catalog of every registered event with its parameters",
		}},
		{"system:help", d.handleHelp, router.HandlerOptions{
			Summary: "Detail for one registered event",
			Params:  []router.ParamSpec{{Name: "event", Type: "string", Required: true}},
		}},
	}
	for _, reg := range regs {
		if err := r.Register(reg.pattern, reg.handler, reg.opts); err != nil {
			return err
		}
	}
	return nil
}

func (d *Daemon) handleHealth(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	uptime := 0.0
	if !d.startedAt.IsZero() {
		uptime = time.Since(d.startedAt).Seconds()
	}
	return map[string]any{
		"status":         "healthy",
		"version":        version.Full(),
		"uptime_seconds": uptime,
		"agents":         d.agents.Count(),
		"connections":    d.server.ConnCount(),
		"subscribers":    d.router.SubscriberCount(),
		"scheduler":      d.scheduler.Status(),
		"event_log":      d.events.Stats(ctx),
		"traces":         d.traces.Stats(),
		"databases":      d.databaseHealth(ctx),
	}, nil
}

// databaseHealth pings each SQLite file and reports pool counters. An
// unhealthy database does not fail the health call; the per-file
// status carries the verdict.
func (d *Daemon) databaseHealth(ctx context.Context) map[string]*database.HealthStatus {
	out := make(map[string]*database.HealthStatus, 2)
	for name, db := range map[string]*sql.DB{
		"state":  d.store.DB(),
		"events": d.events.IndexDB().DB(),
	} {
		hs, _ := database.Health(ctx, db)
		out[name] = hs
	}
	return out
}

func (d *Daemon) handleShutdown(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	clientID := ""
	if ectx != nil {
		clientID = ectx.ClientID
	}
	d.log.Info("shutdown requested", "client_id", clientID)

	// Delay the trigger so the acknowledgement reaches the caller
	// before the listener closes.
	time.AfterFunc(50*time.Millisecond, d.RequestShutdown)
	return map[string]any{"status": "shutting_down"}, nil
}

func (d *Daemon) handleDiscover(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	regs := d.router.Registrations()
	return map[string]any{"events": regs, "count": len(regs)}, nil
}

func (d *Daemon) handleHelp(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	name, _ := data["event"].(string)
	if name == "" {
		return event.ErrorResponse("event required"), nil
	}
	for _, reg := range d.router.Registrations() {
		if reg.Pattern == name {
			return map[string]any{
				"event":   reg.Pattern,
				"summary": reg.Summary,
				"params":  reg.Params,
			}, nil
		}
	}
	return event.Errorf("unknown event %s", name), nil
}
