package app

import (
	"context"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"resticd/internal/eventbus"
	"resticd/internal/notify"
	rtsup "resticd/internal/runtime/supervisor"
	"resticd/internal/storage"
	"resticd/internal/task/queue"
	"resticd/internal/task/scheduler"
	logx "resticd/pkg/logx"
)

// StatusView is the document served at /status.
type StatusView struct {
	Started     time.Time                    `json:"started"`
	Uptime      string                       `json:"uptime"`
	Queue       queue.Snapshot               `json:"queue"`
	Scheduler   scheduler.Snapshot           `json:"scheduler"`
	Notifier    notify.Snapshot              `json:"notifier"`
	LastRuns    map[string]storage.RunRecord `json:"last_runs,omitempty"`
	Supervisors map[string]rtsup.Snapshot    `json:"supervisors"`
	BusDropped  uint64                       `json:"bus_dropped"`
}

// Status implements status.Backend.
func (a *App) Status(ctx context.Context) any {
	v := StatusView{
		Started:     a.started,
		Uptime:      strings.TrimSpace(humanize.RelTime(a.started, time.Now(), "", "")),
		Queue:       a.queue.Snapshot(),
		Scheduler:   a.sched.Snapshot(),
		Notifier:    a.notif.Snapshot(),
		Supervisors: map[string]rtsup.Snapshot{},
		BusDropped:  eventbus.Dropped(a.bus),
	}
	if a.store != nil {
		last, err := a.store.LastRuns(ctx)
		if err != nil {
			a.log.Warn("last runs unavailable", logx.Err(err))
		} else {
			v.LastRuns = last
		}
	}
	for name, sup := range map[string]*rtsup.Supervisor{
		"app":      a.sup,
		"queue":    a.queue.Supervisor(),
		"notifier": a.notif.Supervisor(),
		"status":   a.status.Supervisor(),
	} {
		if sup != nil {
			v.Supervisors[name] = sup.Snapshot()
		}
	}
	return v
}

// Trigger implements status.Backend.
func (a *App) Trigger(name string, p queue.Priority) (string, error) {
	return a.sched.Trigger(name, p)
}

// Runs implements status.Backend.
func (a *App) Runs(ctx context.Context, limit int) ([]storage.RunRecord, error) {
	if a.store == nil {
		return nil, storage.ErrDisabled
	}
	return a.store.RecentRuns(ctx, limit)
}
