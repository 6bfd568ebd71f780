package app

import (
	"context"
	"time"

	"resticd/internal/eventbus"
	"resticd/internal/storage"
	"resticd/internal/task/queue"
	logx "resticd/pkg/logx"
)

// runRecord maps a finished or failed task event to its persisted form.
func runRecord(e eventbus.Event) (storage.RunRecord, bool) {
	ev, ok := e.Data.(queue.TaskEvent)
	if !ok {
		return storage.RunRecord{}, false
	}
	switch e.Type {
	case queue.EventFinished, queue.EventFailed:
	default:
		return storage.RunRecord{}, false
	}
	return storage.RunRecord{
		RunID:      ev.RunID,
		TaskID:     ev.ID,
		Name:       ev.Name,
		Via:        ev.Via,
		Started:    ev.Started,
		QueueDelay: ev.QueueDelay,
		Duration:   ev.Duration,
		OK:         e.Type == queue.EventFinished,
		Error:      ev.Error,
	}, true
}

func (a *App) recordRun(ctx context.Context, e eventbus.Event) {
	if a.store == nil {
		return
	}
	rec, ok := runRecord(e)
	if !ok {
		return
	}
	// the run already happened; persist it even while shutting down
	c, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := a.store.AppendRun(c, rec); err != nil {
		a.log.Warn("run not persisted", logx.String("task", rec.TaskID), logx.String("run_id", rec.RunID), logx.Err(err))
	}
}
