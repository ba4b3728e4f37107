// Package telemetry records gateway events into the command history database
// and serves that history over HTTP.
package telemetry

import (
	"context"
	"sync"
	"time"

	"relay-gateway/internal/database"
	"relay-gateway/internal/events"
	"relay-gateway/internal/logger"
)

const queueSize = 256

// Recorder is an events.Sink that writes events to the history database from a
// single background goroutine. Publish never blocks; events are dropped when the
// queue is full.
type Recorder struct {
	queue         chan events.Event
	retentionDays int
	dropped       int
	mu            sync.Mutex
}

// Init opens the database at dbPath, prunes and checkpoints it, and returns a
// recorder. Call Run to start writing.
func Init(dbPath string, retentionDays int) (*Recorder, error) {
	if err := database.Init(dbPath); err != nil {
		return nil, err
	}
	r := &Recorder{
		queue:         make(chan events.Event, queueSize),
		retentionDays: retentionDays,
	}
	r.maintain()
	logger.Info("Telemetry: Command history at '%s' (retention %d days).", dbPath, retentionDays)
	return r, nil
}

// Publish queues ev for writing.
func (r *Recorder) Publish(_ context.Context, ev events.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case r.queue <- ev:
	default:
		r.mu.Lock()
		r.dropped++
		n := r.dropped
		r.mu.Unlock()
		if n == 1 || n%100 == 0 {
			logger.Warn("Telemetry: History queue full, %d events dropped.", n)
		}
	}
}

// Run writes queued events until ctx is done, then drains the queue and closes
// the database. Maintenance runs once a day at noon.
func (r *Recorder) Run(ctx context.Context) {
	defer database.Close()

	now := time.Now()
	nextMaintenance := time.Date(now.Year(), now.Month(), now.Day(), 12, 0, 0, 0, now.Location())
	if now.After(nextMaintenance) {
		nextMaintenance = nextMaintenance.Add(24 * time.Hour)
	}
	logger.Info("Telemetry: Next database cleanup scheduled for: %v", nextMaintenance.Format(time.RFC1123))

	maintenance := time.NewTimer(time.Until(nextMaintenance))
	defer maintenance.Stop()

	for {
		select {
		case <-ctx.Done():
			r.drain()
			return
		case ev := <-r.queue:
			r.write(ev)
		case <-maintenance.C:
			logger.Info("Telemetry: Running scheduled daily database cleanup...")
			r.maintain()
			maintenance.Reset(24 * time.Hour)
		}
	}
}

func (r *Recorder) drain() {
	for {
		select {
		case ev := <-r.queue:
			r.write(ev)
		default:
			return
		}
	}
}

func (r *Recorder) write(ev events.Event) {
	rec := database.CommandRecord{
		Timestamp:   ev.Time.UnixMilli(),
		Kind:        string(ev.Kind),
		Command:     ev.Command,
		Line:        ev.Line,
		Response:    ev.Response,
		CommandKind: ev.CmdKind,
		DurationUS:  ev.Duration.Microseconds(),
		Error:       ev.Error,
	}
	if err := database.InsertCommand(rec); err != nil {
		logger.Error("Telemetry: Failed to insert history record: %v", err)
	}
}

// maintain prunes records past retention and checkpoints the WAL.
func (r *Recorder) maintain() {
	if r.retentionDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -r.retentionDays).UnixMilli()
		if n, err := database.PruneOlderThan(cutoff); err != nil {
			logger.Error("Telemetry: Failed to prune history: %v", err)
		} else if n > 0 {
			logger.Info("Telemetry: Pruned %d history records.", n)
		}
	}
	if err := database.Checkpoint(); err != nil {
		logger.Error("Telemetry: Failed to checkpoint WAL: %v", err)
	}
}
