// Package notify delivers engine events to people: the log, and chat or
// automation systems through a webhook.
package notify

import (
	"context"
	"log/slog"

	"github.com/dustin/go-humanize"

	"github.com/BadgerOps/expansiond/internal/expansion"
)

// Multi fans events out to every non-nil sink.
func Multi(sinks ...expansion.Sink) expansion.Sink {
	out := make(expansion.Sinks, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// LogNotifier writes engine events to a structured logger.
type LogNotifier struct {
	logger *slog.Logger
}

var _ expansion.Sink = (*LogNotifier)(nil)

// NewLogNotifier returns a notifier tagged with the job and notification
// identifiers so runs can be correlated in the log.
func NewLogNotifier(logger *slog.Logger, jobID, notificationID int) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{
		logger: logger.With("job_id", jobID, "notification_id", notificationID),
	}
}

func (n *LogNotifier) StatusChanged(state expansion.State) {
	n.logger.Info(state.Description(), "state", state.String())
}

func (n *LogNotifier) Progress(downloaded, total int64) {
	var pct float64
	if total > 0 {
		pct = float64(downloaded) / float64(total) * 100
	}
	n.logger.Info("download progress",
		"downloaded", humanize.IBytes(uint64(downloaded)),
		"total", humanize.IBytes(uint64(total)),
		"percent", humanize.FormatFloat("#.#", pct))
}

func (n *LogNotifier) Done(paths []string) {
	n.logger.Info("expansion files downloaded", "paths", paths)
}

func (n *LogNotifier) Error(state expansion.State, message string) {
	level := slog.LevelError
	if state.IsPaused() {
		level = slog.LevelWarn
	}
	n.logger.Log(context.Background(), level, message, "state", state.String(), "state_code", int(state))
}
