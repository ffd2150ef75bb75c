package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/semmidev/custos/internal/domain"
)

// RunReporter records finished runs and notifies about them.
type RunReporter struct {
	store           domain.RunStore
	notifier        domain.Notifier
	notifyOnSuccess bool
	logger          Logger
}

func NewRunReporter(store domain.RunStore, notifier domain.Notifier, notifyOnSuccess bool, logger Logger) *RunReporter {
	return &RunReporter{
		store:           store,
		notifier:        notifier,
		notifyOnSuccess: notifyOnSuccess,
		logger:          logger,
	}
}

func (r *RunReporter) RunFinished(ctx context.Context, run domain.Run) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if r.store != nil {
		if err := r.store.SaveRun(ctx, run); err != nil {
			r.logger.Errorf("[%s] Failed to record run: %v", run.ID, err)
		}
	}

	if r.notifier == nil || (run.State == domain.StateFinished && !r.notifyOnSuccess) {
		return
	}
	if err := r.notifier.SendNotification(FormatRun(run)); err != nil {
		r.logger.Errorf("[%s] Failed to send notification: %v", run.ID, err)
	}
}

func FormatRun(run domain.Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Backup %s: %s\n", run.ID, run.Status)
	fmt.Fprintf(&b, "Directory: %s\n", run.Directory)
	fmt.Fprintf(&b, "Copied: %s of %s in %s\n",
		humanize.IBytes(run.DoneBytes), humanize.IBytes(run.TotalBytes),
		run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	if run.FailedTable != "" {
		fmt.Fprintf(&b, "Failed table: %s\n", run.FailedTable)
	}
	if run.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", run.Error)
	}
	return b.String()
}
