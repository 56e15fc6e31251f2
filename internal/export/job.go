package export

import (
	"context"

	"github.com/DukeRupert/ppewatch/internal/engine"
	"github.com/DukeRupert/ppewatch/internal/worker"
)

// Source publishes snapshots. *engine.Engine satisfies it.
type Source interface {
	Snapshot() *engine.Snapshot
}

// Job returns a periodic job that exports the current snapshot. Runs are
// skipped while nothing has loaded and when the snapshot has not changed
// since the last export.
func (x *Exporter) Job(source Source) worker.Job {
	return &scheduledExport{exporter: x, source: source}
}

type scheduledExport struct {
	exporter *Exporter
	source   Source
	last     *engine.Snapshot
}

func (j *scheduledExport) Name() string { return "export_snapshot" }

func (j *scheduledExport) Run(ctx context.Context) error {
	snap := j.source.Snapshot()
	if snap == nil || snap.ViewModel == nil || snap == j.last {
		return worker.ErrSkipped
	}
	if _, err := j.exporter.Export(ctx, snap, TriggerScheduled); err != nil {
		return err
	}
	j.last = snap
	return nil
}
