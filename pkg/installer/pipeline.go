package installer

import (
	"context"
	"log/slog"
)

// Pipeline drives the setup stages of an Installer in order, stopping at the
// first failure.
type Pipeline interface {
	Run(ctx context.Context, inst *Installer) error
}

// Sequential runs the stages inline on the caller's goroutine.
type Sequential struct{}

func (Sequential) Run(ctx context.Context, inst *Installer) error {
	for _, s := range inst.stages() {
		slog.Debug("install_stage", "stage", s.name)
		if err := inst.runStage(ctx, s.name); err != nil {
			return err
		}
	}
	return nil
}
