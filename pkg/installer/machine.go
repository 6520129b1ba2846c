package installer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fly-io/dsu-installer/pkg/errors"
	"github.com/google/uuid"
	"github.com/superfly/fsm"
)

// RunRequest is the FSM input. Installers are looked up by RunID since the
// FSM persists requests and an Installer cannot be serialized.
type RunRequest struct {
	RunID string
}

// RunResponse accumulates the last completed stage.
type RunResponse struct {
	RunID string
	Stage string
}

// StageFailed is the terminal state of an aborted run.
const StageFailed = "failed"

// Machine runs the setup stages as a superfly/fsm workflow, journaling each
// transition.
type Machine struct {
	manager *fsm.Manager
	start   fsm.Start[RunRequest, RunResponse]
	runs    sync.Map
}

// NewMachine registers the install workflow with manager.
func NewMachine(ctx context.Context, manager *fsm.Manager) (*Machine, error) {
	m := &Machine{manager: manager}

	start, _, err := fsm.Register[RunRequest, RunResponse](manager, "dsu-install").
		Start(StageSanityCheck, m.handler(StageSanityCheck)).
		To(StagePreallocate, m.handler(StagePreallocate)).
		To(StageChooseStrategy, m.handler(StageChooseStrategy)).
		To(StageFormatScratch, m.handler(StageFormatScratch)).
		To(StageOpenPayload, m.handler(StageOpenPayload)).
		End(StageFailed).
		Build(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to register FSM")
	}

	m.start = start
	return m, nil
}

// Run starts a workflow for inst and waits for it to finish.
func (m *Machine) Run(ctx context.Context, inst *Installer) error {
	id := uuid.NewString()
	m.runs.Store(id, inst)
	defer m.runs.Delete(id)

	version, err := m.start(ctx, id, fsm.NewRequest(&RunRequest{RunID: id}, &RunResponse{}))
	if err != nil {
		return errors.Wrap(err, "FSM start failed")
	}
	slog.Debug("fsm_started", "run_id", id, "version", version)

	if err := m.manager.Wait(ctx, version); err != nil {
		if inst.failure != nil {
			return inst.failure
		}
		return errors.Wrap(err, "FSM execution failed")
	}
	return inst.failure
}

func (m *Machine) handler(stage string) func(context.Context, *fsm.Request[RunRequest, RunResponse]) (*fsm.Response[RunResponse], error) {
	return func(ctx context.Context, req *fsm.Request[RunRequest, RunResponse]) (*fsm.Response[RunResponse], error) {
		runID := req.Msg.RunID
		slog.Info("fsm_state", "stage", stage, "run_id", runID)

		// Stages allocate and bind; a replay after a crash is handled by
		// start-up recovery instead.
		if retry := fsm.RetryFromContext(ctx); retry > 0 {
			slog.Error("fsm_retry_refused", "stage", stage, "run_id", runID, "retry", retry)
			return nil, fsm.Abort(fmt.Errorf("stage %s cannot be retried", stage))
		}

		v, ok := m.runs.Load(runID)
		if !ok {
			slog.Error("fsm_run_unknown", "stage", stage, "run_id", runID)
			return nil, fsm.Abort(fmt.Errorf("no installer for run %s", runID))
		}
		inst := v.(*Installer)

		if err := inst.runStage(ctx, stage); err != nil {
			slog.Error("fsm_stage_failed", "stage", stage, "run_id", runID, "error", err)
			return nil, fsm.Abort(err)
		}

		return fsm.NewResponse(&RunResponse{RunID: runID, Stage: stage}), nil
	}
}
