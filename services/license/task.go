package license

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"labdesk-controlplane/pkg/clock"
	"labdesk-controlplane/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

type SweepPayload struct {
	Trigger string `json:"trigger"`
}

func NewSweepTask(trigger string, timeout time.Duration) (*asynq.Task, error) {
	payload, err := json.Marshal(SweepPayload{Trigger: trigger})
	if err != nil {
		return nil, err
	}
	opts := []asynq.Option{asynq.MaxRetry(0)}
	if timeout > 0 {
		opts = append(opts, asynq.Timeout(timeout), asynq.Unique(timeout))
	}
	return asynq.NewTask(taskname.LicenseStatusSweep, payload, opts...), nil
}

type TaskHandler struct {
	syncer *Synchronizer
	clock  clock.Clock
}

func NewTaskHandler(syncer *Synchronizer, c clock.Clock) *TaskHandler {
	return &TaskHandler{syncer: syncer, clock: c}
}

// HandleSweepTask runs one full sweep. Errors are returned to asynq so the
// run is recorded as failed.
func (h *TaskHandler) HandleSweepTask(ctx context.Context, t *asynq.Task) error {
	var p SweepPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			zap.L().Error("invalid sweep payload", zap.Error(err))
			return fmt.Errorf("unmarshal sweep payload: %v: %w", err, asynq.SkipRetry)
		}
	}

	res, err := h.syncer.SweepAll(ctx, h.clock.Now())
	if err != nil {
		zap.L().Error("license sweep failed", zap.String("trigger", p.Trigger), zap.Any("result", res), zap.Error(err))
		return err
	}

	zap.L().Debug("license sweep task finished", zap.String("trigger", p.Trigger))
	return nil
}

func RegisterTaskHandlers(mux *asynq.ServeMux, h *TaskHandler) {
	mux.HandleFunc(taskname.LicenseStatusSweep, h.HandleSweepTask)
}
