package orchestrator

import (
	"context"

	"github.com/taskforge/orchestrator/internal/pushserver"
)

// PushBackend adapts an Instance to pushserver.Backend. It exists only
// because Backend's SkipTask/RetryTask are scoped by plan id while
// control.Handler's (which Instance implements directly) are not — the two
// interfaces can't share method names at the same arity on one type.
type PushBackend struct {
	*Instance
}

var _ pushserver.Backend = PushBackend{}

// NewPushBackend wraps inst for use as a pushserver.Backend.
func NewPushBackend(inst *Instance) PushBackend {
	return PushBackend{Instance: inst}
}

func (b PushBackend) SkipTask(ctx context.Context, planID, taskID, reason string) error {
	if err := b.requireActivePlan(planID); err != nil {
		return err
	}
	return b.Instance.SkipTask(ctx, taskID, reason)
}

func (b PushBackend) RetryTask(ctx context.Context, planID, taskID string) error {
	if err := b.requireActivePlan(planID); err != nil {
		return err
	}
	return b.Instance.RetryTask(ctx, taskID)
}
