package scheduler

import (
	"context"

	businessflow "github.com/amirphl/wa-campaign-dispatcher/business_flow"
	"github.com/amirphl/wa-campaign-dispatcher/queue"
)

// DispatchHandler runs one delivery attempt per dispatch task. Retries and deferrals
// are re-enqueued by the flow itself, so the task is acked afterwards.
func DispatchHandler(flow businessflow.DispatchFlow) Handler {
	return func(ctx context.Context, task queue.Task) error {
		_, err := flow.DispatchTarget(ctx, task.Ref)
		return err
	}
}

// RunBatchHandler runs one iteration of a campaign batch loop
func RunBatchHandler(flow businessflow.CampaignFlow) Handler {
	return func(ctx context.Context, task queue.Task) error {
		return flow.RunBatch(ctx, task.Ref, task.Token)
	}
}

// Register wires both task kinds into the runner
func Register(r *Runner, campaigns businessflow.CampaignFlow, dispatch businessflow.DispatchFlow) {
	r.Handle(queue.KindRunBatch, RunBatchHandler(campaigns))
	r.Handle(queue.KindDispatch, DispatchHandler(dispatch))
}
