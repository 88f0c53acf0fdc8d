package provisioning

import (
	"context"

	"github.com/mikepea/idplane/pkg/idplane/metrics"
)

type undo struct {
	name string
	fn   func(context.Context) error
}

// compensations records how to undo each external side effect of a
// workflow, so a later failure can walk them back in reverse order.
type compensations struct {
	o        *Orchestrator
	workflow string
	stack    []undo
}

func newCompensations(o *Orchestrator, workflow string) *compensations {
	return &compensations{o: o, workflow: workflow}
}

func (c *compensations) push(name string, fn func(context.Context) error) {
	c.stack = append(c.stack, undo{name: name, fn: fn})
}

// run undoes every recorded step, newest first. Individual failures are
// logged and do not stop the remaining undos.
func (c *compensations) run(ctx context.Context, cause error) {
	if len(c.stack) == 0 {
		return
	}
	// The request may already be cancelled; cleanup must still happen.
	ctx = context.WithoutCancel(ctx)
	c.o.log.Warnw("Rolling back workflow", "workflow", c.workflow, "steps", len(c.stack), "cause", cause)

	for i := len(c.stack) - 1; i >= 0; i-- {
		u := c.stack[i]
		stepCtx, cancel := context.WithTimeout(ctx, c.o.opts.StepTimeout)
		err := u.fn(stepCtx)
		cancel()
		if err != nil {
			metrics.Compensations.WithLabelValues(c.workflow, "error").Inc()
			c.o.log.Errorw("Rollback step failed", "workflow", c.workflow, "step", u.name, "error", err)
			continue
		}
		metrics.Compensations.WithLabelValues(c.workflow, "ok").Inc()
		c.o.log.Infow("Rollback step completed", "workflow", c.workflow, "step", u.name)
	}
	c.stack = nil
}
