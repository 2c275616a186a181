package behaviors

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/opflow/internal/execution"
	"github.com/rendis/opflow/pkg/schema"
)

// WithTimeout bounds a behavior's latency. When d elapses first the call is
// abandoned and an external_call_failed outcome is returned. The inner
// behavior runs against a snapshot of the context so a late return cannot
// touch the live pipeline state.
func WithTimeout(b Behavior, d time.Duration) Behavior {
	if d <= 0 {
		return b
	}
	return &timeoutBehavior{inner: b, timeout: d}
}

type timeoutBehavior struct {
	inner   Behavior
	timeout time.Duration
}

type callResult struct {
	out *execution.Outcome
	err error
}

func (t *timeoutBehavior) Type() string           { return t.inner.Type() }
func (t *timeoutBehavior) Schema() BehaviorSchema { return t.inner.Schema() }

func (t *timeoutBehavior) Execute(ctx context.Context, orgID string, config map[string]any, ec *execution.Context) (*execution.Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	snap := ec.Snapshot()
	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: schema.NewErrorf(schema.ErrCodeExecution, "behavior %q panicked: %v", t.inner.Type(), r)}
			}
		}()
		out, err := t.inner.Execute(ctx, orgID, config, snap)
		done <- callResult{out: out, err: err}
	}()

	select {
	case res := <-done:
		return res.out, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			o := execution.Fail(schema.FailureExternalCall, "behavior %q timed out after %s", t.inner.Type(), t.timeout)
			o.Err = ctx.Err()
			return o, nil
		}
		return nil, ctx.Err()
	}
}
