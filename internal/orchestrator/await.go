package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/client"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/pkg/api"
)

// ErrRunFailed means the backend finished a run without a verdict.
var ErrRunFailed = errors.New("run failed")

// AwaitVerdict waits for runID's verdict. The event channel answers first in
// the common case; the status endpoint is polled every poll so a message lost
// in a reconnect gap does not hang the caller.
func AwaitVerdict(ctx context.Context, c *client.Client, runID string, poll time.Duration) (api.Verdict, error) {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	type result struct {
		v   api.Verdict
		err error
	}
	res := make(chan result, 1)
	offer := func(r result) {
		select {
		case res <- r:
		default:
		}
	}

	unsub := c.OnMessage(func(e api.Envelope) {
		if e.RunID() != runID {
			return
		}
		switch e.Type {
		case api.MsgVerdictReady:
			var v api.Verdict
			if err := e.Decode(&v); err == nil {
				offer(result{v: v})
			}
		case api.MsgError:
			var p api.ErrorPayload
			_ = e.Decode(&p)
			offer(result{err: fmt.Errorf("%w: %s: %s", ErrRunFailed, runID, p.Message)})
		}
	})
	defer unsub()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t := time.NewTicker(poll)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
			}
			st, err := c.RunStatus(gctx, runID)
			if err != nil || !st.Done() {
				continue
			}
			if st.Status == api.RunFailed {
				offer(result{err: fmt.Errorf("%w: %s: %s", ErrRunFailed, runID, st.Message)})
				return nil
			}
			v, err := c.Verdict(gctx, runID)
			if err != nil {
				continue
			}
			offer(result{v: v})
			return nil
		}
	})

	var r result
	select {
	case r = <-res:
	case <-ctx.Done():
		r.err = ctx.Err()
	}
	cancel()
	_ = g.Wait()
	return r.v, r.err
}
