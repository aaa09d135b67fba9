package engine

import (
	"context"
	"fmt"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"

	"github.com/grafana/docflow/pkg/document"
	"github.com/grafana/docflow/pkg/engine/program"
)

// Render produces req.Document on sink and blocks until it is finished.
//
// While the production is suspended, Render waits on the pending executor's
// notification channel. Executors that cannot notify are polled with the
// configured resume backoff.
func (e *Engine) Render(ctx context.Context, req Request, sink document.Sink) error {
	p, err := e.Start(ctx, req, sink)
	if err != nil {
		return err
	}
	defer p.Close()

	boff := backoff.New(ctx, e.cfg.ResumeBackoff)
	for {
		outcome, err := p.Resume(ctx)
		switch outcome {
		case program.OutcomeDone:
			return nil
		case program.OutcomeSuspend:
		default:
			return err
		}

		resultSet, ready := p.Pending()
		if ready != nil {
			select {
			case <-ready:
				boff.Reset()
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if !boff.Ongoing() {
			err := fmt.Errorf("result set %s still pending: %w", resultSet, boff.Err())
			level.Warn(p.logger).Log("msg", "giving up on suspended production", "err", err)
			return err
		}
		boff.Wait()
	}
}
