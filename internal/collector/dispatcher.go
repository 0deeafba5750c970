package collector

import (
	"context"
	"time"

	"github.com/rzbill/harvest/internal/api"
	"github.com/rzbill/harvest/internal/faults"
	"github.com/rzbill/harvest/internal/metrics"
	"github.com/rzbill/harvest/pkg/log"
)

// Dispatcher executes one request against the API collaborator, applying
// the retry policy. Execute never returns an error: terminal failures come
// back as a failed Result.
type Dispatcher struct {
	caller  api.Caller
	policy  Policy
	logger  log.Logger
	metrics *metrics.Metrics

	// sleep is a test hook over backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDispatcher wires a dispatcher over the API caller.
func NewDispatcher(caller api.Caller, policy Policy, logger log.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		caller:  caller,
		policy:  policy,
		logger:  logger.WithComponent("dispatcher"),
		metrics: m,
		sleep:   sleepCtx,
	}
}

// Execute runs req to a terminal Result. Between attempts the worker
// suspends for the policy delay; ctx cancellation cuts the retry loop
// short and yields a failed Result.
func (d *Dispatcher) Execute(ctx context.Context, item *WorkItem, req api.Request) Result {
	start := time.Now()
	res := Result{
		ItemID:        item.ItemID,
		MessageID:     item.MessageID,
		CorrelationID: item.CorrelationID,
		Request:       req,
	}

	var err error
	attempt := 0
	for {
		attempt++
		var payload []byte
		payload, err = d.caller.Call(ctx, req)
		if err == nil {
			res.Status = StatusSuccess
			res.Payload = payload
			break
		}

		delay, retry := d.policy.Decide(attempt, err)
		if !retry {
			break
		}
		d.metrics.RequestRetries.Inc()
		d.logger.Debug("retrying request",
			log.Str("item_id", item.ItemID),
			log.Str("service", string(req.Service)),
			log.Str("resource", req.ResourcePath),
			log.Int("attempt", attempt),
			log.Dur("delay", delay),
			log.Err(err))
		if serr := d.sleep(ctx, delay); serr != nil {
			err = faults.Wrap(serr, "retry wait cancelled")
			break
		}
	}

	res.Attempts = attempt
	res.Latency = time.Since(start)
	res.CollectedAt = time.Now()
	if err != nil {
		res.Status = StatusFailed
		res.Err = err
		d.logger.Warn("request failed",
			log.Str("item_id", item.ItemID),
			log.Str("service", string(req.Service)),
			log.Str("resource", req.ResourcePath),
			log.Int("attempts", attempt),
			log.Err(err))
	}

	outcome := "ok"
	if res.Status == StatusFailed {
		outcome = "permanent"
		if faults.IsTransient(err) {
			outcome = "transient"
		}
	}
	d.metrics.RequestsTotal.WithLabelValues(string(req.Service), outcome).Inc()
	d.metrics.RequestDuration.Observe(res.Latency.Seconds())
	return res
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
