package invoker

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Addressee is one target of a fan-out stage: a bound call plus the key
// (recipient address, channel ID) its outcome is reported under. One bound
// call is issued per addressee; a single HTTP call is never fanned across
// multiple recipients implicitly.
type Addressee struct {
	Key  string
	Call *BoundCall
}

// Outcome is the per-addressee result of a fan-out
type Outcome struct {
	Key    string  `json:"key"`
	Action string  `json:"action"`
	Result *Result `json:"result"`
}

// Aggregate collects every per-addressee outcome of a fan-out. Partial
// success is explicit: callers decide whether it is acceptable.
type Aggregate struct {
	Outcomes  []Outcome `json:"outcomes"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
}

// AllFailed reports whether no addressee succeeded
func (a *Aggregate) AllFailed() bool {
	return a.Succeeded == 0 && a.Failed > 0
}

// InvokeAll executes the addressees' calls with bounded concurrency and
// merges the outcomes deterministically by addressee key. Individual
// failures never abort the other calls; only context cancellation does.
func (inv *Invoker) InvokeAll(ctx context.Context, addressees []Addressee, concurrency int) (*Aggregate, error) {
	if concurrency <= 0 {
		concurrency = 4
	}

	outcomes := make([]Outcome, len(addressees))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, addr := range addressees {
		i, addr := i, addr
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			result, err := inv.Invoke(gctx, addr.Call)
			if err != nil {
				// Pre-flight failures (validation, bad template) count as
				// failed outcomes for this addressee, not run-level errors.
				result = failureResult(KindValidation, err.Error(), 0)
			}

			mu.Lock()
			outcomes[i] = Outcome{
				Key:    addr.Key,
				Action: addr.Call.Descriptor.Name,
				Result: result,
			}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(outcomes, func(i, j int) bool {
		if outcomes[i].Key != outcomes[j].Key {
			return outcomes[i].Key < outcomes[j].Key
		}
		return outcomes[i].Action < outcomes[j].Action
	})

	agg := &Aggregate{Outcomes: outcomes}
	for _, o := range outcomes {
		if o.Result != nil && o.Result.OK {
			agg.Succeeded++
		} else {
			agg.Failed++
		}
	}
	return agg, nil
}
