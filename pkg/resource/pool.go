package resource

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// entry tracks one resource's total capacity and current in-use amount.
type entry struct {
	total Amount
	inUse Amount
}

// acquirable is a pure function of total and in-use: total - in-use.
func (e entry) acquirable() Amount {
	return e.total.Sub(e.inUse)
}

// Pool is a per-host resource accounting table: name -> {total, in_use}.
// All mutation happens through Acquire/Release, which serialize access with
// a mutex. The run loop itself is single-threaded, but Pool may be
// shared by a future worker-pool mode, so it does not assume that.
type Pool struct {
	mu        sync.Mutex
	resources map[string]*entry
	logger    zerolog.Logger
}

// NewPool returns an empty pool. logger is used for the warnings AddResources
// and Release may emit; the zero value is a valid (silent) logger.
func NewPool(logger zerolog.Logger) *Pool {
	return &Pool{
		resources: map[string]*entry{},
		logger:    logger,
	}
}

// AddResources declares one or more resources and their total capacity. It
// refuses to re-declare an existing resource whose total is already nonzero,
// since a second, conflicting declaration is very likely a configuration bug.
func (p *Pool) AddResources(totals map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for name, raw := range totals {
		amount, err := Parse(raw)
		if err != nil {
			return fmt.Errorf("resource: adding %q: %w", name, err)
		}

		if existing, ok := p.resources[name]; ok && existing.total.Total != 0 {
			return fmt.Errorf("resource: %q already declared with nonzero total %s", name, existing.total)
		}

		p.resources[name] = &entry{total: amount, inUse: Amount{Unit: amount.Unit}}
	}
	return nil
}

// Totals returns a copy of the total capacity declared for each resource.
func (p *Pool) Totals() map[string]Amount {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]Amount, len(p.resources))
	for name, e := range p.resources {
		out[name] = e.total
	}
	return out
}

// Acquirable returns the currently-available amount of a single resource, or
// ok=false if the resource is unknown to this pool.
func (p *Pool) Acquirable(name string) (Amount, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.resources[name]
	if !ok {
		return Amount{}, false
	}
	return e.acquirable(), true
}

// Available reports whether every resource in request could be acquired
// right now. An unknown resource or a request that exceeds the resource's
// total capacity is a hard error (it can never succeed, regardless of
// current usage); any other shortfall is reported as a plain false (the
// recoverable, transient case the scheduler retries later).
func (p *Pool) Available(request map[string]string, requestor string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.availableLocked(request, requestor)
}

func (p *Pool) availableLocked(request map[string]string, requestor string) (bool, error) {
	ok := true
	for name, raw := range request {
		amount, err := Parse(raw)
		if err != nil {
			return false, fmt.Errorf("resource: requestor %q: %w", requestor, err)
		}

		e, known := p.resources[name]
		if !known {
			p.logger.Warn().Str("requestor", requestor).Str("resource", name).Msg("unknown resource requested")
			return false, fmt.Errorf("resource: %q unknown on this host", name)
		}

		if amount.Unit != e.total.Unit {
			return false, fmt.Errorf("resource: %q requested with unit %q, host declares unit %q", name, amount.Unit, e.total.Unit)
		}

		if amount.Total > e.total.Total {
			return false, fmt.Errorf("resource: requestor %q requested %s of %q, exceeding host total %s", requestor, amount, name, e.total)
		}

		if amount.Total+e.inUse.Total > e.total.Total {
			p.logger.Debug().Str("requestor", requestor).Str("resource", name).Msg("resource temporarily unavailable")
			ok = false
		}
	}
	return ok, nil
}

// Acquire attempts to reserve every resource in request atomically: it calls
// Available first, and only mutates in_use if every resource can be
// satisfied. A false return with a nil error is the transient/recoverable
// case; a non-nil error is fatal for the request (unknown resource or an
// amount that can never fit).
func (p *Pool) Acquire(request map[string]string, requestor string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ok, err := p.availableLocked(request, requestor)
	if err != nil || !ok {
		return false, err
	}

	for name, raw := range request {
		amount, _ := Parse(raw)
		e := p.resources[name]
		e.inUse = e.inUse.Add(amount)
	}

	p.logger.Debug().Str("requestor", requestor).Interface("request", request).Msg("acquired resources")
	return true, nil
}

// Release returns resources previously acquired by requestor. Releasing more
// than is currently held is logged as a warning, not a fatal error, and
// in_use is clamped at zero rather than allowed to go negative.
func (p *Pool) Release(request map[string]string, requestor string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for name, raw := range request {
		amount, err := Parse(raw)
		if err != nil {
			p.logger.Warn().Str("requestor", requestor).Str("resource", name).Err(err).Msg("cannot release unparsable amount")
			continue
		}

		e, ok := p.resources[name]
		if !ok {
			p.logger.Warn().Str("requestor", requestor).Str("resource", name).Msg("release of unknown resource ignored")
			continue
		}

		if amount.Total > e.inUse.Total {
			p.logger.Warn().
				Str("requestor", requestor).
				Str("resource", name).
				Str("releasing", amount.String()).
				Str("in_use", e.inUse.String()).
				Msg("release exceeds in-use amount, clamping to zero")
		}
		e.inUse = e.inUse.Sub(amount)
	}
}
