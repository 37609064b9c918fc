package host

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/framegrab/internal/logger"
)

// UpdateFunc is the periodic callback of an object.
type UpdateFunc func(ctx context.Context) error

// Object is a named group of vars with an optional periodic update.
type Object struct {
	host *Host
	name string
	log  *zerolog.Logger

	mu     sync.Mutex
	vars   map[string]*Var
	update UpdateFunc
	period time.Duration
	ticks  uint64

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

func newObject(parent context.Context, h *Host, name string) *Object {
	ctx, cancel := context.WithCancel(parent)
	o := &Object{
		host:   h,
		name:   name,
		log:    logger.WithObject("host", name),
		vars:   make(map[string]*Var),
		wake:   make(chan struct{}, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go o.schedule(ctx)
	return o
}

// Name returns the object name.
func (o *Object) Name() string { return o.name }

// NewVar adds a var whose initial value also fixes its type for coercion.
func (o *Object) NewVar(name string, initial any, opts ...VarOption) (*Var, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.vars[name]; ok {
		return nil, fmt.Errorf("%w: var %s.%s", ErrDuplicate, o.name, name)
	}
	v := &Var{obj: o, name: name, value: initial}
	for _, opt := range opts {
		opt(v)
	}
	o.vars[name] = v
	return v, nil
}

// Var looks up a var by name.
func (o *Object) Var(name string) (*Var, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	v, ok := o.vars[name]
	return v, ok
}

// Vars returns the object's vars sorted by name.
func (o *Object) Vars() []*Var {
	o.mu.Lock()
	out := make([]*Var, 0, len(o.vars))
	for _, v := range o.vars {
		out = append(out, v)
	}
	o.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// SetUpdate installs the periodic callback.
func (o *Object) SetUpdate(fn UpdateFunc) {
	o.mu.Lock()
	o.update = fn
	o.mu.Unlock()
}

// SetUpdatePeriod changes the callback period; d <= 0 stops the callbacks.
// The new period applies from the next tick.
func (o *Object) SetUpdatePeriod(d time.Duration) {
	if d < 0 {
		d = 0
	}
	o.mu.Lock()
	o.period = d
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// UpdatePeriod returns the current callback period.
func (o *Object) UpdatePeriod() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.period
}

// Ticks returns how many update callbacks have run.
func (o *Object) Ticks() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ticks
}

// schedule drives the update callback. Ticks that arrive while a callback
// is still running are dropped.
func (o *Object) schedule(ctx context.Context) {
	defer close(o.done)

	var ticker *time.Ticker
	var tick <-chan time.Time
	var current time.Duration
	stop := func() {
		if ticker != nil {
			ticker.Stop()
			ticker = nil
			tick = nil
		}
	}
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-o.wake:
			p := o.UpdatePeriod()
			if p == current {
				continue
			}
			current = p
			switch {
			case p <= 0:
				stop()
			case ticker == nil:
				ticker = time.NewTicker(p)
				tick = ticker.C
			default:
				ticker.Reset(p)
			}
			o.log.Debug().Dur("period", p).Msg("Update period changed")

		case <-tick:
			o.mu.Lock()
			fn := o.update
			o.ticks++
			o.mu.Unlock()

			if fn != nil {
				if err := fn(ctx); err != nil && ctx.Err() == nil {
					o.log.Warn().Err(err).Msg("Update failed")
				}
			}

			if tick != nil {
				select {
				case <-tick:
				default:
				}
			}
		}
	}
}

// close stops the scheduler and waits for a running callback to return.
func (o *Object) close() {
	o.cancel()
	<-o.done
}
