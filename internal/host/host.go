// Package host is the variable-binding layer that components publish
// through: objects own named vars, vars run hooks when read or written,
// and each object gets an update callback at a configurable period.
package host

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrUnknownObject = errors.New("unknown object")
	ErrUnknownVar    = errors.New("unknown var")
	ErrDuplicate     = errors.New("already exists")
	ErrReadOnly      = errors.New("read-only var")
	ErrBadValue      = errors.New("bad value")
)

// Event reports a successful var change.
type Event struct {
	Object string `json:"object"`
	Var    string `json:"var"`
	Value  any    `json:"value"`
}

// Host owns the objects of one process.
type Host struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	objects map[string]*Object
	closed  bool

	watchMu  sync.Mutex
	nextID   uint64
	watchers map[uint64]func(Event)
}

// New creates an empty host.
func New() *Host {
	ctx, cancel := context.WithCancel(context.Background())
	return &Host{
		ctx:      ctx,
		cancel:   cancel,
		objects:  make(map[string]*Object),
		watchers: make(map[uint64]func(Event)),
	}
}

// NewObject creates and registers an object. Its scheduler starts disabled.
func (h *Host) NewObject(name string) (*Object, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, fmt.Errorf("host closed")
	}
	if name == "" {
		return nil, fmt.Errorf("%w: empty object name", ErrBadValue)
	}
	if _, ok := h.objects[name]; ok {
		return nil, fmt.Errorf("%w: object %s", ErrDuplicate, name)
	}
	o := newObject(h.ctx, h, name)
	h.objects[name] = o
	return o, nil
}

// Object looks up an object by name.
func (h *Host) Object(name string) (*Object, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	o, ok := h.objects[name]
	return o, ok
}

// Objects returns all objects sorted by name.
func (h *Host) Objects() []*Object {
	h.mu.RLock()
	out := make([]*Object, 0, len(h.objects))
	for _, o := range h.objects {
		out = append(out, o)
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Lookup resolves "object", "var" to a Var.
func (h *Host) Lookup(object, name string) (*Var, error) {
	o, ok := h.Object(object)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownObject, object)
	}
	v, ok := o.Var(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownVar, object, name)
	}
	return v, nil
}

// RemoveObject stops the object's scheduler and unregisters it.
func (h *Host) RemoveObject(name string) {
	h.mu.Lock()
	o, ok := h.objects[name]
	delete(h.objects, name)
	h.mu.Unlock()

	if ok {
		o.close()
	}
}

// Watch registers fn for every successful var change and returns a func
// that removes it. fn runs on the setter's goroutine and must not block.
func (h *Host) Watch(fn func(Event)) func() {
	h.watchMu.Lock()
	defer h.watchMu.Unlock()

	h.nextID++
	id := h.nextID
	h.watchers[id] = fn
	return func() {
		h.watchMu.Lock()
		defer h.watchMu.Unlock()
		delete(h.watchers, id)
	}
}

func (h *Host) emit(ev Event) {
	h.watchMu.Lock()
	fns := make([]func(Event), 0, len(h.watchers))
	for _, fn := range h.watchers {
		fns = append(fns, fn)
	}
	h.watchMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Close stops every scheduler and waits for running callbacks. Objects
// stay readable.
func (h *Host) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	objs := make([]*Object, 0, len(h.objects))
	for _, o := range h.objects {
		objs = append(objs, o)
	}
	h.mu.Unlock()

	h.cancel()
	for _, o := range objs {
		<-o.done
	}
}
