package host

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/cast"
)

// AccessHook runs before a Var value is read through Get. A source uses it
// to refresh its image on demand.
type AccessHook func(ctx context.Context) error

// ChangeHook runs after a Var is set. Returning an error rejects the value
// and restores the previous one.
type ChangeHook func(ctx context.Context, value any) error

type hookEntry[T any] struct {
	id uint64
	fn T
}

// Var is a named, typed value owned by an Object.
type Var struct {
	obj      *Object
	name     string
	readOnly bool

	mu    sync.RWMutex
	value any

	hookMu sync.Mutex
	nextID uint64
	access []hookEntry[AccessHook]
	change []hookEntry[ChangeHook]
}

// VarOption configures a Var at creation.
type VarOption func(*Var)

// ReadOnly rejects Set from outside the owning component. Store still works.
func ReadOnly() VarOption {
	return func(v *Var) { v.readOnly = true }
}

// Name returns the var name.
func (v *Var) Name() string { return v.name }

// Object returns the owning object.
func (v *Var) Object() *Object { return v.obj }

// ReadOnly reports whether Set is rejected.
func (v *Var) ReadOnly() bool { return v.readOnly }

// Path returns "object.var".
func (v *Var) Path() string { return v.obj.name + "." + v.name }

// Get runs the access hooks and returns the current value. A hook error is
// returned with the value as it stood before the hooks ran.
func (v *Var) Get(ctx context.Context) (any, error) {
	for _, h := range v.accessHooks() {
		if err := h(ctx); err != nil {
			return v.Value(), fmt.Errorf("%s: access: %w", v.Path(), err)
		}
	}
	return v.Value(), nil
}

// Value returns the current value without running hooks.
func (v *Var) Value() any {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.value
}

// Set coerces value to the var's type, stores it and runs the change hooks.
// If a hook fails the previous value is restored and the error returned.
func (v *Var) Set(ctx context.Context, value any) error {
	if v.readOnly {
		return fmt.Errorf("%w: %s", ErrReadOnly, v.Path())
	}
	return v.set(ctx, value)
}

// Notify stores value and runs the change hooks even on a read-only var.
// Owners use it to publish values they compute.
func (v *Var) Notify(ctx context.Context, value any) error {
	return v.set(ctx, value)
}

func (v *Var) set(ctx context.Context, value any) error {
	v.mu.Lock()
	coerced, err := coerce(v.value, value)
	if err != nil {
		v.mu.Unlock()
		return fmt.Errorf("%w: %s: %v", ErrBadValue, v.Path(), err)
	}
	prev := v.value
	v.value = coerced
	v.mu.Unlock()

	for _, h := range v.changeHooks() {
		if err := h(ctx, coerced); err != nil {
			v.mu.Lock()
			v.value = prev
			v.mu.Unlock()
			return fmt.Errorf("%s: %w", v.Path(), err)
		}
	}

	if v.obj != nil && v.obj.host != nil {
		v.obj.host.emit(Event{Object: v.obj.name, Var: v.name, Value: coerced})
	}
	return nil
}

// Store replaces the value without coercion or hooks.
func (v *Var) Store(value any) {
	v.mu.Lock()
	v.value = value
	v.mu.Unlock()
}

// Int returns the value as an int.
func (v *Var) Int() int { return cast.ToInt(v.Value()) }

// Float returns the value as a float64.
func (v *Var) Float() float64 { return cast.ToFloat64(v.Value()) }

// Bool returns the value as a bool.
func (v *Var) Bool() bool { return cast.ToBool(v.Value()) }

// String returns the value as a string.
func (v *Var) String() string { return cast.ToString(v.Value()) }

// NotifyAccess registers h and returns a func that removes it.
func (v *Var) NotifyAccess(h AccessHook) func() {
	v.hookMu.Lock()
	defer v.hookMu.Unlock()

	v.nextID++
	id := v.nextID
	v.access = append(v.access, hookEntry[AccessHook]{id: id, fn: h})
	return func() {
		v.hookMu.Lock()
		defer v.hookMu.Unlock()
		v.access = removeHook(v.access, id)
	}
}

// NotifyChange registers h and returns a func that removes it.
func (v *Var) NotifyChange(h ChangeHook) func() {
	v.hookMu.Lock()
	defer v.hookMu.Unlock()

	v.nextID++
	id := v.nextID
	v.change = append(v.change, hookEntry[ChangeHook]{id: id, fn: h})
	return func() {
		v.hookMu.Lock()
		defer v.hookMu.Unlock()
		v.change = removeHook(v.change, id)
	}
}

// Hooks returns the number of registered access and change hooks.
func (v *Var) Hooks() (access, change int) {
	v.hookMu.Lock()
	defer v.hookMu.Unlock()
	return len(v.access), len(v.change)
}

func (v *Var) accessHooks() []AccessHook {
	v.hookMu.Lock()
	defer v.hookMu.Unlock()
	out := make([]AccessHook, len(v.access))
	for i, e := range v.access {
		out[i] = e.fn
	}
	return out
}

func (v *Var) changeHooks() []ChangeHook {
	v.hookMu.Lock()
	defer v.hookMu.Unlock()
	out := make([]ChangeHook, len(v.change))
	for i, e := range v.change {
		out[i] = e.fn
	}
	return out
}

func removeHook[T any](hooks []hookEntry[T], id uint64) []hookEntry[T] {
	for i, e := range hooks {
		if e.id == id {
			return append(hooks[:i:i], hooks[i+1:]...)
		}
	}
	return hooks
}

// coerce converts value to the dynamic type of cur. Vars holding anything
// other than a scalar accept any value.
func coerce(cur, value any) (any, error) {
	switch cur.(type) {
	case int:
		return cast.ToIntE(value)
	case int64:
		return cast.ToInt64E(value)
	case uint64:
		return cast.ToUint64E(value)
	case float64:
		return cast.ToFloat64E(value)
	case bool:
		return cast.ToBoolE(value)
	case string:
		return cast.ToStringE(value)
	default:
		return value, nil
	}
}
