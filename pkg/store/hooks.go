package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/KevoDB/persist/pkg/common/status"
)

// HookPoint is a step of the commit protocol a hook can stop at.
type HookPoint int

const (
	// HookAfterJournalWrite fires once the journal elements are written but not sealed.
	HookAfterJournalWrite HookPoint = iota + 1
	// HookAfterJournalSeal fires once the db header marks the journal valid.
	HookAfterJournalSeal
	// HookAfterLiveWrite fires once every element is written to its live slot.
	HookAfterLiveWrite
)

func (p HookPoint) String() string {
	switch p {
	case HookAfterJournalWrite:
		return "after_journal_write"
	case HookAfterJournalSeal:
		return "after_journal_seal"
	case HookAfterLiveWrite:
		return "after_live_write"
	default:
		return fmt.Sprintf("hook(%d)", int(p))
	}
}

// HookAction is what a commit does when it reaches an armed hook.
type HookAction int

const (
	// HookWait blocks the commit until the hook is released.
	HookWait HookAction = iota + 1
	// HookCrash stops the commit as if the process died.
	HookCrash
)

func (a HookAction) String() string {
	switch a {
	case HookWait:
		return "wait"
	case HookCrash:
		return "crash"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

var (
	// ErrInvalidHook is returned for an unknown hook point or action.
	ErrInvalidHook = fmt.Errorf("%w: invalid hook", status.ErrConfiguration)
	// ErrHookNotSet is returned when releasing a point with no waiting hook.
	ErrHookNotSet = fmt.Errorf("%w: hook not set", status.ErrNotFound)
)

type hook struct {
	action      HookAction
	reached     chan struct{}
	release     chan struct{}
	reachedOnce sync.Once
	releaseOnce sync.Once
}

// Hooks holds the armed commit hooks. Every hook fires once and is then
// disarmed. A Hooks value outlives the stores it is passed to.
type Hooks struct {
	mu    sync.Mutex
	armed map[HookPoint]*hook
}

// NewHooks creates an empty hook set.
func NewHooks() *Hooks {
	return &Hooks{armed: make(map[HookPoint]*hook)}
}

// Add arms point with action, replacing any hook armed there.
func (h *Hooks) Add(point HookPoint, action HookAction) error {
	if point < HookAfterJournalWrite || point > HookAfterLiveWrite {
		return fmt.Errorf("%w: point %s", ErrInvalidHook, point)
	}
	if action != HookWait && action != HookCrash {
		return fmt.Errorf("%w: action %s", ErrInvalidHook, action)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.armed[point]; ok {
		old.releaseOnce.Do(func() { close(old.release) })
	}
	h.armed[point] = &hook{
		action:  action,
		reached: make(chan struct{}),
		release: make(chan struct{}),
	}
	return nil
}

// Remove disarms point. A commit already waiting there is released.
func (h *Hooks) Remove(point HookPoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.armed[point]; ok {
		old.releaseOnce.Do(func() { close(old.release) })
		delete(h.armed, point)
	}
}

// Release lets a commit waiting at point continue and disarms the hook.
func (h *Hooks) Release(point HookPoint) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	hk, ok := h.armed[point]
	if !ok || hk.action != HookWait {
		return fmt.Errorf("%w: %s", ErrHookNotSet, point)
	}
	hk.releaseOnce.Do(func() { close(hk.release) })
	delete(h.armed, point)
	return nil
}

// Reached returns a channel closed when a commit arrives at point, or nil
// if nothing is armed there.
func (h *Hooks) Reached(point HookPoint) <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	if hk, ok := h.armed[point]; ok {
		return hk.reached
	}
	return nil
}

// fire runs the hook armed at point, if any.
func (h *Hooks) fire(ctx context.Context, point HookPoint) (HookAction, error) {
	if h == nil {
		return 0, nil
	}
	h.mu.Lock()
	hk, ok := h.armed[point]
	if ok && hk.action == HookCrash {
		delete(h.armed, point)
	}
	h.mu.Unlock()
	if !ok {
		return 0, nil
	}

	hk.reachedOnce.Do(func() { close(hk.reached) })
	if hk.action == HookCrash {
		return HookCrash, fmt.Errorf("%w at %s", ErrCrashed, point)
	}

	select {
	case <-hk.release:
		return HookWait, nil
	case <-ctx.Done():
		return HookWait, ctx.Err()
	}
}
