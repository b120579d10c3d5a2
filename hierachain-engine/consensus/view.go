package consensus

import (
	"fmt"
	"sync"
	"time"
)

// ViewManager tracks the current view, its primary and the inactivity
// timer that triggers view changes.
type ViewManager struct {
	nodes   []string
	f       int
	timeout time.Duration
	now     func() time.Time

	currentView  uint64
	pendingView  uint64
	changing     bool
	lastActivity time.Time

	mu sync.RWMutex
}

// NewViewManager creates a view manager starting at view 0.
func NewViewManager(nodes []string, f int, timeout time.Duration) (*ViewManager, error) {
	if f < 1 || len(nodes) < 3*f+1 {
		return nil, fmt.Errorf("%w: n=%d, f=%d", ErrInsufficientNodes, len(nodes), f)
	}
	seen := make(map[string]struct{}, len(nodes))
	for _, id := range nodes {
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateNode, id)
		}
		seen[id] = struct{}{}
	}

	vm := &ViewManager{
		nodes:   append([]string(nil), nodes...),
		f:       f,
		timeout: timeout,
		now:     time.Now,
	}
	vm.lastActivity = vm.now()
	return vm, nil
}

// SetClock replaces the time source and restarts the inactivity timer.
func (vm *ViewManager) SetClock(now func() time.Time) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.now = now
	vm.lastActivity = now()
}

// Primary returns the primary of view v.
func (vm *ViewManager) Primary(v uint64) string {
	return vm.nodes[v%uint64(len(vm.nodes))]
}

// CurrentView returns the installed view.
func (vm *ViewManager) CurrentView() uint64 {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.currentView
}

// CurrentPrimary returns the primary of the installed view.
func (vm *ViewManager) CurrentPrimary() string {
	return vm.Primary(vm.CurrentView())
}

// IsPrimary reports whether id leads the installed view.
func (vm *ViewManager) IsPrimary(id string) bool {
	return vm.CurrentPrimary() == id
}

// Nodes returns the agreed node order.
func (vm *ViewManager) Nodes() []string {
	return append([]string(nil), vm.nodes...)
}

func (vm *ViewManager) N() int { return len(vm.nodes) }

func (vm *ViewManager) F() int { return vm.f }

// QuorumSize is 2f+1.
func (vm *ViewManager) QuorumSize() int { return 2*vm.f + 1 }

// WeakQuorumSize is f+1.
func (vm *ViewManager) WeakQuorumSize() int { return vm.f + 1 }

// RecordActivity resets the inactivity timer.
func (vm *ViewManager) RecordActivity() {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.lastActivity = vm.now()
}

// ShouldTriggerViewChange reports whether the inactivity timer expired.
func (vm *ViewManager) ShouldTriggerViewChange() bool {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.now().Sub(vm.lastActivity) > vm.timeout
}

// StartViewChange marks a view change in progress and returns the target
// view. Calling it again while a change is pending returns the same target.
func (vm *ViewManager) StartViewChange() uint64 {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if !vm.changing {
		vm.changing = true
		vm.pendingView = vm.currentView + 1
	}
	vm.lastActivity = vm.now()
	return vm.pendingView
}

// EscalateViewChange moves a stalled view change to the next view.
func (vm *ViewManager) EscalateViewChange() uint64 {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if !vm.changing {
		vm.changing = true
		vm.pendingView = vm.currentView
	}
	vm.pendingView++
	vm.lastActivity = vm.now()
	return vm.pendingView
}

// JoinViewChange adopts target as the pending view if it is ahead of both
// the installed view and any pending one.
func (vm *ViewManager) JoinViewChange(target uint64) bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if target <= vm.currentView || (vm.changing && target <= vm.pendingView) {
		return false
	}
	vm.changing = true
	vm.pendingView = target
	vm.lastActivity = vm.now()
	return true
}

// CompleteViewChange installs view v.
func (vm *ViewManager) CompleteViewChange(v uint64) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if v <= vm.currentView {
		return fmt.Errorf("%w: %d -> %d", ErrInvalidViewTransition, vm.currentView, v)
	}
	vm.currentView = v
	vm.pendingView = 0
	vm.changing = false
	vm.lastActivity = vm.now()
	return nil
}

// ViewChanging reports whether a view change is in progress.
func (vm *ViewManager) ViewChanging() bool {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.changing
}

// PendingView returns the target of the in-progress view change, or the
// current view when none is running.
func (vm *ViewManager) PendingView() uint64 {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	if !vm.changing {
		return vm.currentView
	}
	return vm.pendingView
}
