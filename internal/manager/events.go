package manager

import "github.com/freedesktop/identityd/internal/identity"

// An EventHandler observes identity lifecycle events. Implementations
// should not block; handlers run on whatever goroutine calls Run.
type EventHandler interface {
	OnIdentityAdded(id *identity.Identity)
	OnIdentityRemoved(id *identity.Identity)
	OnIdentityRenewed(id *identity.Identity)
	OnIdentityRenamed(id *identity.Identity)
	OnIdentityExpired(id *identity.Identity)
}

// EventHandlerFuncs is an adapter that lets callers implement only the
// EventHandler methods they care about.
type EventHandlerFuncs struct {
	AddFunc    func(id *identity.Identity)
	RemoveFunc func(id *identity.Identity)
	RenewFunc  func(id *identity.Identity)
	RenameFunc func(id *identity.Identity)
	ExpireFunc func(id *identity.Identity)
}

func (f EventHandlerFuncs) OnIdentityAdded(id *identity.Identity) {
	if f.AddFunc != nil {
		f.AddFunc(id)
	}
}

func (f EventHandlerFuncs) OnIdentityRemoved(id *identity.Identity) {
	if f.RemoveFunc != nil {
		f.RemoveFunc(id)
	}
}

func (f EventHandlerFuncs) OnIdentityRenewed(id *identity.Identity) {
	if f.RenewFunc != nil {
		f.RenewFunc(id)
	}
}

func (f EventHandlerFuncs) OnIdentityRenamed(id *identity.Identity) {
	if f.RenameFunc != nil {
		f.RenameFunc(id)
	}
}

func (f EventHandlerFuncs) OnIdentityExpired(id *identity.Identity) {
	if f.ExpireFunc != nil {
		f.ExpireFunc(id)
	}
}

// AddEventHandler registers h to receive every subsequent lifecycle event.
func (m *Manager) AddEventHandler(h EventHandler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers = append(m.handlers, h)
}

func (m *Manager) handlerSnapshot() []EventHandler {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	return append([]EventHandler(nil), m.handlers...)
}

// post enqueues fn onto the dispatch loop. It is called from the worker
// goroutine; fn itself runs later, on whatever goroutine is draining Run.
func (m *Manager) post(fn func(h EventHandler)) {
	closure := func() {
		for _, h := range m.handlerSnapshot() {
			fn(h)
		}
	}
	select {
	case m.dispatch <- closure:
	case <-m.schedulerCtx.Done():
	}
}

func (m *Manager) emitAdded(id *identity.Identity) {
	m.post(func(h EventHandler) { h.OnIdentityAdded(id) })
}

func (m *Manager) emitRemoved(id *identity.Identity) {
	m.post(func(h EventHandler) { h.OnIdentityRemoved(id) })
}

func (m *Manager) emitRenewed(id *identity.Identity) {
	m.post(func(h EventHandler) { h.OnIdentityRenewed(id) })
}

func (m *Manager) emitRenamed(id *identity.Identity) {
	m.post(func(h EventHandler) { h.OnIdentityRenamed(id) })
}

func (m *Manager) emitExpired(id *identity.Identity) {
	m.post(func(h EventHandler) { h.OnIdentityExpired(id) })
}
