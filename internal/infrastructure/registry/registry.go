package registry

import (
	"fmt"
	"sync"

	"github.com/Zhima-Mochi/payflow/internal/domain/plugin"
)

// Registry is the in-process plugin directory. Plugins register at boot and
// lookups are read-only afterwards, but a mutex keeps late registration safe.
type Registry struct {
	mu       sync.RWMutex
	payments map[string]plugin.PaymentPlugin
	controls map[string]plugin.ControlPlugin
}

func New() *Registry {
	return &Registry{
		payments: make(map[string]plugin.PaymentPlugin),
		controls: make(map[string]plugin.ControlPlugin),
	}
}

func (r *Registry) RegisterPaymentPlugin(p plugin.PaymentPlugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payments[p.Name()] = p
}

func (r *Registry) RegisterControlPlugin(c plugin.ControlPlugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.controls[c.Name()] = c
}

func (r *Registry) PaymentPlugin(name string) (plugin.PaymentPlugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.payments[name]
	if !ok {
		return nil, fmt.Errorf("payment plugin %q: %w", name, plugin.ErrUnknownPlugin)
	}
	return p, nil
}

func (r *Registry) ControlPlugin(name string) (plugin.ControlPlugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.controls[name]
	if !ok {
		return nil, fmt.Errorf("control plugin %q: %w", name, plugin.ErrUnknownPlugin)
	}
	return c, nil
}
