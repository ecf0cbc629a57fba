package methodhub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"k8s.io/klog/v2"

	"github.com/xuezhaojun/telemetryrelay/pkg/methods"
)

var registrationSeq atomic.Int64

type registration struct {
	id       string
	deviceID string
	handler  methods.Handler
}

// Registry holds the in-process method handlers of connected devices.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]*registration // deviceID -> registration
	// changed is closed and replaced on every Register.
	changed chan struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]*registration),
		changed:  make(chan struct{}),
	}
}

// Register installs h as the handler for deviceID, replacing any existing
// one. The returned function removes this registration only.
func (r *Registry) Register(deviceID string, h methods.Handler) (unregister func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.handlers[deviceID]; ok {
		klog.InfoS("Replacing existing handler for device", "device_id", deviceID, "old_registration_id", existing.id)
	}

	reg := &registration{
		id:       fmt.Sprintf("registration-%d", registrationSeq.Add(1)),
		deviceID: deviceID,
		handler:  h,
	}
	r.handlers[deviceID] = reg
	close(r.changed)
	r.changed = make(chan struct{})

	klog.InfoS("Registered device handler", "device_id", deviceID, "registration_id", reg.id)
	return func() { r.unregister(deviceID, reg.id) }
}

func (r *Registry) unregister(deviceID, registrationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.handlers[deviceID]
	if !ok {
		return
	}
	// Only remove if the registration matches, a newer one may have replaced it
	if reg.id == registrationID {
		delete(r.handlers, deviceID)
		klog.InfoS("Unregistered device handler", "device_id", deviceID, "registration_id", registrationID)
	}
}

// Get returns the handler for deviceID, or nil.
func (r *Registry) Get(deviceID string) methods.Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.handlers[deviceID]
	if !ok {
		return nil
	}
	return reg.handler
}

// Wait returns the handler for deviceID, waiting for the device to register
// until ctx is done. It returns nil if the device never registers.
func (r *Registry) Wait(ctx context.Context, deviceID string) methods.Handler {
	for {
		r.mu.RLock()
		reg, ok := r.handlers[deviceID]
		changed := r.changed
		r.mu.RUnlock()
		if ok {
			return reg.handler
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return nil
		}
	}
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Close drops every registration.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = make(map[string]*registration)
}
