package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"k8s.io/klog/v2"
)

var errSessionManagerClosed = errors.New("session manager is closed")

// dialFunc opens the datagram socket for one device session.
type dialFunc func(ctx context.Context, address string) (net.Conn, error)

func dialUDP(ctx context.Context, address string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "udp", address)
}

// sessionManager owns one session per device id. Sessions are created lazily
// on the first record for a device and live until they fail or the manager
// is closed.
type sessionManager struct {
	config   *Config
	metrics  *Metrics
	sessions map[string]*session
	lock     sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	dial     dialFunc
	// readers tracks the per-session read loops.
	readers sync.WaitGroup

	// onCommand is called from a session's read loop for every datagram.
	onCommand func(deviceID string, payload []byte)
	// onError is called once when a session fails, after it is evicted.
	onError func(deviceID string, err error)
}

func newSessionManager(ctx context.Context, config *Config, metrics *Metrics,
	onCommand func(string, []byte), onError func(string, error)) *sessionManager {
	ctx, cancel := context.WithCancel(ctx)
	return &sessionManager{
		config:    config,
		metrics:   metrics,
		sessions:  make(map[string]*session),
		ctx:       ctx,
		cancel:    cancel,
		dial:      dialUDP,
		onCommand: onCommand,
		onError:   onError,
	}
}

// Resolve returns the session for deviceID, creating it when none exists.
// Concurrent callers for the same device always get the same session.
func (m *sessionManager) Resolve(deviceID string) (*session, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if s, ok := m.sessions[deviceID]; ok {
		return s, nil
	}
	if m.ctx.Err() != nil {
		return nil, errSessionManagerClosed
	}

	conn, err := m.dial(m.ctx, m.config.AgentEndpoint())
	if err != nil {
		return nil, fmt.Errorf("failed to open datagram socket for device %s: %w", deviceID, err)
	}

	ctx, cancel := context.WithCancel(m.ctx)
	s := &session{
		deviceID: deviceID,
		conn:     conn,
		ctx:      ctx,
		cancel:   cancel,
		manager:  m,
	}
	m.sessions[deviceID] = s
	m.metrics.SessionsCreated.Inc()
	m.metrics.SessionsActive.Inc()

	m.readers.Add(1)
	go s.readLoop()

	klog.InfoS("New device session", "device_id", deviceID,
		"local_address", conn.LocalAddr().String(), "agent_address", conn.RemoteAddr().String())
	return s, nil
}

// Len returns the number of registered sessions.
func (m *sessionManager) Len() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.sessions)
}

func (m *sessionManager) get(deviceID string) (*session, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	s, ok := m.sessions[deviceID]
	return s, ok
}

// remove evicts s if it is still the registered session for its device.
func (m *sessionManager) remove(s *session) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if current, ok := m.sessions[s.deviceID]; ok && current == s {
		delete(m.sessions, s.deviceID)
		m.metrics.SessionsActive.Dec()
		klog.V(4).InfoS("Removed device session", "device_id", s.deviceID)
	}
}

// Close closes every session and waits for their read loops to exit.
func (m *sessionManager) Close() {
	m.cancel()

	m.lock.Lock()
	for _, s := range m.sessions {
		s.close()
	}
	m.metrics.SessionsActive.Sub(float64(len(m.sessions)))
	m.sessions = make(map[string]*session)
	m.lock.Unlock()

	m.readers.Wait()
}
