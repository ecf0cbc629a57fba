package integration

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"k8s.io/klog/v2"

	"github.com/xuezhaojun/telemetryrelay/pkg/methodhub"
	"github.com/xuezhaojun/telemetryrelay/pkg/methods"
	"github.com/xuezhaojun/telemetryrelay/pkg/relay"
	"github.com/xuezhaojun/telemetryrelay/pkg/stream"
)

// Datagram is one payload received by the mock agent.
type Datagram struct {
	From    *net.UDPAddr
	Payload []byte
}

// MockAgent is a local UDP agent. Every datagram it receives is recorded and,
// when a responder is set, answered on the sender's address.
type MockAgent struct {
	conn      *net.UDPConn
	mu        sync.RWMutex
	received  []Datagram
	responder func(payload []byte) []byte
}

func startMockAgent() (*MockAgent, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	a := &MockAgent{conn: conn}
	go a.serve()
	return a, nil
}

func (a *MockAgent) serve() {
	buffer := make([]byte, 64*1024)
	for {
		n, from, err := a.conn.ReadFromUDP(buffer)
		if err != nil {
			return
		}
		payload := make([]byte, n)
		copy(payload, buffer[:n])

		a.mu.Lock()
		a.received = append(a.received, Datagram{From: from, Payload: payload})
		responder := a.responder
		a.mu.Unlock()

		if responder == nil {
			continue
		}
		if reply := responder(payload); reply != nil {
			if _, err := a.conn.WriteToUDP(reply, from); err != nil {
				klog.ErrorS(err, "Mock agent failed to reply", "to", from.String())
			}
		}
	}
}

// Port returns the agent's UDP port.
func (a *MockAgent) Port() int {
	return a.conn.LocalAddr().(*net.UDPAddr).Port
}

// SetResponder installs fn to answer every following datagram.
func (a *MockAgent) SetResponder(fn func(payload []byte) []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.responder = fn
}

// Received returns a copy of every datagram received so far.
func (a *MockAgent) Received() []Datagram {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]Datagram(nil), a.received...)
}

// Payloads returns the received payloads as strings.
func (a *MockAgent) Payloads() []string {
	var out []string
	for _, d := range a.Received() {
		out = append(out, string(d.Payload))
	}
	return out
}

func (a *MockAgent) Stop() {
	a.conn.Close()
}

// MockDevice answers direct method calls routed to it by the hub.
type MockDevice struct {
	ID      string
	mu      sync.RWMutex
	calls   []*methods.Request
	respond func(req *methods.Request) (*methods.Response, error)
}

func (d *MockDevice) HandleMethod(ctx context.Context, req *methods.Request) (*methods.Response, error) {
	d.mu.Lock()
	d.calls = append(d.calls, req)
	respond := d.respond
	d.mu.Unlock()

	if respond == nil {
		return &methods.Response{Status: methods.StatusOK}, nil
	}
	return respond(req)
}

// Calls returns a copy of every call received so far.
func (d *MockDevice) Calls() []*methods.Request {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]*methods.Request(nil), d.calls...)
}

// Payloads returns the payloads of every call as strings.
func (d *MockDevice) Payloads() []string {
	var out []string
	for _, c := range d.Calls() {
		out = append(out, string(c.Payload))
	}
	return out
}

// TestFramework wires an in-memory stream, a relay, a mock agent and a real
// method hub together.
type TestFramework struct {
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex

	useTLS bool
	tls    *testTLS

	Hub     *methodhub.Server
	hubDone chan error

	Agent  *MockAgent
	Source *stream.MemorySource

	Relay        *relay.Relay
	RelayConfig  *relay.Config
	relayCancel  context.CancelFunc
	relayStopped chan struct{}
	relayErr     error
	devices      map[string]*MockDevice
	unregistered []func()
}

// NewTestFramework creates a framework whose stream has the given partitions.
func NewTestFramework(useTLS bool, partitionIDs ...string) *TestFramework {
	ctx, cancel := context.WithCancel(context.Background())
	if len(partitionIDs) == 0 {
		partitionIDs = []string{"0", "1", "2"}
	}
	return &TestFramework{
		ctx:     ctx,
		cancel:  cancel,
		useTLS:  useTLS,
		Source:  stream.NewMemorySource(partitionIDs...),
		devices: make(map[string]*MockDevice),
	}
}

// Setup starts the hub and the agent.
func (f *TestFramework) Setup() error {
	if f.useTLS {
		t, err := generateTestTLS()
		if err != nil {
			return fmt.Errorf("failed to generate certificates: %w", err)
		}
		f.tls = t
	}

	if err := f.startHub(); err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}

	agent, err := startMockAgent()
	if err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}
	f.Agent = agent
	return nil
}

func (f *TestFramework) startHub() error {
	config := methodhub.DefaultConfig()
	config.GRPCListenAddress = "127.0.0.1:0"
	config.HTTPListenAddress = "127.0.0.1:0"
	if f.tls != nil {
		config.GRPCTLSConfig = f.tls.serverConfig
	}

	hub, err := methodhub.New(config)
	if err != nil {
		return err
	}
	f.Hub = hub
	f.hubDone = make(chan error, 1)
	go func() {
		f.hubDone <- hub.Run(f.ctx)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !hub.Ready() {
		if time.Now().After(deadline) {
			return fmt.Errorf("hub not ready")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

// StopHub shuts the hub down while the relay keeps running.
func (f *TestFramework) StopHub() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f.Hub.Shutdown(ctx)
}

// AddDevice registers a device with the hub. A nil respond answers 200.
func (f *TestFramework) AddDevice(id string, respond func(req *methods.Request) (*methods.Response, error)) *MockDevice {
	f.mu.Lock()
	defer f.mu.Unlock()

	device := &MockDevice{ID: id, respond: respond}
	f.devices[id] = device
	f.unregistered = append(f.unregistered, f.Hub.Registry().Register(id, device))
	return device
}

// StartRelay runs a relay against the hub. mutate may adjust the config.
func (f *TestFramework) StartRelay(mutate func(*relay.Config)) error {
	config := relay.DefaultConfig()
	config.AgentPort = f.Agent.Port()
	config.ReadPollInterval = 50 * time.Millisecond
	config.ConnectTimeout = 2 * time.Second
	config.ResponseTimeout = 2 * time.Second
	config.StartupTimeout = 2 * time.Second
	config.BackoffFactory = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 50 * time.Millisecond
		b.MaxInterval = 500 * time.Millisecond
		return b
	}
	config.Metrics = relay.NewMetrics()
	if mutate != nil {
		mutate(config)
	}

	invoker, err := f.NewHubInvoker()
	if err != nil {
		return err
	}
	return f.StartRelayWith(config, invoker)
}

// StartRelayWith runs a relay with an explicit invoker.
func (f *TestFramework) StartRelayWith(config *relay.Config, invoker methods.Invoker) error {
	f.RelayConfig = config
	f.Relay = relay.New(config, f.Source, invoker)

	ctx, cancel := context.WithCancel(f.ctx)
	f.relayCancel = cancel
	f.relayStopped = make(chan struct{})
	go func() {
		f.relayErr = f.Relay.Run(ctx)
		close(f.relayStopped)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for f.Relay.State() == relay.StateStarting {
		if time.Now().After(deadline) {
			return fmt.Errorf("relay did not start")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

// NewHubInvoker dials the hub's gRPC endpoint.
func (f *TestFramework) NewHubInvoker() (*methods.GRPCInvoker, error) {
	creds := insecure.NewCredentials()
	if f.tls != nil {
		creds = credentials.NewTLS(f.tls.clientConfig)
	}
	return methods.NewGRPCInvoker(&methods.GRPCConfig{
		Address:     f.Hub.GRPCAddress(),
		DialOptions: []grpc.DialOption{grpc.WithTransportCredentials(creds)},
	})
}

// StopRelay cancels the relay and returns what Run returned.
func (f *TestFramework) StopRelay() error {
	f.relayCancel()
	select {
	case <-f.relayStopped:
		return f.relayErr
	case <-time.After(10 * time.Second):
		return fmt.Errorf("relay did not stop")
	}
}

// RelayStopped is closed once Run has returned.
func (f *TestFramework) RelayStopped() <-chan struct{} {
	return f.relayStopped
}

// RelayErr is what Run returned. Only valid once RelayStopped is closed.
func (f *TestFramework) RelayErr() error {
	<-f.relayStopped
	return f.relayErr
}

// Publish appends a telemetry record from deviceID to a partition.
func (f *TestFramework) Publish(partitionID, deviceID, body string) error {
	return f.Source.Publish(partitionID, &stream.Record{
		Body:        []byte(body),
		Annotations: map[string]any{stream.DeviceIDAnnotation: deviceID},
	})
}

// Cleanup tears down the test environment
func (f *TestFramework) Cleanup() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cancel()

	if f.relayStopped != nil {
		select {
		case <-f.relayStopped:
		case <-time.After(10 * time.Second):
			klog.InfoS("Relay did not stop in time")
		}
	}
	for _, unregister := range f.unregistered {
		unregister()
	}
	if f.Agent != nil {
		f.Agent.Stop()
	}
	if f.Hub != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		f.Hub.Shutdown(ctx)
	}
}
