package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/klog/v2"

	"github.com/xuezhaojun/telemetryrelay/pkg/methods"
	"github.com/xuezhaojun/telemetryrelay/pkg/stream"
)

// State is the lifecycle state of a Relay.
type State int32

const (
	StateStarting State = iota
	StateListening
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "Starting"
	case StateListening:
		return "Listening"
	case StateDraining:
		return "Draining"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ErrAlreadyStarted is returned when Run is called more than once.
var ErrAlreadyStarted = errors.New("relay already started")

// ErrDrained wraps every error that caused the relay to drain.
var ErrDrained = errors.New("relay drained")

var errNoPartitions = errors.New("stream has no partitions")

// Relay subscribes to every partition of a telemetry stream, forwards each
// record to the local agent over a per-device datagram session and turns
// every datagram the agent sends back into a direct method invocation.
type Relay struct {
	config  *Config
	source  stream.Source
	invoker methods.Invoker
	metrics *Metrics

	started  atomic.Bool
	state    atomic.Int32
	sessions *sessionManager
	runCtx   context.Context

	drainOnce sync.Once
	drainCh   chan struct{}
	errLock   sync.Mutex
	err       error

	// commands tracks in-flight invocations.
	commands sync.WaitGroup

	// dial overrides how session sockets are opened.
	dial dialFunc
}

// New creates a Relay. The Relay owns source and invoker and closes both when
// Run returns.
func New(config *Config, source stream.Source, invoker methods.Invoker) *Relay {
	if config.BackoffFactory == nil {
		config.BackoffFactory = func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		}
	}
	if config.Metrics == nil {
		config.Metrics = NewMetrics()
	}

	return &Relay{
		config:  config,
		source:  source,
		invoker: invoker,
		metrics: config.Metrics,
		drainCh: make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (r *Relay) State() State {
	return State(r.state.Load())
}

// Run starts a listener on every partition and blocks until the relay drains.
// Cancelling ctx drains cleanly and Run returns nil. A fatal error (a failed
// partition listener, a failed session with FailFast, or a device rejecting a
// command) drains the relay and is returned.
func (r *Relay) Run(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if err := r.config.Validate(); err != nil {
		r.close()
		return fmt.Errorf("invalid relay config: %w", err)
	}

	klog.InfoS("Relay starting", "agent_address", r.config.AgentEndpoint(), "forward_mode", r.config.ForwardMode)
	start := r.config.now().Add(-r.config.StartOffset)

	partitionIDs, err := r.partitionIDs(ctx)
	if err != nil {
		r.close()
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to list partitions: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.runCtx = runCtx
	r.sessions = newSessionManager(runCtx, r.config, r.metrics, r.invokeCommand, r.sessionFailed)
	if r.dial != nil {
		r.sessions.dial = r.dial
	}

	var listeners sync.WaitGroup
	for _, id := range partitionIDs {
		listeners.Add(1)
		go func() {
			defer listeners.Done()
			r.listen(runCtx, id, start)
		}()
	}
	r.state.Store(int32(StateListening))
	klog.InfoS("Relay listening", "partitions", partitionIDs, "start_position", start)

	select {
	case <-ctx.Done():
		klog.InfoS("Context canceled, draining relay")
	case <-r.drainCh:
		klog.InfoS("Relay drain triggered")
	}
	r.state.Store(int32(StateDraining))

	cancel()
	listeners.Wait()
	r.sessions.Close()
	r.commands.Wait()
	r.close()

	return r.recordedError()
}

func (r *Relay) partitionIDs(ctx context.Context) ([]string, error) {
	op := func() ([]string, error) {
		ids, err := r.source.PartitionIDs(ctx)
		if err != nil {
			klog.ErrorS(err, "Failed to list partitions, retrying")
			return nil, err
		}
		if len(ids) == 0 {
			return nil, backoff.Permanent(errNoPartitions)
		}
		return ids, nil
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(r.config.BackoffFactory()),
		backoff.WithMaxElapsedTime(r.config.StartupTimeout))
}

// listen receives one partition until ctx is cancelled. A receive error
// drains the relay.
func (r *Relay) listen(ctx context.Context, partitionID string, start time.Time) {
	klog.V(2).InfoS("Starting partition listener", "partition", partitionID)
	defer klog.V(2).InfoS("Partition listener stopped", "partition", partitionID)

	err := r.source.Receive(ctx, partitionID, start, r.handleRecord)
	if err != nil && ctx.Err() == nil {
		klog.ErrorS(err, "Partition listener failed", "partition", partitionID)
		r.drain(fmt.Errorf("partition %s: %w", partitionID, err))
	}
}

func (r *Relay) handleRecord(record *stream.Record) {
	r.metrics.RecordsReceived.WithLabelValues(record.Partition).Inc()

	deviceID := record.DeviceID()
	if deviceID == "" {
		r.metrics.RecordsDropped.Inc()
		klog.V(2).InfoS("Dropping record without device id", "partition", record.Partition, "offset", record.Offset)
		return
	}

	payload := record.Body
	if r.config.ForwardMode == ForwardDecoded || klog.V(4).Enabled() {
		message := Decode(record)
		klog.V(4).InfoS("Received telemetry", "device_id", deviceID, "partition", record.Partition,
			"offset", record.Offset, "message", message)
		if r.config.ForwardMode == ForwardDecoded {
			payload = []byte(message)
		}
	}

	s, err := r.sessions.Resolve(deviceID)
	if err != nil {
		if errors.Is(err, errSessionManagerClosed) {
			return
		}
		klog.ErrorS(err, "Failed to open device session", "device_id", deviceID)
		r.sessionFailed(deviceID, err)
		return
	}
	// Send failures are reported through sessionFailed.
	_ = s.Send(payload)
}

func (r *Relay) sessionFailed(deviceID string, err error) {
	if r.config.FailFast {
		r.drain(fmt.Errorf("session for device %s: %w", deviceID, err))
	}
}

// invokeCommand delivers a datagram from the agent to its device. Delivery
// runs asynchronously so a slow device never blocks the session read loop.
func (r *Relay) invokeCommand(deviceID string, payload []byte) {
	req := methods.NewRequest(deviceID, payload)
	req.MethodName = r.config.MethodName
	req.ConnectTimeout = r.config.ConnectTimeout
	req.ResponseTimeout = r.config.ResponseTimeout

	r.commands.Add(1)
	go func() {
		defer r.commands.Done()

		_, err := r.invoker.Invoke(r.runCtx, req)
		var statusErr *methods.StatusError
		switch {
		case err == nil:
			r.metrics.Commands.WithLabelValues("delivered").Inc()
			klog.V(4).InfoS("Command delivered", "device_id", deviceID, "method", req.MethodName)
		case errors.As(err, &statusErr):
			r.metrics.Commands.WithLabelValues("rejected").Inc()
			klog.ErrorS(err, "Device rejected command", "device_id", deviceID, "status", statusErr.Status)
			r.drain(err)
		default:
			r.metrics.Commands.WithLabelValues("failed").Inc()
			if r.runCtx.Err() != nil {
				return
			}
			utilruntime.HandleError(fmt.Errorf("failed to deliver command to device %s: %w", deviceID, err))
		}
	}()
}

// drain records err, if any, and starts shutting the relay down.
func (r *Relay) drain(err error) {
	if err != nil {
		r.errLock.Lock()
		r.err = fmt.Errorf("%w: %w", ErrDrained, err)
		r.errLock.Unlock()
	}
	r.drainOnce.Do(func() { close(r.drainCh) })
}

func (r *Relay) recordedError() error {
	r.errLock.Lock()
	defer r.errLock.Unlock()
	return r.err
}

// close releases the stream source and the invoker.
func (r *Relay) close() {
	if err := r.source.Close(); err != nil {
		klog.ErrorS(err, "Failed to close stream source")
	}
	if err := r.invoker.Close(); err != nil {
		klog.ErrorS(err, "Failed to close invoker")
	}
	r.state.Store(int32(StateClosed))
	klog.InfoS("Relay closed")
}
