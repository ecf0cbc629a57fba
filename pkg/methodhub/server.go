package methodhub

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/klog/v2"

	"github.com/xuezhaojun/telemetryrelay/pkg/methods"
)

const (
	routeHandler = "handler"
	routeForward = "forward"
	routeNone    = "none"
)

// Config holds all configuration for the method hub.
type Config struct {
	// Address to listen on for DeviceMethods gRPC calls
	GRPCListenAddress string
	// Address to listen on for health and metrics
	HTTPListenAddress string
	// ServerOptions for gRPC server configuration
	ServerOptions []grpc.ServerOption
	// KeepAlive settings for server
	KeepAliveParams *keepalive.ServerParameters
	// TLS configuration for gRPC server (optional)
	GRPCTLSConfig *tls.Config
	// Forwarder receives calls for devices without an in-process handler,
	// typically a NATS invoker (optional)
	Forwarder methods.Invoker
	// MetricsRegistry collects the hub's metrics; a new one is created if nil
	MetricsRegistry *prometheus.Registry
}

// DefaultConfig returns a default configuration for the method hub
func DefaultConfig() *Config {
	return &Config{
		GRPCListenAddress: ":8443",
		HTTPListenAddress: ":8080",
		KeepAliveParams: &keepalive.ServerParameters{
			Time:    60 * time.Second,
			Timeout: 5 * time.Second,
		},
	}
}

// Server answers DeviceMethods/Invoke calls by routing them to a registered
// device handler or to the forwarder.
type Server struct {
	config       *Config
	grpcServer   *grpc.Server
	httpServer   *http.Server
	registry     *Registry
	metrics      *metrics
	grpcListener net.Listener
	httpListener net.Listener

	mu      sync.RWMutex
	running bool
	ready   bool
}

// New creates a new method hub instance
func New(config *Config) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.KeepAliveParams == nil {
		config.KeepAliveParams = DefaultConfig().KeepAliveParams
	}
	if config.MetricsRegistry == nil {
		config.MetricsRegistry = prometheus.NewRegistry()
	}

	serverOpts := append(config.ServerOptions, grpc.KeepaliveParams(*config.KeepAliveParams))
	if config.GRPCTLSConfig != nil {
		serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(config.GRPCTLSConfig)))
		klog.InfoS("TLS enabled for gRPC server")
	} else {
		klog.InfoS("TLS not configured for gRPC server - using insecure connection")
	}

	s := &Server{
		config:     config,
		grpcServer: grpc.NewServer(serverOpts...),
		registry:   NewRegistry(),
		metrics:    newMetrics(config.MetricsRegistry),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(config.MetricsRegistry, promhttp.HandlerOpts{}))
	s.httpServer = &http.Server{
		Addr:              config.HTTPListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	methods.RegisterDeviceMethodsServer(s.grpcServer, s)
	return s, nil
}

// Registry returns the registry of in-process device handlers.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Run starts the hub and blocks until the context is canceled
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	klog.InfoS("Starting method hub", "grpc_address", s.config.GRPCListenAddress, "http_address", s.config.HTTPListenAddress)

	grpcListener, err := net.Listen("tcp", s.config.GRPCListenAddress)
	if err != nil {
		s.setRunning(false)
		return fmt.Errorf("failed to listen on gRPC address %s: %w", s.config.GRPCListenAddress, err)
	}
	httpListener, err := net.Listen("tcp", s.config.HTTPListenAddress)
	if err != nil {
		grpcListener.Close()
		s.setRunning(false)
		return fmt.Errorf("failed to listen on HTTP address %s: %w", s.config.HTTPListenAddress, err)
	}

	s.mu.Lock()
	s.grpcListener = grpcListener
	s.httpListener = httpListener
	s.ready = true
	s.mu.Unlock()

	klog.InfoS("Method hub is ready", "grpc_address", grpcListener.Addr().String(), "http_address", httpListener.Addr().String())

	errCh := make(chan error, 2)
	go func() {
		errCh <- s.grpcServer.Serve(grpcListener)
	}()
	go func() {
		errCh <- s.httpServer.Serve(httpListener)
	}()

	select {
	case <-ctx.Done():
		klog.InfoS("Context canceled, shutting down method hub")
		return s.shutdown()
	case err := <-errCh:
		s.shutdown()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	}
}

func (s *Server) setRunning(running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = running
}

// Shutdown gracefully shuts down the method hub
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	running := s.running
	s.mu.RUnlock()
	if !running {
		return nil
	}
	return s.shutdown()
}

func (s *Server) shutdown() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.ready = false
	s.mu.Unlock()

	klog.InfoS("Shutting down method hub")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		klog.ErrorS(err, "Failed to shutdown HTTP server gracefully")
	}

	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		klog.InfoS("Forcing gRPC server stop due to timeout")
		s.grpcServer.Stop()
	}

	s.registry.Close()
	if s.config.Forwarder != nil {
		if err := s.config.Forwarder.Close(); err != nil {
			klog.ErrorS(err, "Failed to close forwarder")
		}
	}

	klog.InfoS("Method hub shutdown complete")
	return nil
}

// Ready returns true if the hub is accepting calls
func (s *Server) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// GRPCAddress returns the actual gRPC server address
func (s *Server) GRPCAddress() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.grpcListener != nil {
		return s.grpcListener.Addr().String()
	}
	return s.config.GRPCListenAddress
}

// HTTPAddress returns the actual HTTP server address
func (s *Server) HTTPAddress() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.httpListener != nil {
		return s.httpListener.Addr().String()
	}
	return s.config.HTTPListenAddress
}

// Invoke implements methods.DeviceMethodsServer. A status chosen by the
// device is returned as the response. Routing failures (no route, a device
// that does not answer in time, an unreachable forwarder) are returned as gRPC
// status errors, so callers see them as transport failures.
func (s *Server) Invoke(ctx context.Context, req *methods.Request) (*methods.Response, error) {
	klog.V(4).InfoS("Received method invocation", "device_id", req.DeviceID, "method", req.MethodName, "payload_size", len(req.Payload))

	start := time.Now()
	route, resp, err := s.route(ctx, req)
	code := httpStatus(resp, err)
	s.metrics.observe(route, code, time.Since(start).Seconds())

	klog.V(4).InfoS("Answered method invocation", "device_id", req.DeviceID, "method", req.MethodName, "route", route, "status", code)
	return resp, err
}

func (s *Server) route(ctx context.Context, req *methods.Request) (string, *methods.Response, error) {
	h := s.registry.Get(req.DeviceID)
	if h == nil && s.config.Forwarder == nil && req.ConnectTimeout > 0 {
		// Without a forwarder the device may still register within the
		// connect timeout.
		waitCtx, cancel := context.WithTimeout(ctx, req.ConnectTimeout)
		h = s.registry.Wait(waitCtx, req.DeviceID)
		cancel()
	}
	if h != nil {
		resp, err := s.callHandler(ctx, h, req)
		return routeHandler, resp, err
	}
	if s.config.Forwarder != nil {
		resp, err := s.forward(ctx, req)
		return routeForward, resp, err
	}
	klog.V(2).InfoS("No route for device", "device_id", req.DeviceID)
	return routeNone, nil, notConnected(req)
}

type handlerResult struct {
	resp *methods.Response
	err  error
}

// callHandler runs an in-process handler bounded by the response timeout.
func (s *Server) callHandler(ctx context.Context, h methods.Handler, req *methods.Request) (*methods.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, req.ResponseTimeout)
	defer cancel()

	done := make(chan handlerResult, 1)
	go func() {
		resp, err := h.HandleMethod(ctx, req)
		done <- handlerResult{resp: resp, err: err}
	}()

	select {
	case result := <-done:
		if result.err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, timedOut(req)
			}
			klog.ErrorS(result.err, "Device handler failed", "device_id", req.DeviceID, "method", req.MethodName)
			return statusResponse(http.StatusInternalServerError, result.err.Error()), nil
		}
		if result.resp == nil {
			return &methods.Response{Status: methods.StatusOK}, nil
		}
		return result.resp, nil
	case <-ctx.Done():
		return nil, timedOut(req)
	}
}

func (s *Server) forward(ctx context.Context, req *methods.Request) (*methods.Response, error) {
	resp, err := s.config.Forwarder.Invoke(ctx, req)
	var statusErr *methods.StatusError
	switch {
	case err == nil:
		return resp, nil
	case errors.As(err, &statusErr):
		return &methods.Response{Status: statusErr.Status, Payload: statusErr.Payload}, nil
	case errors.Is(err, nats.ErrNoResponders):
		return nil, notConnected(req)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
		return nil, timedOut(req)
	default:
		utilruntime.HandleError(fmt.Errorf("failed to forward method %q to device %s: %w", req.MethodName, req.DeviceID, err))
		return nil, status.Errorf(codes.Unavailable, "failed to forward to device %s: %v", req.DeviceID, err)
	}
}

func notConnected(req *methods.Request) error {
	return status.Errorf(codes.NotFound, "device %s is not connected", req.DeviceID)
}

func timedOut(req *methods.Request) error {
	klog.V(2).InfoS("Method invocation timed out", "device_id", req.DeviceID, "method", req.MethodName)
	return status.Errorf(codes.DeadlineExceeded, "device %s did not answer in time", req.DeviceID)
}

// httpStatus is the status recorded in metrics for an invocation outcome.
func httpStatus(resp *methods.Response, err error) int {
	if err == nil {
		return resp.Status
	}
	switch status.Code(err) {
	case codes.NotFound:
		return http.StatusNotFound
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func statusResponse(code int, message string) *methods.Response {
	return &methods.Response{Status: code, Payload: []byte(message)}
}
