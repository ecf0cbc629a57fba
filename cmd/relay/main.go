package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"k8s.io/klog/v2"

	"github.com/xuezhaojun/telemetryrelay/pkg/connstr"
	"github.com/xuezhaojun/telemetryrelay/pkg/methods"
	"github.com/xuezhaojun/telemetryrelay/pkg/relay"
	"github.com/xuezhaojun/telemetryrelay/pkg/stream"
)

func main() {
	fs := pflag.NewFlagSet("relay", pflag.ExitOnError)
	var (
		port             = fs.IntP("port", "p", 0, "UDP port of the local agent (required)")
		address          = fs.StringP("address", "a", "", "IP address of the local agent (required)")
		connectionString = fs.StringP("connection-string", "c", "", "Hub connection string, overrides $"+connstr.EnvVar)
		configFile       = fs.String("config", "", "Optional YAML file with relay tuning")
		metricsAddress   = fs.String("metrics-address", "", "Address to serve Prometheus metrics on, disabled if empty")
		forwardMode      = fs.String("forward-mode", string(relay.ForwardRaw), "What to send to the agent: raw or decoded")
		failFast         = fs.Bool("fail-fast", true, "Stop the relay when any device session fails")
		caFile           = fs.String("ca-file", "", "CA bundle for grpcs method endpoints, system roots if empty")
	)

	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	fs.AddGoFlagSet(klogFlags)
	fs.Parse(os.Args[1:])
	defer klog.Flush()

	if !fs.Changed("port") {
		exit(errors.New("--port is required"))
	}
	if !fs.Changed("address") {
		exit(errors.New("--address is required"))
	}

	cs, err := connstr.Resolve(*connectionString, os.Getenv)
	if err != nil {
		exit(err)
	}

	config := relay.DefaultConfig()
	if *configFile != "" {
		if err := relay.LoadConfigFile(*configFile, config); err != nil {
			exit(err)
		}
	}
	config.AgentPort = *port
	config.AgentAddress = *address
	if fs.Changed("forward-mode") {
		config.ForwardMode = relay.ForwardMode(*forwardMode)
	}
	if fs.Changed("fail-fast") {
		config.FailFast = *failFast
	}
	config.Metrics = relay.NewMetrics()
	if err := config.Validate(); err != nil {
		exit(err)
	}

	klog.InfoS("Starting telemetry relay",
		"agent_address", config.AgentEndpoint(),
		"brokers", cs.Brokers,
		"topic", cs.Topic,
		"method_endpoint", cs.MethodEndpoint.Redacted(),
		"forward_mode", config.ForwardMode,
		"fail_fast", config.FailFast)

	source, err := stream.NewKafkaSource(&stream.KafkaConfig{
		Brokers:  cs.Brokers,
		Topic:    cs.Topic,
		ClientID: cs.ClientID,
	})
	if err != nil {
		exit(err)
	}

	invoker, err := newInvoker(cs, *caFile)
	if err != nil {
		source.Close()
		exit(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *metricsAddress != "" {
		metricsServer, err := serveMetrics(*metricsAddress, config.Metrics)
		if err != nil {
			exit(err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			metricsServer.Shutdown(shutdownCtx)
		}()
	}

	if err := relay.New(config, source, invoker).Run(ctx); err != nil {
		exit(fmt.Errorf("relay stopped: %w", err))
	}
	klog.InfoS("Relay stopped")
}

func newInvoker(cs *connstr.ConnectionString, caFile string) (methods.Invoker, error) {
	endpoint := cs.MethodEndpoint
	switch endpoint.Scheme {
	case connstr.SchemeNATS:
		return methods.NewNATSInvoker(endpoint.String(), nats.Name("telemetryrelay"))
	case connstr.SchemeGRPCS:
		var cp methods.CertificateProvider = methods.SystemCertificateProvider{}
		if caFile != "" {
			cp = methods.FileCertificateProvider{Path: caFile}
		}
		tlsConfig, err := methods.ClientTLSConfig(cp)
		if err != nil {
			return nil, err
		}
		klog.InfoS("Using TLS for the method endpoint")
		return methods.NewGRPCInvoker(&methods.GRPCConfig{
			Address:     endpoint.Host,
			DialOptions: []grpc.DialOption{grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig))},
		})
	default:
		klog.InfoS("Using insecure connection (no TLS) for the method endpoint")
		return methods.NewGRPCInvoker(&methods.GRPCConfig{
			Address:     endpoint.Host,
			DialOptions: []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())},
		})
	}
}

func serveMetrics(address string, metrics *relay.Metrics) (*http.Server, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := metrics.Register(registry); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: address, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		klog.InfoS("Serving metrics", "address", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.ErrorS(err, "Metrics server failed")
		}
	}()
	return server, nil
}

func exit(err error) {
	klog.ErrorS(err, "Relay failed")
	klog.Flush()
	os.Exit(1)
}
