package main

import (
	"context"
	"crypto/tls"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/xuezhaojun/telemetryrelay/pkg/methodhub"
	"github.com/xuezhaojun/telemetryrelay/pkg/methods"
)

func main() {
	fs := pflag.NewFlagSet("methodhub", pflag.ExitOnError)
	var (
		grpcAddr     = fs.String("grpc-address", ":8443", "gRPC address for DeviceMethods calls")
		httpAddr     = fs.String("http-address", ":8080", "HTTP address for health and metrics")
		grpcCertFile = fs.String("grpc-cert-file", "", "Path to gRPC TLS certificate file")
		grpcKeyFile  = fs.String("grpc-key-file", "", "Path to gRPC TLS private key file")
		natsURL      = fs.String("nats-url", "", "Forward calls for unregistered devices to this NATS server")
	)

	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	fs.AddGoFlagSet(klogFlags)
	fs.Parse(os.Args[1:])
	defer klog.Flush()

	klog.InfoS("Starting method hub",
		"grpc_address", *grpcAddr,
		"http_address", *httpAddr,
		"grpc_tls_enabled", *grpcCertFile != "" && *grpcKeyFile != "",
		"nats_forwarding", *natsURL != "")

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	config := methodhub.DefaultConfig()
	config.GRPCListenAddress = *grpcAddr
	config.HTTPListenAddress = *httpAddr
	config.MetricsRegistry = registry

	if *grpcCertFile != "" && *grpcKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(*grpcCertFile, *grpcKeyFile)
		if err != nil {
			klog.ErrorS(err, "Failed to load gRPC TLS certificate")
			os.Exit(1)
		}
		config.GRPCTLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			ClientAuth:   tls.NoClientCert,
		}
	}

	if *natsURL != "" {
		forwarder, err := methods.NewNATSInvoker(*natsURL, nats.Name("methodhub"))
		if err != nil {
			klog.ErrorS(err, "Failed to connect NATS forwarder")
			os.Exit(1)
		}
		config.Forwarder = forwarder
	}

	hub, err := methodhub.New(config)
	if err != nil {
		klog.ErrorS(err, "Failed to create method hub")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := hub.Run(ctx); err != nil {
		klog.ErrorS(err, "Method hub stopped with error")
		klog.Flush()
		os.Exit(1)
	}
	klog.InfoS("Method hub stopped")
}
