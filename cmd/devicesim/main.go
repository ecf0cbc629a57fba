// Command devicesim plays the part of a device: it publishes telemetry to
// the hub's Kafka topic and answers direct method calls over NATS.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/pflag"
	"github.com/twmb/franz-go/pkg/kgo"
	"k8s.io/klog/v2"

	"github.com/xuezhaojun/telemetryrelay/pkg/connstr"
	"github.com/xuezhaojun/telemetryrelay/pkg/methods"
	"github.com/xuezhaojun/telemetryrelay/pkg/stream"
)

type telemetry struct {
	DeviceID    string    `json:"deviceId"`
	Sequence    int       `json:"seq"`
	Temperature float64   `json:"temperature"`
	Timestamp   time.Time `json:"ts"`
}

func main() {
	fs := pflag.NewFlagSet("devicesim", pflag.ExitOnError)
	var (
		connectionString = fs.StringP("connection-string", "c", "", "Hub connection string, overrides $"+connstr.EnvVar)
		deviceID         = fs.StringP("device-id", "d", "sim-device-1", "Device id stamped on every record")
		count            = fs.Int("count", 10, "Number of telemetry records to publish, 0 to publish until stopped")
		interval         = fs.Duration("interval", time.Second, "Delay between records")
		natsURL          = fs.String("nats-url", "", "NATS server to answer method calls on, defaults to a nats:// MethodEndpoint")
	)

	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	fs.AddGoFlagSet(klogFlags)
	fs.Parse(os.Args[1:])
	defer klog.Flush()

	cs, err := connstr.Resolve(*connectionString, os.Getenv)
	if err != nil {
		klog.ErrorS(err, "Invalid configuration")
		klog.Flush()
		os.Exit(1)
	}
	if *natsURL == "" && cs.MethodEndpoint.Scheme == connstr.SchemeNATS {
		*natsURL = cs.MethodEndpoint.String()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *natsURL != "" {
		nc, err := nats.Connect(*natsURL, nats.Name("devicesim-"+*deviceID))
		if err != nil {
			klog.ErrorS(err, "Failed to connect to NATS")
			klog.Flush()
			os.Exit(1)
		}
		defer nc.Close()

		_, err = methods.ServeNATS(nc, *deviceID, methods.HandlerFunc(func(ctx context.Context, req *methods.Request) (*methods.Response, error) {
			klog.InfoS("Received method call", "device_id", req.DeviceID, "method", req.MethodName, "payload", string(req.Payload))
			return &methods.Response{Status: methods.StatusOK}, nil
		}))
		if err != nil {
			klog.ErrorS(err, "Failed to serve method calls")
			klog.Flush()
			os.Exit(1)
		}
		klog.InfoS("Answering method calls", "device_id", *deviceID, "subject", methods.Subject(*deviceID, "*"))
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cs.Brokers...),
		kgo.DefaultProduceTopic(cs.Topic),
		kgo.ClientID("devicesim"),
		kgo.WithLogger(stream.NewKlogLogger("devicesim")),
	)
	if err != nil {
		klog.ErrorS(err, "Failed to create Kafka client")
		klog.Flush()
		os.Exit(1)
	}
	defer client.Close()

	if err := publish(ctx, client, *deviceID, *count, *interval); err != nil && !errors.Is(err, context.Canceled) {
		klog.ErrorS(err, "Publishing failed")
		klog.Flush()
		os.Exit(1)
	}

	if *natsURL != "" && ctx.Err() == nil {
		klog.InfoS("Done publishing, still answering method calls until stopped")
		<-ctx.Done()
	}
}

func publish(ctx context.Context, client *kgo.Client, deviceID string, count int, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for seq := 0; count == 0 || seq < count; seq++ {
		value, err := json.Marshal(telemetry{
			DeviceID:    deviceID,
			Sequence:    seq,
			Temperature: 20 + rand.Float64()*5,
			Timestamp:   time.Now().UTC(),
		})
		if err != nil {
			return err
		}

		record := &kgo.Record{
			Key:   []byte(deviceID),
			Value: value,
			Headers: []kgo.RecordHeader{
				{Key: stream.DeviceIDAnnotation, Value: []byte(deviceID)},
				{Key: "sensor", Value: []byte("thermometer")},
			},
		}
		if err := client.ProduceSync(ctx, record).FirstErr(); err != nil {
			return err
		}
		klog.V(2).InfoS("Published telemetry", "device_id", deviceID, "seq", seq, "partition", record.Partition, "offset", record.Offset)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
