package stream

import (
	"context"
	"fmt"
	"time"
)

// DeviceIDAnnotation is the annotation carrying the identity of the device
// that published a record.
const DeviceIDAnnotation = "iothub-connection-device-id"

// Record is one telemetry event read from a partition of the stream.
type Record struct {
	Partition    string
	Offset       int64
	EnqueuedTime time.Time

	// Body is the raw payload published by the device.
	Body []byte
	// Properties are the application properties set by the publisher.
	Properties map[string]any
	// Annotations are system properties stamped by the hub, including the
	// origin device id.
	Annotations map[string]any
}

// DeviceID returns the origin device id, or "" if the record has none.
func (r *Record) DeviceID() string {
	if r == nil || r.Annotations == nil {
		return ""
	}
	switch v := r.Annotations[DeviceIDAnnotation].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// RecordHandler is called once per received record. Calls for one partition
// never overlap and arrive in partition order.
type RecordHandler func(record *Record)

// Source is a partitioned, append-only event stream.
type Source interface {
	// PartitionIDs lists the partitions of the stream at the time of the call.
	PartitionIDs(ctx context.Context) ([]string, error)
	// Receive subscribes to one partition starting at the first record
	// enqueued at or after from, and blocks until ctx is cancelled or the
	// subscription fails. Cancellation is not an error.
	Receive(ctx context.Context, partitionID string, from time.Time, handler RecordHandler) error
	// Close releases the client.
	Close() error
}
