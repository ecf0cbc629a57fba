package methods

import (
	"context"
	"fmt"
	"time"
)

const (
	// DefaultMethodName is the method the relay invokes on a device for every
	// datagram received from the local agent.
	DefaultMethodName = "receive"
	// DefaultConnectTimeout bounds how long the hub waits for the device to
	// become reachable.
	DefaultConnectTimeout = 30 * time.Second
	// DefaultResponseTimeout bounds how long the hub waits for the device's
	// answer once the call is delivered.
	DefaultResponseTimeout = 60 * time.Second

	// StatusOK is the only status treated as success.
	StatusOK = 200
)

// Request is one direct method call targeted at a single device.
type Request struct {
	DeviceID        string
	MethodName      string
	Properties      map[string]string
	Payload         []byte
	ConnectTimeout  time.Duration
	ResponseTimeout time.Duration
}

// NewRequest returns a request for the default method with default timeouts
// and no extra properties.
func NewRequest(deviceID string, payload []byte) *Request {
	return &Request{
		DeviceID:        deviceID,
		MethodName:      DefaultMethodName,
		Properties:      map[string]string{},
		Payload:         payload,
		ConnectTimeout:  DefaultConnectTimeout,
		ResponseTimeout: DefaultResponseTimeout,
	}
}

// Timeout is the overall deadline for one invocation.
func (r *Request) Timeout() time.Duration {
	return r.ConnectTimeout + r.ResponseTimeout
}

// Response is the device's answer to a direct method call.
type Response struct {
	Status  int
	Payload []byte
}

// StatusError is returned when a device answers with a status other than
// StatusOK.
type StatusError struct {
	DeviceID   string
	MethodName string
	Status     int
	Payload    []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("method %q on device %s failed with status %d", e.MethodName, e.DeviceID, e.Status)
}

// Invoker issues direct method calls on the control plane.
//
// Invoke returns a *StatusError when the device answers with a non-success
// status, and a wrapped transport error when the call could not be
// completed at all.
type Invoker interface {
	Invoke(ctx context.Context, req *Request) (*Response, error)
	Close() error
}

func checkStatus(req *Request, resp *Response) error {
	if resp.Status == StatusOK {
		return nil
	}
	return &StatusError{
		DeviceID:   req.DeviceID,
		MethodName: req.MethodName,
		Status:     resp.Status,
		Payload:    resp.Payload,
	}
}
