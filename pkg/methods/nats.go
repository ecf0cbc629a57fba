package methods

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"k8s.io/klog/v2"
)

// SubjectPrefix is the root of every direct method subject.
const SubjectPrefix = "devices"

// Subject returns the subject a device listens on for a method. Use "*" as
// the method name to match every method.
func Subject(deviceID, methodName string) string {
	return fmt.Sprintf("%s.%s.methods.%s", SubjectPrefix, deviceID, methodName)
}

func validSubjectToken(s string) bool {
	return s != "" && !strings.ContainsAny(s, ".*> \t\r\n")
}

// NATSInvoker issues direct method calls as NATS requests.
type NATSInvoker struct {
	nc    *nats.Conn
	owned bool
}

// NewNATSInvoker connects to url. The connection is closed by Close.
func NewNATSInvoker(url string, opts ...nats.Option) (*NATSInvoker, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	klog.InfoS("Control plane client created", "url", nc.ConnectedUrlRedacted())
	return &NATSInvoker{nc: nc, owned: true}, nil
}

// NewNATSInvokerFromConn wraps an existing connection; Close leaves it open.
func NewNATSInvokerFromConn(nc *nats.Conn) *NATSInvoker {
	return &NATSInvoker{nc: nc}
}

func (i *NATSInvoker) Invoke(ctx context.Context, req *Request) (*Response, error) {
	if !validSubjectToken(req.DeviceID) || !validSubjectToken(req.MethodName) {
		return nil, fmt.Errorf("device %q method %q cannot be addressed over NATS", req.DeviceID, req.MethodName)
	}

	data, err := json.Marshal(newWireRequest(req))
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, req.Timeout())
	defer cancel()

	msg, err := i.nc.RequestWithContext(ctx, Subject(req.DeviceID, req.MethodName), data)
	if err != nil {
		return nil, fmt.Errorf("invoke %q on device %s: %w", req.MethodName, req.DeviceID, err)
	}

	var wr wireResponse
	if err := json.Unmarshal(msg.Data, &wr); err != nil {
		return nil, fmt.Errorf("invoke %q on device %s: invalid response: %w", req.MethodName, req.DeviceID, err)
	}

	resp := &Response{Status: wr.Status, Payload: wr.Payload}
	if err := checkStatus(req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (i *NATSInvoker) Close() error {
	if i.owned {
		i.nc.Close()
	}
	return nil
}

// ServeNATS answers every method call addressed to deviceID with h. The
// returned subscription stops serving when unsubscribed.
func ServeNATS(nc *nats.Conn, deviceID string, h Handler) (*nats.Subscription, error) {
	if !validSubjectToken(deviceID) {
		return nil, fmt.Errorf("device %q cannot be addressed over NATS", deviceID)
	}

	return nc.Subscribe(Subject(deviceID, "*"), func(msg *nats.Msg) {
		resp := serveNATSMessage(deviceID, msg, h)
		data, err := json.Marshal(wireResponse{Status: resp.Status, Payload: resp.Payload})
		if err != nil {
			klog.ErrorS(err, "Failed to encode method response", "device_id", deviceID)
			return
		}
		if err := msg.Respond(data); err != nil {
			klog.ErrorS(err, "Failed to send method response", "device_id", deviceID)
		}
	})
}

func serveNATSMessage(deviceID string, msg *nats.Msg, h Handler) *Response {
	var wr wireRequest
	if err := json.Unmarshal(msg.Data, &wr); err != nil {
		return &Response{Status: 400, Payload: []byte(err.Error())}
	}
	req := wr.request()
	req.DeviceID = deviceID
	if req.MethodName == "" {
		req.MethodName = msg.Subject[strings.LastIndex(msg.Subject, ".")+1:]
	}

	ctx, cancel := context.WithTimeout(context.Background(), req.ResponseTimeout)
	defer cancel()

	resp, err := h.HandleMethod(ctx, req)
	if err != nil {
		klog.ErrorS(err, "Method handler failed", "device_id", deviceID, "method", req.MethodName)
		return &Response{Status: 500, Payload: []byte(err.Error())}
	}
	return resp
}
