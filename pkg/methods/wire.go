package methods

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

func requestToStruct(req *Request) (*structpb.Struct, error) {
	props := make(map[string]any, len(req.Properties))
	for k, v := range req.Properties {
		props[k] = v
	}
	return structpb.NewStruct(map[string]any{
		"deviceId":                 req.DeviceID,
		"methodName":               req.MethodName,
		"payload":                  base64.StdEncoding.EncodeToString(req.Payload),
		"properties":               props,
		"connectTimeoutInSeconds":  req.ConnectTimeout.Seconds(),
		"responseTimeoutInSeconds": req.ResponseTimeout.Seconds(),
	})
}

func requestFromStruct(s *structpb.Struct) (*Request, error) {
	fields := s.GetFields()

	payload, err := base64.StdEncoding.DecodeString(fields["payload"].GetStringValue())
	if err != nil {
		return nil, fmt.Errorf("invalid payload encoding: %w", err)
	}

	req := &Request{
		DeviceID:        fields["deviceId"].GetStringValue(),
		MethodName:      fields["methodName"].GetStringValue(),
		Properties:      map[string]string{},
		Payload:         payload,
		ConnectTimeout:  seconds(fields["connectTimeoutInSeconds"].GetNumberValue(), DefaultConnectTimeout),
		ResponseTimeout: seconds(fields["responseTimeoutInSeconds"].GetNumberValue(), DefaultResponseTimeout),
	}
	for k, v := range fields["properties"].GetStructValue().GetFields() {
		req.Properties[k] = v.GetStringValue()
	}

	if req.DeviceID == "" {
		return nil, errors.New("deviceId is required")
	}
	if req.MethodName == "" {
		return nil, errors.New("methodName is required")
	}
	return req, nil
}

func responseToStruct(resp *Response) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"status":  resp.Status,
		"payload": base64.StdEncoding.EncodeToString(resp.Payload),
	})
}

func responseFromStruct(s *structpb.Struct) (*Response, error) {
	fields := s.GetFields()
	payload, err := base64.StdEncoding.DecodeString(fields["payload"].GetStringValue())
	if err != nil {
		return nil, fmt.Errorf("invalid payload encoding: %w", err)
	}
	return &Response{
		Status:  int(fields["status"].GetNumberValue()),
		Payload: payload,
	}, nil
}

// seconds converts a wire timeout, falling back when it is missing or
// not a positive finite number.
func seconds(v float64, fallback time.Duration) time.Duration {
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return fallback
	}
	return time.Duration(v * float64(time.Second))
}

// wireRequest is the JSON body of a method call over NATS.
type wireRequest struct {
	DeviceID                 string            `json:"deviceId"`
	MethodName               string            `json:"methodName"`
	Payload                  []byte            `json:"payload,omitempty"`
	Properties               map[string]string `json:"properties,omitempty"`
	ConnectTimeoutInSeconds  float64           `json:"connectTimeoutInSeconds"`
	ResponseTimeoutInSeconds float64           `json:"responseTimeoutInSeconds"`
}

type wireResponse struct {
	Status  int    `json:"status"`
	Payload []byte `json:"payload,omitempty"`
}

func newWireRequest(req *Request) wireRequest {
	return wireRequest{
		DeviceID:                 req.DeviceID,
		MethodName:               req.MethodName,
		Payload:                  req.Payload,
		Properties:               req.Properties,
		ConnectTimeoutInSeconds:  req.ConnectTimeout.Seconds(),
		ResponseTimeoutInSeconds: req.ResponseTimeout.Seconds(),
	}
}

func (w wireRequest) request() *Request {
	props := w.Properties
	if props == nil {
		props = map[string]string{}
	}
	return &Request{
		DeviceID:        w.DeviceID,
		MethodName:      w.MethodName,
		Properties:      props,
		Payload:         w.Payload,
		ConnectTimeout:  seconds(w.ConnectTimeoutInSeconds, DefaultConnectTimeout),
		ResponseTimeout: seconds(w.ResponseTimeoutInSeconds, DefaultResponseTimeout),
	}
}
