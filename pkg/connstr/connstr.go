// Package connstr parses the hub connection string shared by the relay and
// the device simulator.
package connstr

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"k8s.io/klog/v2"
)

// EnvVar is the environment variable consulted when no flag is given.
const EnvVar = "HUB_CONNECTION_STRING"

// ErrMissingConnectionString is returned when neither the flag nor the
// environment provides a connection string.
var ErrMissingConnectionString = errors.New("connection string not provided: use --connection-string or " + EnvVar)

// Endpoint schemes accepted for MethodEndpoint.
const (
	SchemeGRPC  = "grpc"
	SchemeGRPCS = "grpcs"
	SchemeNATS  = "nats"
)

// ConnectionString is the parsed form of
// Brokers=h1:9092,h2:9092;Topic=telemetry;MethodEndpoint=grpc://hub:8443;ClientID=relay-1
type ConnectionString struct {
	Brokers        []string
	Topic          string
	MethodEndpoint *url.URL
	ClientID       string
}

// Resolve picks the flag value over the environment and parses it.
func Resolve(flagValue string, getenv func(string) string) (*ConnectionString, error) {
	raw := strings.TrimSpace(flagValue)
	if raw == "" && getenv != nil {
		raw = strings.TrimSpace(getenv(EnvVar))
	}
	if raw == "" {
		return nil, ErrMissingConnectionString
	}
	return Parse(raw)
}

// Parse reads a semicolon separated list of Key=Value pairs. Keys are case
// insensitive; unknown keys are ignored.
func Parse(raw string) (*ConnectionString, error) {
	cs := &ConnectionString{}
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("malformed connection string segment %q", part)
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)

		switch strings.ToLower(key) {
		case "brokers":
			for _, b := range strings.Split(value, ",") {
				if b = strings.TrimSpace(b); b != "" {
					cs.Brokers = append(cs.Brokers, b)
				}
			}
		case "topic":
			cs.Topic = value
		case "methodendpoint":
			u, err := url.Parse(value)
			if err != nil {
				return nil, fmt.Errorf("invalid MethodEndpoint: %w", err)
			}
			cs.MethodEndpoint = u
		case "clientid":
			cs.ClientID = value
		default:
			klog.V(2).InfoS("Ignoring unknown connection string key", "key", key)
		}
	}

	if len(cs.Brokers) == 0 {
		return nil, errors.New("connection string is missing Brokers")
	}
	if cs.Topic == "" {
		return nil, errors.New("connection string is missing Topic")
	}
	if cs.MethodEndpoint == nil {
		return nil, errors.New("connection string is missing MethodEndpoint")
	}
	switch cs.MethodEndpoint.Scheme {
	case SchemeGRPC, SchemeGRPCS, SchemeNATS:
	default:
		return nil, fmt.Errorf("unsupported MethodEndpoint scheme %q", cs.MethodEndpoint.Scheme)
	}
	if cs.MethodEndpoint.Host == "" {
		return nil, errors.New("MethodEndpoint has no host")
	}
	return cs, nil
}

// String renders the connection string with the same keys Parse accepts.
func (c *ConnectionString) String() string {
	parts := []string{
		"Brokers=" + strings.Join(c.Brokers, ","),
		"Topic=" + c.Topic,
	}
	if c.MethodEndpoint != nil {
		parts = append(parts, "MethodEndpoint="+c.MethodEndpoint.String())
	}
	if c.ClientID != "" {
		parts = append(parts, "ClientID="+c.ClientID)
	}
	return strings.Join(parts, ";")
}
