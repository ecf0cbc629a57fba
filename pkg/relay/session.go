package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"k8s.io/klog/v2"
)

// session bridges one device to the agent over a dedicated datagram socket.
// Datagrams written by the relay carry telemetry; datagrams read back are
// commands for the same device.
type session struct {
	deviceID  string
	conn      net.Conn
	ctx       context.Context
	cancel    context.CancelFunc
	manager   *sessionManager
	closeOnce sync.Once
}

// Send writes payload to the agent as a single datagram.
func (s *session) Send(payload []byte) error {
	if _, err := s.conn.Write(payload); err != nil {
		err = fmt.Errorf("failed to send datagram for device %s: %w", s.deviceID, err)
		s.fail(err)
		return err
	}
	s.manager.metrics.DatagramsSent.Inc()
	klog.V(5).InfoS("Forwarded telemetry to agent", "device_id", s.deviceID, "bytes", len(payload))
	return nil
}

func (s *session) readLoop() {
	defer s.manager.readers.Done()

	buffer := make([]byte, s.manager.config.ReadBufferSize)
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		// Set read deadline so shutdown is noticed without a datagram
		s.conn.SetReadDeadline(time.Now().Add(s.manager.config.ReadPollInterval))

		n, err := s.conn.Read(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.fail(fmt.Errorf("failed to receive datagram for device %s: %w", s.deviceID, err))
			return
		}

		payload := make([]byte, n)
		copy(payload, buffer[:n])
		s.manager.metrics.DatagramsReceived.Inc()
		klog.V(4).InfoS("Received command from agent", "device_id", s.deviceID, "bytes", n)

		s.manager.onCommand(s.deviceID, payload)
	}
}

// fail closes the session after a socket error, evicts it and reports the
// error once. Errors seen while the session is being closed are ignored.
func (s *session) fail(err error) {
	if s.ctx.Err() != nil {
		return
	}

	failed := false
	s.closeOnce.Do(func() {
		failed = true
		s.cancel()
		s.conn.Close()
	})
	if !failed {
		return
	}

	klog.ErrorS(err, "Device session failed", "device_id", s.deviceID)
	s.manager.remove(s)
	s.manager.metrics.TransportErrors.Inc()
	s.manager.onError(s.deviceID, err)
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.conn.Close()
	})
}
