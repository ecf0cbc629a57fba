package methods

import (
	"context"
	"errors"
	"net"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type fakeDeviceMethods struct {
	mu       sync.Mutex
	requests []*Request
	respond  func(req *Request) (*Response, error)
}

func (f *fakeDeviceMethods) Invoke(ctx context.Context, req *Request) (*Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.respond(req)
}

func (f *fakeDeviceMethods) received() []*Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Request(nil), f.requests...)
}

var _ = Describe("GRPCInvoker", func() {
	var (
		server   *grpc.Server
		hub      *fakeDeviceMethods
		invoker  *GRPCInvoker
		listener net.Listener
	)

	insecureDial := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}

	BeforeEach(func() {
		var err error
		listener, err = net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())

		hub = &fakeDeviceMethods{
			respond: func(req *Request) (*Response, error) {
				return &Response{Status: StatusOK, Payload: []byte("ack")}, nil
			},
		}
		server = grpc.NewServer()
		RegisterDeviceMethodsServer(server, hub)
		go server.Serve(listener)

		invoker, err = NewGRPCInvoker(&GRPCConfig{
			Address:     listener.Addr().String(),
			DialOptions: insecureDial,
		})
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		invoker.Close()
		server.Stop()
	})

	It("should deliver the payload and complete on status 200", func() {
		resp, err := invoker.Invoke(context.Background(), NewRequest("dev-1", []byte("cmd-bytes")))
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Status).To(Equal(StatusOK))
		Expect(resp.Payload).To(Equal([]byte("ack")))

		Expect(hub.received()).To(HaveLen(1))
		got := hub.received()[0]
		Expect(got.DeviceID).To(Equal("dev-1"))
		Expect(got.MethodName).To(Equal("receive"))
		Expect(got.Payload).To(Equal([]byte("cmd-bytes")))
		Expect(got.ConnectTimeout).To(Equal(DefaultConnectTimeout))
		Expect(got.ResponseTimeout).To(Equal(DefaultResponseTimeout))
	})

	It("should return a StatusError carrying a non-200 status", func() {
		hub.respond = func(req *Request) (*Response, error) {
			return &Response{Status: 404}, nil
		}

		_, err := invoker.Invoke(context.Background(), NewRequest("dev-1", []byte("cmd")))
		Expect(err).To(MatchError(ContainSubstring("404")))
		var statusErr *StatusError
		Expect(errors.As(err, &statusErr)).To(BeTrue())
	})

	It("should return a transport error when the hub handler fails", func() {
		hub.respond = func(req *Request) (*Response, error) {
			return nil, errors.New("hub exploded")
		}

		_, err := invoker.Invoke(context.Background(), NewRequest("dev-1", nil))
		Expect(err).To(HaveOccurred())
		var statusErr *StatusError
		Expect(errors.As(err, &statusErr)).To(BeFalse())
	})

	It("should return a transport error when the hub is unreachable", func() {
		unreachable, err := NewGRPCInvoker(&GRPCConfig{Address: "127.0.0.1:1", DialOptions: insecureDial})
		Expect(err).NotTo(HaveOccurred())
		defer unreachable.Close()

		_, err = unreachable.Invoke(context.Background(), NewRequest("dev-1", nil))
		Expect(err).To(HaveOccurred())
		var statusErr *StatusError
		Expect(errors.As(err, &statusErr)).To(BeFalse())
	})
})
