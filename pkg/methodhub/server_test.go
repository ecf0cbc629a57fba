package methodhub

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/xuezhaojun/telemetryrelay/pkg/methods"
)

func startHub(config *Config) (*Server, context.CancelFunc, <-chan error) {
	config.GRPCListenAddress = "127.0.0.1:0"
	config.HTTPListenAddress = "127.0.0.1:0"
	hub, err := New(config)
	Expect(err).NotTo(HaveOccurred())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- hub.Run(ctx)
	}()
	Eventually(hub.Ready).Should(BeTrue())
	return hub, cancel, done
}

func dialHub(hub *Server) *methods.GRPCInvoker {
	invoker, err := methods.NewGRPCInvoker(&methods.GRPCConfig{
		Address:     hub.GRPCAddress(),
		DialOptions: []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())},
	})
	Expect(err).NotTo(HaveOccurred())
	return invoker
}

func expectStatus(err error, status int) {
	var statusErr *methods.StatusError
	ExpectWithOffset(1, errors.As(err, &statusErr)).To(BeTrue(), "expected a status error, got %v", err)
	ExpectWithOffset(1, statusErr.Status).To(Equal(status))
}

func expectCode(err error, code codes.Code) {
	ExpectWithOffset(1, err).To(HaveOccurred())
	var statusErr *methods.StatusError
	ExpectWithOffset(1, errors.As(err, &statusErr)).To(BeFalse(), "expected a transport error, got %v", err)
	ExpectWithOffset(1, status.Code(err)).To(Equal(code))
}

// shortRequest returns a request that gives up quickly on unknown devices.
func shortRequest(deviceID string) *methods.Request {
	req := methods.NewRequest(deviceID, nil)
	req.ConnectTimeout = 100 * time.Millisecond
	return req
}

var _ = Describe("Server", func() {
	var (
		hub     *Server
		cancel  context.CancelFunc
		done    <-chan error
		invoker *methods.GRPCInvoker
	)

	Context("with in-process handlers", func() {
		BeforeEach(func() {
			hub, cancel, done = startHub(DefaultConfig())
			invoker = dialHub(hub)
		})

		AfterEach(func() {
			invoker.Close()
			cancel()
			Eventually(done).Should(Receive(BeNil()))
			Expect(hub.Ready()).To(BeFalse())
		})

		It("should route a call to the registered device handler", func() {
			received := make(chan *methods.Request, 1)
			hub.Registry().Register("dev-1", methods.HandlerFunc(func(ctx context.Context, req *methods.Request) (*methods.Response, error) {
				received <- req
				return &methods.Response{Status: methods.StatusOK, Payload: []byte("applied")}, nil
			}))

			req := methods.NewRequest("dev-1", []byte("set 5"))
			req.Properties["trace"] = "t-1"
			resp, err := invoker.Invoke(context.Background(), req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Payload).To(Equal([]byte("applied")))

			var got *methods.Request
			Eventually(received).Should(Receive(&got))
			Expect(got.MethodName).To(Equal(methods.DefaultMethodName))
			Expect(got.Payload).To(Equal([]byte("set 5")))
			Expect(got.Properties).To(HaveKeyWithValue("trace", "t-1"))
		})

		It("should fail with NotFound for devices that never connect", func() {
			start := time.Now()
			_, err := invoker.Invoke(context.Background(), shortRequest("ghost"))
			expectCode(err, codes.NotFound)
			Expect(time.Since(start)).To(BeNumerically(">=", 100*time.Millisecond))
		})

		It("should deliver to a device that connects within the connect timeout", func() {
			go func() {
				time.Sleep(100 * time.Millisecond)
				hub.Registry().Register("late", staticHandler("hello"))
			}()

			req := methods.NewRequest("late", nil)
			req.ConnectTimeout = 5 * time.Second
			resp, err := invoker.Invoke(context.Background(), req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Payload).To(Equal([]byte("hello")))
		})

		It("should answer 500 when the handler fails", func() {
			hub.Registry().Register("dev-1", methods.HandlerFunc(func(ctx context.Context, req *methods.Request) (*methods.Response, error) {
				return nil, errors.New("actuator jammed")
			}))

			_, err := invoker.Invoke(context.Background(), methods.NewRequest("dev-1", nil))
			expectStatus(err, http.StatusInternalServerError)

			var statusErr *methods.StatusError
			Expect(errors.As(err, &statusErr)).To(BeTrue())
			Expect(string(statusErr.Payload)).To(ContainSubstring("actuator jammed"))
		})

		It("should fail with DeadlineExceeded when the handler exceeds the response timeout", func() {
			release := make(chan struct{})
			defer close(release)
			hub.Registry().Register("dev-1", methods.HandlerFunc(func(ctx context.Context, req *methods.Request) (*methods.Response, error) {
				<-release
				return &methods.Response{Status: methods.StatusOK}, nil
			}))

			req := methods.NewRequest("dev-1", nil)
			req.ResponseTimeout = 100 * time.Millisecond
			_, err := invoker.Invoke(context.Background(), req)
			expectCode(err, codes.DeadlineExceeded)
		})

		It("should pass through the status a handler chooses", func() {
			hub.Registry().Register("dev-1", methods.HandlerFunc(func(ctx context.Context, req *methods.Request) (*methods.Response, error) {
				return &methods.Response{Status: http.StatusConflict, Payload: []byte("busy")}, nil
			}))

			_, err := invoker.Invoke(context.Background(), methods.NewRequest("dev-1", nil))
			expectStatus(err, http.StatusConflict)
		})

		It("should serve health and metrics", func() {
			_, _ = invoker.Invoke(context.Background(), shortRequest("ghost"))

			resp, err := http.Get("http://" + hub.HTTPAddress() + "/health")
			Expect(err).NotTo(HaveOccurred())
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(string(body)).To(Equal("OK"))

			resp, err = http.Get("http://" + hub.HTTPAddress() + "/metrics")
			Expect(err).NotTo(HaveOccurred())
			body, _ = io.ReadAll(resp.Body)
			resp.Body.Close()
			Expect(string(body)).To(ContainSubstring(`methodhub_invocations_total{route="none",status="404"} 1`))
		})

		It("should refuse to run twice", func() {
			Expect(hub.Run(context.Background())).To(MatchError(ContainSubstring("already running")))
		})
	})

	Context("with a NATS forwarder", func() {
		var (
			srv    *natsserver.Server
			device *nats.Conn
		)

		BeforeEach(func() {
			var err error
			srv, err = natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1})
			Expect(err).NotTo(HaveOccurred())
			go srv.Start()
			Expect(srv.ReadyForConnections(5 * time.Second)).To(BeTrue())

			device, err = nats.Connect(srv.ClientURL())
			Expect(err).NotTo(HaveOccurred())

			forwarder, err := methods.NewNATSInvoker(srv.ClientURL())
			Expect(err).NotTo(HaveOccurred())

			config := DefaultConfig()
			config.Forwarder = forwarder
			hub, cancel, done = startHub(config)
			invoker = dialHub(hub)
		})

		AfterEach(func() {
			invoker.Close()
			cancel()
			Eventually(done).Should(Receive(BeNil()))
			device.Close()
			srv.Shutdown()
		})

		It("should forward calls for devices served over NATS", func() {
			sub, err := methods.ServeNATS(device, "dev-nats", methods.HandlerFunc(func(ctx context.Context, req *methods.Request) (*methods.Response, error) {
				return &methods.Response{Status: methods.StatusOK, Payload: append([]byte("echo:"), req.Payload...)}, nil
			}))
			Expect(err).NotTo(HaveOccurred())
			defer sub.Unsubscribe()
			Expect(device.Flush()).To(Succeed())

			resp, err := invoker.Invoke(context.Background(), methods.NewRequest("dev-nats", []byte("hi")))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Payload).To(Equal([]byte("echo:hi")))
		})

		It("should relay a device's error status", func() {
			sub, err := methods.ServeNATS(device, "dev-nats", methods.HandlerFunc(func(ctx context.Context, req *methods.Request) (*methods.Response, error) {
				return &methods.Response{Status: http.StatusBadRequest, Payload: []byte("bad command")}, nil
			}))
			Expect(err).NotTo(HaveOccurred())
			defer sub.Unsubscribe()
			Expect(device.Flush()).To(Succeed())

			_, err = invoker.Invoke(context.Background(), methods.NewRequest("dev-nats", nil))
			expectStatus(err, http.StatusBadRequest)
		})

		It("should fail with NotFound when no device is listening", func() {
			_, err := invoker.Invoke(context.Background(), methods.NewRequest("offline", nil))
			expectCode(err, codes.NotFound)
		})

		It("should fail with DeadlineExceeded when the device does not answer in time", func() {
			sub, err := device.Subscribe(methods.Subject("dev-slow", "*"), func(msg *nats.Msg) {})
			Expect(err).NotTo(HaveOccurred())
			defer sub.Unsubscribe()
			Expect(device.Flush()).To(Succeed())

			req := methods.NewRequest("dev-slow", nil)
			req.ConnectTimeout = 100 * time.Millisecond
			req.ResponseTimeout = 100 * time.Millisecond
			_, err = invoker.Invoke(context.Background(), req)
			expectCode(err, codes.DeadlineExceeded)
		})

		It("should prefer an in-process handler over the forwarder", func() {
			hub.Registry().Register("dev-nats", staticHandler("local"))

			resp, err := invoker.Invoke(context.Background(), methods.NewRequest("dev-nats", nil))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Payload).To(Equal([]byte("local")))
		})
	})
})
