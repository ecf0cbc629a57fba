package methods

import (
	"context"
	"errors"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func runNATSServer() *natsserver.Server {
	srv, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1})
	Expect(err).NotTo(HaveOccurred())
	go srv.Start()
	Expect(srv.ReadyForConnections(5 * time.Second)).To(BeTrue())
	return srv
}

var _ = Describe("NATS control plane", func() {
	var (
		srv     *natsserver.Server
		device  *nats.Conn
		invoker *NATSInvoker
	)

	BeforeEach(func() {
		srv = runNATSServer()

		var err error
		device, err = nats.Connect(srv.ClientURL())
		Expect(err).NotTo(HaveOccurred())

		invoker, err = NewNATSInvoker(srv.ClientURL())
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		invoker.Close()
		device.Close()
		srv.Shutdown()
	})

	It("should route a call to the device's responder", func() {
		received := make(chan *Request, 1)
		sub, err := ServeNATS(device, "dev-1", HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
			received <- req
			return &Response{Status: StatusOK, Payload: []byte("done")}, nil
		}))
		Expect(err).NotTo(HaveOccurred())
		defer sub.Unsubscribe()
		Expect(device.Flush()).To(Succeed())

		resp, err := invoker.Invoke(context.Background(), NewRequest("dev-1", []byte("led=on")))
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Payload).To(Equal([]byte("done")))

		var req *Request
		Eventually(received).Should(Receive(&req))
		Expect(req.DeviceID).To(Equal("dev-1"))
		Expect(req.MethodName).To(Equal("receive"))
		Expect(req.Payload).To(Equal([]byte("led=on")))
	})

	It("should turn a handler failure into a status error", func() {
		sub, err := ServeNATS(device, "dev-2", HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
			return nil, errors.New("actuator jammed")
		}))
		Expect(err).NotTo(HaveOccurred())
		defer sub.Unsubscribe()
		Expect(device.Flush()).To(Succeed())

		_, err = invoker.Invoke(context.Background(), NewRequest("dev-2", nil))
		Expect(err).To(MatchError(ContainSubstring("500")))
	})

	It("should report a transport error when no device responds", func() {
		_, err := invoker.Invoke(context.Background(), NewRequest("nobody", nil))
		Expect(err).To(HaveOccurred())
		var statusErr *StatusError
		Expect(errors.As(err, &statusErr)).To(BeFalse())
	})

	It("should refuse device ids that are not valid subject tokens", func() {
		_, err := invoker.Invoke(context.Background(), NewRequest("a.b", nil))
		Expect(err).To(MatchError(ContainSubstring("cannot be addressed")))

		_, err = ServeNATS(device, "a>b", HandlerFunc(nil))
		Expect(err).To(HaveOccurred())
	})
})
