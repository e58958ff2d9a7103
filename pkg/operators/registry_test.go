package operators

import (
	"context"
	"net"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc"
	health "google.golang.org/grpc/health/grpc_health_v1"
)

type stubHealthServer struct {
	health.UnimplementedHealthServer
	state health.HealthCheckResponse_ServingStatus
}

func (s *stubHealthServer) Check(context.Context, *health.HealthCheckRequest) (*health.HealthCheckResponse, error) {
	return &health.HealthCheckResponse{Status: s.state}, nil
}

// startLocalRegistry serves the registry health endpoint on a loopback port
// and returns its address along with a stop function.
func startLocalRegistry(state health.HealthCheckResponse_ServingStatus) (string, func()) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).ToNot(HaveOccurred())

	server := grpc.NewServer()
	health.RegisterHealthServer(server, &stubHealthServer{state: state})
	go func() {
		_ = server.Serve(listener)
	}()
	return listener.Addr().String(), server.Stop
}

var _ = Describe("VerifyCatalogRegistry", func() {
	It("reports a serving registry as healthy", func() {
		address, stop := startLocalRegistry(health.HealthCheckResponse_SERVING)
		DeferCleanup(stop)

		healthy, err := VerifyCatalogRegistry(context.Background(), address)
		Expect(err).ToNot(HaveOccurred())
		Expect(healthy).To(BeTrue())
	})

	It("reports a registry that is not serving as unhealthy", func() {
		address, stop := startLocalRegistry(health.HealthCheckResponse_NOT_SERVING)
		DeferCleanup(stop)

		healthy, err := VerifyCatalogRegistry(context.Background(), address)
		Expect(err).ToNot(HaveOccurred())
		Expect(healthy).To(BeFalse())
	})

	It("reports an unreachable registry as an error", func() {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).ToNot(HaveOccurred())
		address := listener.Addr().String()
		Expect(listener.Close()).To(Succeed())

		healthy, err := VerifyCatalogRegistry(context.Background(), address)
		Expect(err).To(MatchError(ContainSubstring("health check")))
		Expect(healthy).To(BeFalse())
	})
})
