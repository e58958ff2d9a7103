package operators

import (
	"context"
	"time"

	registryclient "github.com/operator-framework/operator-registry/pkg/client"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
)

const registryReconnectTimeout = 10 * time.Second

// VerifyCatalogRegistry dials the catalog registry gRPC service at address
// and reports whether it answers health checks with a serving status. The
// address must be reachable from the caller, such as the registry service's
// cluster address when running in cluster.
func VerifyCatalogRegistry(ctx context.Context, address string) (bool, error) {
	conn, err := grpc.DialContext(ctx, address, grpc.WithInsecure())
	if err != nil {
		return false, errors.Wrapf(err, "dialing catalog registry %s", address)
	}

	registry := registryclient.NewClientFromConn(conn)
	defer registry.Close()

	healthy, err := registry.HealthCheck(ctx, registryReconnectTimeout)
	if err != nil {
		return false, errors.Wrapf(err, "catalog registry %s health check", address)
	}
	return healthy, nil
}
