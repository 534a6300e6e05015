package drivers

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ridewire/dispatch/internal/geoindex"
	"github.com/ridewire/dispatch/pkg/httpclient"
	"github.com/ridewire/dispatch/pkg/logger"
	"github.com/ridewire/dispatch/pkg/resilience"
)

// Registry propagates driver availability transitions. Writes always hit the
// local supply index; when a remote registry URL is configured the change is
// mirrored there too. Both paths are best-effort and idempotent: the dispatch
// flow never fails because an availability write did.
type Registry struct {
	geo     *geoindex.Service
	client  *httpclient.Client
	breaker *resilience.CircuitBreaker
}

// NewRegistry creates a registry over the local geo index. remoteURL may be
// empty to disable mirroring.
func NewRegistry(geo *geoindex.Service, remoteURL string, timeout time.Duration) *Registry {
	r := &Registry{geo: geo}
	if remoteURL != "" {
		r.client = httpclient.NewClient(remoteURL, timeout, httpclient.WithProviderRetry())
		r.breaker = resilience.NewCircuitBreaker(resilience.Settings{
			Name:             "driver-registry",
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
		}, nil)
	}
	return r
}

type availabilityRequest struct {
	Availability string `json:"availability"`
}

// SetAvailability transitions a driver to the given availability state.
func (r *Registry) SetAvailability(ctx context.Context, driverID, availability string) {
	if err := r.geo.SetAvailability(ctx, driverID, availability); err != nil {
		logger.WarnContext(ctx, "failed to update local driver availability",
			zap.String("driver_id", driverID),
			zap.String("availability", availability),
			zap.Error(err),
		)
	}

	if r.client == nil {
		return
	}

	_, err := r.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return r.client.Put(ctx, "/drivers/"+driverID+"/availability", availabilityRequest{
			Availability: availability,
		})
	})
	if err != nil {
		logger.WarnContext(ctx, "failed to mirror driver availability to registry",
			zap.String("driver_id", driverID),
			zap.String("availability", availability),
			zap.Error(err),
		)
	}
}
