package eta

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ridewire/dispatch/pkg/common"
	"github.com/ridewire/dispatch/pkg/httpclient"
	"github.com/ridewire/dispatch/pkg/logger"
	"github.com/ridewire/dispatch/pkg/resilience"
)

// Point is a WGS84 coordinate pair.
type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Result holds the travel times from each origin to the destination.
// A nil entry means unreachable, undefined, or filtered by the bound.
type Result struct {
	Durations []*float64
	BestIndex int
}

// Oracle answers multi-origin travel-time queries against an OSRM table
// endpoint, with optional ML calibration of the raw durations.
type Oracle struct {
	client     *httpclient.Client
	calibrator *Calibrator
	breaker    *resilience.CircuitBreaker
	now        func() time.Time
}

// NewOracle creates an oracle against the given OSRM base URL.
func NewOracle(baseURL string, timeout time.Duration) *Oracle {
	return &Oracle{
		client: httpclient.NewClient(baseURL, timeout, httpclient.WithProviderRetry()),
		now:    time.Now,
	}
}

// SetCalibrator enables per-duration calibration.
func (o *Oracle) SetCalibrator(c *Calibrator) {
	o.calibrator = c
}

// SetCircuitBreaker enables circuit breaker protection for table queries.
func (o *Oracle) SetCircuitBreaker(cb *resilience.CircuitBreaker) {
	o.breaker = cb
}

// osrmTableResponse is the wire shape of an OSRM /table reply. Durations is
// a sources×destinations matrix; unreachable pairs are null.
type osrmTableResponse struct {
	Code      string       `json:"code"`
	Message   string       `json:"message"`
	Durations [][]*float64 `json:"durations"`
}

// MultiETA computes a travel time from each origin to the destination.
// When boundSeconds is non-nil, entries above the bound are nilled out in the
// returned slice. BestIndex is the argmin over the surviving entries, ties
// broken by lowest index, -1 when none survive.
func (o *Oracle) MultiETA(ctx context.Context, origins []Point, destination Point, boundSeconds *float64) (*Result, error) {
	if len(origins) == 0 {
		return &Result{Durations: nil, BestIndex: -1}, nil
	}

	raw, err := o.tableQuery(ctx, origins, destination)
	if err != nil {
		return nil, err
	}

	durations := make([]*float64, len(origins))
	copy(durations, raw)

	if o.calibrator != nil {
		hour, dow := clockContext(o.now())
		for i, d := range durations {
			if d == nil {
				continue
			}
			calibrated, err := o.calibrator.Calibrate(ctx, *d, hour, dow)
			if err != nil {
				// Raw value survives any calibration failure
				logger.DebugContext(ctx, "eta calibration failed, keeping raw duration",
					zap.Int("origin_index", i),
					zap.Error(err),
				)
				continue
			}
			durations[i] = &calibrated
		}
	}

	if boundSeconds != nil {
		for i, d := range durations {
			if d != nil && *d > *boundSeconds {
				durations[i] = nil
			}
		}
	}

	return &Result{
		Durations: durations,
		BestIndex: BestIndex(durations),
	}, nil
}

// BestIndex returns the index of the smallest non-nil duration, ties broken
// by lowest index, or -1 when every entry is nil.
func BestIndex(durations []*float64) int {
	best := -1
	for i, d := range durations {
		if d == nil {
			continue
		}
		if best == -1 || *d < *durations[best] {
			best = i
		}
	}
	return best
}

func (o *Oracle) tableQuery(ctx context.Context, origins []Point, destination Point) ([]*float64, error) {
	path := tablePath(origins, destination)

	operation := func(ctx context.Context) (interface{}, error) {
		return o.client.Get(ctx, path)
	}

	var body []byte
	var err error
	if o.breaker != nil {
		var result interface{}
		result, err = o.breaker.Execute(ctx, operation)
		if err == nil {
			body = result.([]byte)
		}
	} else {
		var result interface{}
		result, err = operation(ctx)
		if err == nil {
			body = result.([]byte)
		}
	}
	if err != nil {
		return nil, common.NewUnavailableError("eta provider unavailable", err)
	}

	var resp osrmTableResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, common.NewUnavailableError("malformed eta provider response", err)
	}
	if resp.Code != "Ok" {
		return nil, common.NewUnavailableError(fmt.Sprintf("eta provider error: %s", resp.Message), nil)
	}
	if len(resp.Durations) != len(origins) {
		return nil, common.NewUnavailableError("eta provider returned wrong matrix shape", nil)
	}

	durations := make([]*float64, len(origins))
	for i, row := range resp.Durations {
		if len(row) == 0 {
			continue
		}
		if row[0] != nil && *row[0] >= 0 {
			durations[i] = row[0]
		}
	}
	return durations, nil
}

// tablePath builds an OSRM /table request with all origins as sources and
// the destination as the single destination. OSRM wants lon,lat order.
func tablePath(origins []Point, destination Point) string {
	var sb strings.Builder
	sb.WriteString("/table/v1/driving/")

	sources := make([]string, len(origins))
	for i, origin := range origins {
		sb.WriteString(fmt.Sprintf("%f,%f;", origin.Longitude, origin.Latitude))
		sources[i] = fmt.Sprintf("%d", i)
	}
	sb.WriteString(fmt.Sprintf("%f,%f", destination.Longitude, destination.Latitude))

	sb.WriteString("?sources=")
	sb.WriteString(strings.Join(sources, ";"))
	sb.WriteString(fmt.Sprintf("&destinations=%d", len(origins)))

	return sb.String()
}

func clockContext(t time.Time) (hour, dow int) {
	t = t.UTC()
	return t.Hour(), int(t.Weekday())
}
