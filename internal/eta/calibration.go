package eta

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ridewire/dispatch/pkg/httpclient"
)

// Calibrator adjusts raw travel times through an ML inference endpoint that
// was trained on observed trip durations.
type Calibrator struct {
	client *httpclient.Client
}

// NewCalibrator creates a calibration client for the given base URL.
func NewCalibrator(baseURL string, timeout time.Duration) *Calibrator {
	return &Calibrator{
		client: httpclient.NewClient(baseURL, timeout),
	}
}

type calibrateRequest struct {
	OsrmDuration float64 `json:"osrmDuration"`
	Hour         int     `json:"hour"`
	Dow          int     `json:"dow"`
}

type calibrateResponse struct {
	CalibratedDuration float64 `json:"calibratedDuration"`
}

// Calibrate returns the adjusted duration for one raw travel time. Callers
// keep the raw value on any error: calibration is an optimization, never a
// gate.
func (c *Calibrator) Calibrate(ctx context.Context, rawSeconds float64, hour, dow int) (float64, error) {
	body, err := c.client.Post(ctx, "/eta/calibrate", calibrateRequest{
		OsrmDuration: rawSeconds,
		Hour:         hour,
		Dow:          dow,
	})
	if err != nil {
		return 0, err
	}

	var resp calibrateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("malformed calibration response: %w", err)
	}
	if resp.CalibratedDuration < 0 {
		return 0, fmt.Errorf("calibration returned negative duration %f", resp.CalibratedDuration)
	}
	return resp.CalibratedDuration, nil
}
