package pricing

import (
	"context"
	"math"

	"github.com/ridewire/dispatch/internal/geoindex"
)

// Quote is a fare frozen at dispatch time, in integer minor units.
type Quote struct {
	Amount      int64   `json:"amount"`
	Currency    string  `json:"currency"`
	DistanceKm  float64 `json:"distance_km"`
	SurgeFactor float64 `json:"surge_factor"`
}

// SurgeSource provides the demand-derived multiplier for a pickup point.
type SurgeSource interface {
	SurgeFactor(ctx context.Context, latitude, longitude float64) float64
}

// Calculator computes fare quotes from trip geometry and current surge.
type Calculator struct {
	baseFare int64
	perKm    int64
	currency string
	surge    SurgeSource
}

// NewCalculator creates a fare calculator. baseFare and perKm are in minor
// units (e.g. cents). A nil surge source pins the factor at 1.0.
func NewCalculator(baseFare, perKm int64, currency string, surge SurgeSource) *Calculator {
	return &Calculator{
		baseFare: baseFare,
		perKm:    perKm,
		currency: currency,
		surge:    surge,
	}
}

// Quote computes fare = base + perKm × distance × surge, rounded to the
// nearest minor unit.
func (c *Calculator) Quote(ctx context.Context, pickupLat, pickupLon, dropoffLat, dropoffLon float64) Quote {
	distanceKm := geoindex.HaversineKm(pickupLat, pickupLon, dropoffLat, dropoffLon)

	surgeFactor := 1.0
	if c.surge != nil {
		surgeFactor = c.surge.SurgeFactor(ctx, pickupLat, pickupLon)
	}

	variable := float64(c.perKm) * distanceKm * surgeFactor
	amount := c.baseFare + int64(math.Round(variable))

	return Quote{
		Amount:      amount,
		Currency:    c.currency,
		DistanceKm:  math.Round(distanceKm*100) / 100,
		SurgeFactor: surgeFactor,
	}
}
