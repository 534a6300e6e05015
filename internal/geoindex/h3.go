package geoindex

import (
	"github.com/uber/h3-go/v4"
)

// H3 resolution levels for different use cases.
// See: https://h3geo.org/docs/core-library/restable
const (
	// H3ResolutionMatching is used for driver supply indexing (~175m edge).
	H3ResolutionMatching = 9

	// H3ResolutionSurge is used for surge factor zones (~460m edge).
	H3ResolutionSurge = 8

	// H3ResolutionDemand is used for demand counters (~1.2 km edge).
	H3ResolutionDemand = 7
)

// LatLngToCell converts latitude/longitude to an H3 cell at the given resolution.
func LatLngToCell(lat, lng float64, resolution int) h3.Cell {
	latLng := h3.NewLatLng(lat, lng)
	cell, err := h3.LatLngToCell(latLng, resolution)
	if err != nil {
		return 0
	}
	return cell
}

// CellToLatLng returns the center coordinates of an H3 cell.
func CellToLatLng(cell h3.Cell) (lat, lng float64) {
	latLng, err := cell.LatLng()
	if err != nil {
		return 0, 0
	}
	return latLng.Lat, latLng.Lng
}

// GetKRingCellStrings returns the k-ring around a location as hex strings
// for Redis key usage.
func GetKRingCellStrings(lat, lng float64, resolution, k int) []string {
	origin := LatLngToCell(lat, lng, resolution)
	cells, err := origin.GridDisk(k)
	if err != nil {
		cells = []h3.Cell{origin}
	}
	result := make([]string, len(cells))
	for i, cell := range cells {
		result[i] = cell.String()
	}
	return result
}

// GetMatchingCell returns the H3 cell string used for supply indexing.
func GetMatchingCell(lat, lng float64) string {
	return LatLngToCell(lat, lng, H3ResolutionMatching).String()
}

// GetSurgeZone returns the H3 cell string for surge factor lookups.
func GetSurgeZone(lat, lng float64) string {
	return LatLngToCell(lat, lng, H3ResolutionSurge).String()
}

// GetDemandZone returns the H3 cell string for demand counters.
func GetDemandZone(lat, lng float64) string {
	return LatLngToCell(lat, lng, H3ResolutionDemand).String()
}
