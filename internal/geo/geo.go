package geo

import (
	"math"
	"sort"

	"github.com/example/ride-dispatch/internal/models"
)

const earthRadiusKm = 6371.0

// HaversineKm returns the great-circle distance in kilometres.
func HaversineKm(a, b models.Coord) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}

// Candidate is a driver ranked by distance from an origin.
type Candidate struct {
	Driver     models.Driver
	DistanceKm float64
}

// Nearby keeps drivers with a known location within radiusKm of origin,
// closest first. Equal distances fall back to registration order so the
// ranking is stable. limit <= 0 means unbounded.
func Nearby(drivers []models.Driver, origin models.Coord, radiusKm float64, limit int) []Candidate {
	out := make([]Candidate, 0, len(drivers))
	for _, d := range drivers {
		if d.Loc == nil {
			continue
		}
		dist := HaversineKm(origin, *d.Loc)
		if dist > radiusKm {
			continue
		}
		out = append(out, Candidate{Driver: d, DistanceKm: dist})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].Driver.RegisteredAt.Before(out[j].Driver.RegisteredAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
