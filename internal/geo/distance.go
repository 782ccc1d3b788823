// Package geo holds the great-circle distance kernel shared by the station
// directory and the report engine.
package geo

import (
	"errors"
	"fmt"
	"math"
)

// EarthRadiusKM is the IUGG mean Earth radius.
const EarthRadiusKM = 6371.0088

var ErrInvalidCoordinate = errors.New("invalid coordinate")

type Point struct {
	Lat float64
	Lon float64
}

// ValidateCoordinate rejects latitudes outside [-90, 90], longitudes outside
// [-180, 180] and NaNs.
func ValidateCoordinate(lat, lon float64) error {
	if math.IsNaN(lat) || lat < -90 || lat > 90 {
		return fmt.Errorf("%w: latitude %v", ErrInvalidCoordinate, lat)
	}
	if math.IsNaN(lon) || lon < -180 || lon > 180 {
		return fmt.Errorf("%w: longitude %v", ErrInvalidCoordinate, lon)
	}
	return nil
}

// DistanceKM returns the Haversine distance between two coordinates.
func DistanceKM(latA, lonA, latB, lonB float64) (float64, error) {
	if err := ValidateCoordinate(latA, lonA); err != nil {
		return 0, err
	}
	if err := ValidateCoordinate(latB, lonB); err != nil {
		return 0, err
	}
	return Haversine(latA, lonA, latB, lonB), nil
}

// Distance is DistanceKM for points.
func (p Point) Distance(q Point) (float64, error) {
	return DistanceKM(p.Lat, p.Lon, q.Lat, q.Lon)
}

// Haversine computes the distance without validating its inputs. Callers
// must have validated both coordinates.
func Haversine(latA, lonA, latB, lonB float64) float64 {
	phiA := latA * math.Pi / 180
	phiB := latB * math.Pi / 180
	dPhi := (latB - latA) * math.Pi / 180
	dLambda := (lonB - lonA) * math.Pi / 180

	sinPhi := math.Sin(dPhi / 2)
	sinLambda := math.Sin(dLambda / 2)
	a := sinPhi*sinPhi + math.Cos(phiA)*math.Cos(phiB)*sinLambda*sinLambda
	if a > 1 {
		a = 1
	}
	return 2 * EarthRadiusKM * math.Asin(math.Sqrt(a))
}

// LatitudeSpanDegrees is the largest latitude difference two points can have
// while being at most radiusKM apart.
func LatitudeSpanDegrees(radiusKM float64) float64 {
	return radiusKM / EarthRadiusKM * 180 / math.Pi
}
