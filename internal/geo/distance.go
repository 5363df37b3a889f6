// Package geo provides great-circle distance for radius tests.
package geo

import "math"

// earthRadiusMiles is the mean Earth radius in statute miles.
const earthRadiusMiles = 3958.7613

// DistanceMiles returns the haversine great-circle distance in miles between
// two latitude/longitude pairs given in degrees.
func DistanceMiles(lat1, lng1, lat2, lng2 float64) float64 {
	const degToRad = math.Pi / 180

	phi1 := lat1 * degToRad
	phi2 := lat2 * degToRad
	dPhi := (lat2 - lat1) * degToRad
	dLambda := (lng2 - lng1) * degToRad

	sinPhi := math.Sin(dPhi / 2)
	sinLambda := math.Sin(dLambda / 2)

	a := sinPhi*sinPhi + math.Cos(phi1)*math.Cos(phi2)*sinLambda*sinLambda
	return 2 * earthRadiusMiles * math.Asin(math.Min(1, math.Sqrt(a)))
}
