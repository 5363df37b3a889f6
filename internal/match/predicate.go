// Package match evaluates load offers against hunt plans and creates
// matches. Evaluation is pure; all coordinate resolution happens before the
// predicate runs.
package match

import (
	"github.com/haulboard/loadhunt/internal/geo"
	"github.com/haulboard/loadhunt/internal/model"
	"github.com/haulboard/loadhunt/internal/vehicle"
)

// DefaultRadiusMiles applies when a plan sets no origin radius.
const DefaultRadiusMiles = 100.0

// Outcome is the result of evaluating one offer against one plan.
// DistanceMiles is set only when the origin matched by radius; an exact
// postal-code match carries no distance.
type Outcome struct {
	Matches       bool
	DistanceMiles *float64
	Reason        string // populated on non-match, for debug logging
}

func noMatch(reason string) Outcome {
	return Outcome{Reason: reason}
}

// Evaluate runs the predicate chain for one (plan, offer) pair: pickup date,
// then vehicle type, then geography. The chain short-circuits on the first
// failing check, so the geography step (the only one that can involve
// geocoded coordinates) runs last.
func Evaluate(plan *model.HuntPlan, offer *model.LoadOffer, vehicles *vehicle.Table) Outcome {
	if !dateOK(plan, offer) {
		return noMatch("pickup before available date")
	}
	if !vehicleTypeOK(plan, offer, vehicles) {
		return noMatch("vehicle type not wanted")
	}
	if !destOK(plan, offer) {
		return noMatch("destination filter rejected")
	}
	return originOK(plan, offer)
}

// dateOK applies the date rule only when both sides carry a date: the
// offer's pickup must be on or after the plan's available date, both
// truncated to calendar date. A date that is present but unparseable fails
// the match.
func dateOK(plan *model.HuntPlan, offer *model.LoadOffer) bool {
	if plan.AvailableDate == "" || offer.PickupDate == "" {
		return true
	}
	available, ok := model.ParseDate(plan.AvailableDate)
	if !ok {
		return false
	}
	pickup, ok := model.ParseDate(offer.PickupDate)
	if !ok {
		return false
	}
	return !pickup.Before(available)
}

// vehicleTypeOK applies the type rule only when the plan restricts types and
// the offer declares one: the offer's canonical type must be in the plan's
// wanted set.
func vehicleTypeOK(plan *model.HuntPlan, offer *model.LoadOffer, vehicles *vehicle.Table) bool {
	if len(plan.VehicleTypes) == 0 || offer.VehicleTypeRaw == "" {
		return true
	}
	canonical := vehicles.Canonical(offer.VehicleTypeRaw)
	for _, want := range plan.VehicleTypes {
		if want == canonical {
			return true
		}
	}
	return false
}

// destOK applies the optional destination filter. Plans carry only a postal
// code for the destination, so the comparison is exact string equality.
func destOK(plan *model.HuntPlan, offer *model.LoadOffer) bool {
	if plan.DestPostalCode == "" {
		return true
	}
	return plan.DestPostalCode == offer.Dest.PostalCode
}

// originOK applies the geography check. Coordinates on both sides use the
// great-circle distance against the plan radius, inclusive at the boundary.
// Without usable coordinates the check falls back to exact postal-code
// equality, which produces a match with no distance.
func originOK(plan *model.HuntPlan, offer *model.LoadOffer) Outcome {
	if plan.OriginCoords != nil && offer.Origin.Coords != nil {
		radius := DefaultRadiusMiles
		if plan.RadiusMiles != nil {
			radius = *plan.RadiusMiles
		}
		d := geo.DistanceMiles(plan.OriginCoords.Lat, plan.OriginCoords.Lng,
			offer.Origin.Coords.Lat, offer.Origin.Coords.Lng)
		if d <= radius {
			return Outcome{Matches: true, DistanceMiles: &d}
		}
		return noMatch("origin outside radius")
	}

	if plan.OriginPostalCode != "" && plan.OriginPostalCode == offer.Origin.PostalCode {
		return Outcome{Matches: true}
	}
	return noMatch("no usable origin geography")
}
