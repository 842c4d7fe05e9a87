package httpapi

import (
	"errors"
	"math"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	tripOneWay    = "one_way"
	tripRoundTrip = "round_trip"
)

type coords struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// tripDistance prefers an explicit distance and falls back to the great
// circle distance between the two points.
func tripDistance(distanceKM *float64, from, to *coords) (float64, error) {
	if distanceKM != nil {
		if *distanceKM <= 0 || math.IsNaN(*distanceKM) || math.IsInf(*distanceKM, 0) {
			return 0, errors.New("distanceKm must be positive")
		}
		return *distanceKM, nil
	}
	if from == nil || to == nil {
		return 0, errors.New("distanceKm or origin and destination coordinates required")
	}
	if !validCoords(*from) || !validCoords(*to) {
		return 0, errors.New("coordinates out of range")
	}
	return round2(haversineKM(from.Lat, from.Lng, to.Lat, to.Lng)), nil
}

func validCoords(c coords) bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

// quotePrice is base fare plus the per-km rate; a round trip pays the
// distance twice.
func quotePrice(baseFare, perKM, km float64, tripType string) float64 {
	d := perKM * km
	if tripType == tripRoundTrip {
		d *= 2
	}
	return round2(baseFare + d)
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func normalizeTripType(s string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", tripOneWay:
		return tripOneWay, true
	case tripRoundTrip:
		return tripRoundTrip, true
	default:
		return "", false
	}
}

type bookingInput struct {
	CustomerName  string   `json:"customerName"`
	CustomerEmail string   `json:"customerEmail"`
	CustomerPhone string   `json:"customerPhone"`
	Origin        string   `json:"origin"`
	Destination   string   `json:"destination"`
	OriginCoords  *coords  `json:"originCoords"`
	DestCoords    *coords  `json:"destinationCoords"`
	DistanceKM    *float64 `json:"distanceKm"`
	TripType      string   `json:"tripType"`
	PickupAt      string   `json:"pickupAt"`
	ReturnAt      string   `json:"returnAt"`
	Passengers    int      `json:"passengers"`
	VehicleTypeID int64    `json:"vehicleTypeId"`
	Notes         string   `json:"notes"`
}

type validBooking struct {
	bookingInput
	distance float64
	pickup   time.Time
	ret      *time.Time
}

// validate checks everything that does not need the database. Capacity is
// checked once the vehicle type is loaded.
func (in bookingInput) validate(now time.Time) (validBooking, error) {
	v := validBooking{bookingInput: in}
	v.CustomerName = strings.TrimSpace(in.CustomerName)
	v.CustomerEmail = strings.TrimSpace(strings.ToLower(in.CustomerEmail))
	v.CustomerPhone = strings.TrimSpace(in.CustomerPhone)
	v.Origin = strings.TrimSpace(in.Origin)
	v.Destination = strings.TrimSpace(in.Destination)
	v.Notes = strings.TrimSpace(in.Notes)

	if v.CustomerName == "" {
		return v, errors.New("customerName required")
	}
	if _, err := mail.ParseAddress(v.CustomerEmail); err != nil {
		return v, errors.New("valid customerEmail required")
	}
	if v.Origin == "" || v.Destination == "" {
		return v, errors.New("origin and destination required")
	}
	if v.Passengers < 1 {
		return v, errors.New("passengers must be at least 1")
	}
	if v.VehicleTypeID <= 0 {
		return v, errors.New("vehicleTypeId required")
	}
	tt, ok := normalizeTripType(in.TripType)
	if !ok {
		return v, errors.New("tripType must be one_way or round_trip")
	}
	v.TripType = tt

	pickup, err := time.Parse(time.RFC3339, strings.TrimSpace(in.PickupAt))
	if err != nil {
		return v, errors.New("pickupAt must be an RFC 3339 timestamp")
	}
	if !pickup.After(now) {
		return v, errors.New("pickupAt must be in the future")
	}
	v.pickup = pickup

	if s := strings.TrimSpace(in.ReturnAt); s != "" {
		ret, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return v, errors.New("returnAt must be an RFC 3339 timestamp")
		}
		v.ret = &ret
	}
	if v.TripType == tripRoundTrip {
		if v.ret == nil {
			return v, errors.New("returnAt required for round_trip")
		}
		if !v.ret.After(v.pickup) {
			return v, errors.New("returnAt must be after pickupAt")
		}
	} else {
		v.ret = nil
	}

	v.distance, err = tripDistance(in.DistanceKM, in.OriginCoords, in.DestCoords)
	if err != nil {
		return v, err
	}
	return v, nil
}

// newReference returns a public booking reference such as TH-3F9A1C2B.
func newReference() string {
	return "TH-" + strings.ToUpper(uuid.NewString()[:8])
}

// ---------- math utils ----------
func haversineKM(lat1, lng1, lat2, lng2 float64) float64 {
	const R = 6371.0
	dLat := deg2rad(lat2 - lat1)
	dLng := deg2rad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(deg2rad(lat1))*math.Cos(deg2rad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

func deg2rad(d float64) float64 { return d * 0.017453292519943295 }
