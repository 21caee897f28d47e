package providers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// Query identifies one origin-destination-date search.
type Query struct {
	Origin      string
	Destination string
	Date        string
	Adults      int
	Max         int
}

// String renders the query as FROM-TO-DATE.
func (q Query) String() string {
	return fmt.Sprintf("%s-%s-%s", q.Origin, q.Destination, q.Date)
}

// Provider fetches raw flight offers for a single route.
type Provider interface {
	// Search returns offers for q. An empty slice with a nil error means the
	// route has no availability on that date.
	Search(ctx context.Context, q Query) ([]Offer, error)
}

var (
	// ErrProviderUnavailable is returned when the upstream API cannot be reached or fails.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrCircuitOpen is returned while the circuit breaker rejects calls.
	ErrCircuitOpen = errors.New("provider circuit open")

	// ErrUnsupportedMode is returned for an unknown API mode.
	ErrUnsupportedMode = errors.New("unsupported API mode")
)

// Offer is a flight offer in the upstream wire format.
type Offer struct {
	ID                     string      `json:"id"`
	Source                 string      `json:"source,omitempty"`
	NumberOfBookableSeats  int         `json:"numberOfBookableSeats"`
	Itineraries            []Itinerary `json:"itineraries"`
	Price                  OfferPrice  `json:"price"`
	ValidatingAirlineCodes []string    `json:"validatingAirlineCodes,omitempty"`
}

// Itinerary is one direction of travel within an offer.
type Itinerary struct {
	Duration string        `json:"duration"`
	Segments []WireSegment `json:"segments"`
}

// WireSegment is a single leg within an itinerary.
type WireSegment struct {
	Departure     Endpoint `json:"departure"`
	Arrival       Endpoint `json:"arrival"`
	CarrierCode   string   `json:"carrierCode"`
	Number        string   `json:"number"`
	Aircraft      Aircraft `json:"aircraft"`
	Duration      string   `json:"duration,omitempty"`
	NumberOfStops int      `json:"numberOfStops"`
}

// Endpoint is an airport and local time.
type Endpoint struct {
	IATACode string `json:"iataCode"`
	Terminal string `json:"terminal,omitempty"`
	At       string `json:"at"`
}

// Aircraft carries the equipment code.
type Aircraft struct {
	Code string `json:"code"`
}

// OfferPrice carries the price as the upstream decimal string.
type OfferPrice struct {
	Currency   string `json:"currency"`
	Total      string `json:"total"`
	GrandTotal string `json:"grandTotal,omitempty"`
}

// Amount parses the total price. Unparseable or non-finite totals yield 0.
func (p OfferPrice) Amount() float64 {
	v, err := strconv.ParseFloat(p.Total, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// OffersResponse is the body of the flight-offers endpoint.
type OffersResponse struct {
	Data []Offer `json:"data"`
}
