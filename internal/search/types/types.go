package types

// Result represents the ranked outcome of one pivot fan-out.
type Result struct {
	Flights []Flight `json:"flights"`

	PivotsSearched  int `json:"pivots_searched"`
	PivotsSucceeded int `json:"pivots_succeeded"`
	PivotsFailed    int `json:"pivots_failed"`

	TotalFound         int `json:"total_found"`
	DirectFound        int `json:"direct_found"`
	ConnectingFound    int `json:"connecting_found"`
	DirectReturned     int `json:"direct_returned"`
	ConnectingReturned int `json:"connecting_returned"`
}

// Flight is a normalized flight offer.
type Flight struct {
	ID              string    `json:"id"`
	Airline         string    `json:"airline"`
	AirlineCode     string    `json:"airlineCode"`
	AirlineName     string    `json:"airlineName,omitempty"`
	FlightNumber    string    `json:"flightNumber"`
	From            string    `json:"from"`
	To              string    `json:"to"`
	OriginCity      string    `json:"originCity,omitempty"`
	OriginCountry   string    `json:"originCountry,omitempty"`
	DestCity        string    `json:"destinationCity,omitempty"`
	DestCountry     string    `json:"destinationCountry,omitempty"`
	Departure       string    `json:"departure"`
	Arrival         string    `json:"arrival"`
	Duration        string    `json:"duration"`
	DurationMinutes int       `json:"durationMinutes"`
	Stops           int       `json:"stops"`
	Price           float64   `json:"price"`
	Currency        string    `json:"currency"`
	Aircraft        string    `json:"aircraft,omitempty"`
	AvailableSeats  int       `json:"availableSeats"`
	Segments        []Segment `json:"segments"`
}

// Direct reports whether the flight has no intermediate stops.
func (f Flight) Direct() bool {
	return f.Stops == 0
}

// Segment is one leg of a flight.
type Segment struct {
	Airline      string `json:"airline"`
	FlightNumber string `json:"flightNumber"`
	From         string `json:"from"`
	To           string `json:"to"`
	Departure    string `json:"departure"`
	Arrival      string `json:"arrival"`
	Duration     string `json:"duration,omitempty"`
	Aircraft     string `json:"aircraft,omitempty"`
}

// Source tells a client where a flight list came from.
type Source string

const (
	SourceCache    Source = "cache"
	SourceSearch   Source = "dynamic-search-direct-priority"
	SourceStale    Source = "stale-fallback"
	SourceNoPivots Source = "no-pivots"
	SourceNoData   Source = "no-data"
	SourceRefresh  Source = "refresh"
)
