package search

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/alex-user-go/globefare/internal/providers"
	"github.com/alex-user-go/globefare/internal/search/types"
)

const defaultCurrency = "EUR"

var (
	isoDuration  = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:\d+(?:\.\d+)?S)?)?$`)
	idStripChars = strings.NewReplacer("-", "", ":", "")
)

// normalizeOffer converts the outbound itinerary of an offer into a Flight.
// Offers without segments or with a non-positive price are dropped.
func normalizeOffer(o providers.Offer) (types.Flight, bool) {
	if len(o.Itineraries) == 0 || len(o.Itineraries[0].Segments) == 0 {
		return types.Flight{}, false
	}
	price := o.Price.Amount()
	if price <= 0 {
		return types.Flight{}, false
	}

	itin := o.Itineraries[0]
	first := itin.Segments[0]
	last := itin.Segments[len(itin.Segments)-1]

	carrier := strings.ToUpper(strings.TrimSpace(first.CarrierCode))
	if carrier == "" && len(o.ValidatingAirlineCodes) > 0 {
		carrier = strings.ToUpper(o.ValidatingAirlineCodes[0])
	}
	if carrier == "" {
		return types.Flight{}, false
	}
	number := strings.TrimSpace(first.Number)
	if number == "" {
		number = "001"
	}

	currency := strings.ToUpper(strings.TrimSpace(o.Price.Currency))
	if currency == "" {
		currency = defaultCurrency
	}

	from := strings.ToUpper(first.Departure.IATACode)
	to := strings.ToUpper(last.Arrival.IATACode)
	minutes, _ := parseISODuration(itin.Duration)

	segments := make([]types.Segment, 0, len(itin.Segments))
	for _, s := range itin.Segments {
		segments = append(segments, types.Segment{
			Airline:      s.CarrierCode,
			FlightNumber: s.CarrierCode + s.Number,
			From:         s.Departure.IATACode,
			To:           s.Arrival.IATACode,
			Departure:    s.Departure.At,
			Arrival:      s.Arrival.At,
			Duration:     s.Duration,
			Aircraft:     s.Aircraft.Code,
		})
	}

	flightNumber := carrier + number
	return types.Flight{
		ID:              fmt.Sprintf("%s-%s-%s-%s", flightNumber, from, to, idStripChars.Replace(first.Departure.At)),
		Airline:         carrier,
		AirlineCode:     carrier,
		FlightNumber:    flightNumber,
		From:            from,
		To:              to,
		Departure:       first.Departure.At,
		Arrival:         last.Arrival.At,
		Duration:        itin.Duration,
		DurationMinutes: minutes,
		Stops:           len(itin.Segments) - 1,
		Price:           price,
		Currency:        currency,
		Aircraft:        first.Aircraft.Code,
		AvailableSeats:  o.NumberOfBookableSeats,
		Segments:        segments,
	}, true
}

// dedupe keeps the cheapest flight per airline, flight number, origin and departure.
func dedupe(flights []types.Flight) []types.Flight {
	index := make(map[string]int, len(flights))
	out := make([]types.Flight, 0, len(flights))
	for _, f := range flights {
		key := f.AirlineCode + "|" + f.FlightNumber + "|" + f.From + "|" + f.Departure
		if i, ok := index[key]; ok {
			if f.Price < out[i].Price {
				out[i] = f
			}
			continue
		}
		index[key] = len(out)
		out = append(out, f)
	}
	return out
}

// rankDirectFirst sorts direct and connecting flights by price and returns up
// to limit flights, direct ones first.
func rankDirectFirst(flights []types.Flight, limit int) ([]types.Flight, types.Result) {
	var direct, connecting []types.Flight
	for _, f := range flights {
		if f.Direct() {
			direct = append(direct, f)
		} else {
			connecting = append(connecting, f)
		}
	}
	sortByPrice(direct)
	sortByPrice(connecting)

	directTaken := min(len(direct), limit)
	out := make([]types.Flight, 0, limit)
	out = append(out, direct[:directTaken]...)
	connectingTaken := min(len(connecting), limit-directTaken)
	out = append(out, connecting[:connectingTaken]...)

	return out, types.Result{
		TotalFound:         len(flights),
		DirectFound:        len(direct),
		ConnectingFound:    len(connecting),
		DirectReturned:     directTaken,
		ConnectingReturned: connectingTaken,
	}
}

func sortByPrice(flights []types.Flight) {
	sort.SliceStable(flights, func(i, j int) bool {
		if flights[i].Price != flights[j].Price {
			return flights[i].Price < flights[j].Price
		}
		if flights[i].Departure != flights[j].Departure {
			return flights[i].Departure < flights[j].Departure
		}
		return flights[i].ID < flights[j].ID
	})
}

// parseISODuration converts an ISO-8601 duration such as PT8H30M to minutes.
func parseISODuration(s string) (int, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	m := isoDuration.FindStringSubmatch(s)
	if m == nil || s == "P" || s == "PT" {
		return 0, false
	}
	var total int
	for i, mult := range []int{24 * 60, 60, 1} {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return 0, false
		}
		total += n * mult
	}
	return total, true
}

// FormatDuration renders minutes as "8h 30m", "45m" or "8h".
func FormatDuration(minutes int) string {
	if minutes <= 0 {
		return "--h --m"
	}
	h, m := minutes/60, minutes%60
	switch {
	case h == 0:
		return fmt.Sprintf("%dm", m)
	case m == 0:
		return fmt.Sprintf("%dh", h)
	default:
		return fmt.Sprintf("%dh %dm", h, m)
	}
}
