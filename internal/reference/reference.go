// Package reference resolves airline and airport codes to display names.
package reference

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/goccy/go-json"
)

// Location is the display information for an airport code.
type Location struct {
	City    string `json:"city"`
	Country string `json:"country"`
	Airport string `json:"airport,omitempty"`
}

// Label renders "City, Country", or the city alone.
func (l Location) Label() string {
	if l.Country == "" {
		return l.City
	}
	return l.City + ", " + l.Country
}

var majorAirports = map[string]Location{
	"DPS": {City: "Bali", Country: "Indonesia"},
	"BKK": {City: "Bangkok", Country: "Thailand"},
	"SIN": {City: "Singapore", Country: "Singapore"},
	"KUL": {City: "Kuala Lumpur", Country: "Malaysia"},
	"CGK": {City: "Jakarta", Country: "Indonesia"},
	"IST": {City: "Istanbul", Country: "Turkey"},
	"DXB": {City: "Dubai", Country: "UAE"},
	"DOH": {City: "Doha", Country: "Qatar"},
	"LHR": {City: "London", Country: "UK"},
	"CDG": {City: "Paris", Country: "France"},
	"LAX": {City: "Los Angeles", Country: "USA"},
	"JFK": {City: "New York", Country: "USA"},
	"NRT": {City: "Tokyo", Country: "Japan"},
}

// Directory holds the loaded name tables. The zero value answers from the
// built-in major-airport table only.
type Directory struct {
	airlines map[string]string
	airports map[string]Location
}

type airlineRecord struct {
	ID      string `json:"id"`
	IATA    string `json:"iata"`
	Code    string `json:"code"`
	Name    string `json:"name"`
	Country string `json:"country"`
}

type airportRecord struct {
	Name    string `json:"name"`
	City    string `json:"city"`
	Country string `json:"country"`
}

// Load reads the airline and airport files. Missing files are skipped;
// malformed ones are errors.
func Load(airlinesPath, airportsPath string) (*Directory, error) {
	d := &Directory{
		airlines: make(map[string]string),
		airports: make(map[string]Location),
	}

	if data, err := readOptional(airlinesPath); err != nil {
		return nil, err
	} else if data != nil {
		var records []airlineRecord
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("failed to parse airlines file: %w", err)
		}
		for _, r := range records {
			code := strings.ToUpper(firstNonEmpty(r.ID, r.IATA, r.Code))
			if code == "" || r.Name == "" {
				continue
			}
			d.airlines[code] = r.Name
		}
	}

	if data, err := readOptional(airportsPath); err != nil {
		return nil, err
	} else if data != nil {
		var records map[string]airportRecord
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("failed to parse airports file: %w", err)
		}
		for code, r := range records {
			code = strings.ToUpper(code)
			d.airports[code] = Location{
				City:    firstNonEmpty(r.City, code),
				Country: r.Country,
				Airport: r.Name,
			}
		}
	}

	return d, nil
}

// AirlineName returns the airline name for code, or code itself.
func (d *Directory) AirlineName(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if d != nil {
		if name, ok := d.airlines[code]; ok {
			return name
		}
	}
	return code
}

// Location resolves an airport code. Unknown codes resolve to the code as city.
func (d *Directory) Location(code string) Location {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return Location{City: "Unknown"}
	}
	if d != nil {
		if l, ok := d.airports[code]; ok {
			return l
		}
	}
	if l, ok := majorAirports[code]; ok {
		return l
	}
	return Location{City: code}
}

// Counts returns the number of loaded airlines and airports.
func (d *Directory) Counts() (airlines, airports int) {
	if d == nil {
		return 0, 0
	}
	return len(d.airlines), len(d.airports)
}

func readOptional(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
