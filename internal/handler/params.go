package handler

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

const dateLayout = "2006-01-02"

var (
	// errMissingParams is returned when to or date is absent.
	errMissingParams = errors.New("missing required parameters: to and date")

	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// FlightParams holds validated flight query parameters.
type FlightParams struct {
	To   string `validate:"required,len=3,alpha"`
	Date string `validate:"required,datetime=2006-01-02"`
}

// ParseFlightParams reads to and date from the query string. The
// destination is upper-cased and the date must not be before today in UTC.
func ParseFlightParams(r *http.Request, now time.Time) (*FlightParams, error) {
	query := r.URL.Query()
	p := &FlightParams{
		To:   strings.ToUpper(strings.TrimSpace(query.Get("to"))),
		Date: strings.TrimSpace(query.Get("date")),
	}
	if p.To == "" || p.Date == "" {
		return nil, errMissingParams
	}

	if err := getValidator().Struct(p); err != nil {
		return nil, describe(err)
	}

	day, _ := time.Parse(dateLayout, p.Date)
	today := now.UTC().Truncate(24 * time.Hour)
	if day.Before(today) {
		return nil, fmt.Errorf("date %s is in the past", p.Date)
	}

	return p, nil
}

// describe turns validator errors into one readable message.
func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Field() {
		case "To":
			msgs = append(msgs, "to must be a 3-letter IATA airport code")
		case "Date":
			msgs = append(msgs, "date must be in YYYY-MM-DD format")
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

// ExtractIP extracts the client IP from the request.
// Checks X-Forwarded-For, X-Real-IP, then falls back to RemoteAddr.
func ExtractIP(r *http.Request) string {
	// Check X-Forwarded-For (first IP in the list)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}

	// Check X-Real-IP
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	// Fallback to RemoteAddr (strip port)
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
