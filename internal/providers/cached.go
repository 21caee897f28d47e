package providers

import (
	"context"
	"errors"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/alex-user-go/globefare/internal/search/cache"
)

// RouteStore is the part of the cache the route decorator needs.
type RouteStore interface {
	LoadRoute(from, to, date string) (*cache.RouteEntry, error)
	SaveRoute(from, to, date string, data any) error
	SaveNoData(from, to, date, reason string) error
	HasNoData(from, to, date string) bool
}

// CachedProvider serves routes from the route cache and no-data markers
// before falling through to the wrapped provider.
type CachedProvider struct {
	next   Provider
	store  RouteStore
	logger zerolog.Logger
}

// NewCachedProvider wraps next with the route cache.
func NewCachedProvider(next Provider, store RouteStore, logger zerolog.Logger) *CachedProvider {
	return &CachedProvider{
		next:   next,
		store:  store,
		logger: logger.With().Str("component", "route_cache").Logger(),
	}
}

// Search implements Provider.
func (p *CachedProvider) Search(ctx context.Context, q Query) ([]Offer, error) {
	if p.store.HasNoData(q.Origin, q.Destination, q.Date) {
		p.logger.Debug().Str("route", q.String()).Msg("no-data marker hit")
		return []Offer{}, nil
	}

	entry, err := p.store.LoadRoute(q.Origin, q.Destination, q.Date)
	switch {
	case err == nil:
		var offers []Offer
		jsonErr := json.Unmarshal(entry.Data, &offers)
		if jsonErr == nil {
			p.logger.Debug().Str("route", q.String()).Int("offers", len(offers)).Msg("route cache hit")
			return offers, nil
		}
		p.logger.Warn().Err(jsonErr).Str("route", q.String()).Msg("corrupt route cache entry")
	case errors.Is(err, cache.ErrNotFound), errors.Is(err, cache.ErrExpired):
	default:
		p.logger.Warn().Err(err).Str("route", q.String()).Msg("route cache read failed")
	}

	offers, err := p.next.Search(ctx, q)
	if err != nil {
		return nil, err
	}

	if len(offers) == 0 {
		if err := p.store.SaveNoData(q.Origin, q.Destination, q.Date, "no offers returned"); err != nil {
			p.logger.Warn().Err(err).Str("route", q.String()).Msg("failed to save no-data marker")
		}
		return offers, nil
	}

	if err := p.store.SaveRoute(q.Origin, q.Destination, q.Date, offers); err != nil {
		p.logger.Warn().Err(err).Str("route", q.String()).Msg("failed to save route cache")
	}
	return offers, nil
}
