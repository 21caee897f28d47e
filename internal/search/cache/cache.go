package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/alex-user-go/globefare/internal/obs"
	"github.com/alex-user-go/globefare/internal/search/types"
)

const (
	aggregatePrefix = "flight-cache-"
	routePrefix     = "flight-"
	noDataPrefix    = "no-data-"
	noDataDir       = "no-data"
	fileExt         = ".json"

	// RouteSource tags route entries written from upstream responses.
	RouteSource = "amadeus-api"
)

var (
	// ErrNotFound is returned when no cache file exists for a key.
	ErrNotFound = errors.New("cache entry not found")

	// ErrExpired is returned alongside a stale entry.
	ErrExpired = errors.New("cache entry expired")

	// ErrInvalidKey is returned for codes or dates that cannot form a file name.
	ErrInvalidKey = errors.New("invalid cache key")
)

var (
	iataPattern = regexp.MustCompile(`^[A-Z]{3}$`)
	datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
)

// Policy holds the expiry rules.
type Policy struct {
	// ProtectedTTL applies to aggregates holding at least ProtectionThreshold flights.
	ProtectedTTL time.Duration
	// ShortTTL applies to smaller aggregates.
	ShortTTL            time.Duration
	RouteTTL            time.Duration
	NoDataTTL           time.Duration
	ProtectionThreshold int
}

// TTLFor returns the lifetime of an aggregate holding n flights.
func (p Policy) TTLFor(n int) time.Duration {
	if n >= p.ProtectionThreshold {
		return p.ProtectedTTL
	}
	return p.ShortTTL
}

// Aggregate is the ranked flight list for one destination and date.
type Aggregate struct {
	Destination        string         `json:"destination"`
	Date               string         `json:"date"`
	Flights            []types.Flight `json:"flights"`
	Timestamp          int64          `json:"timestamp"`
	CachedAt           string         `json:"cached_at"`
	ExpiresAt          string         `json:"expires_at"`
	Source             string         `json:"source"`
	PivotsSearched     int            `json:"pivots_searched"`
	PivotsSucceeded    int            `json:"pivots_succeeded"`
	TotalFound         int            `json:"total_found"`
	DirectFound        int            `json:"direct_found"`
	ConnectingFound    int            `json:"connecting_found"`
	DirectReturned     int            `json:"direct_returned"`
	ConnectingReturned int            `json:"connecting_returned"`
	Returned           int            `json:"returned"`
	SearchDurationMs   int64          `json:"search_duration_ms,omitempty"`
}

// SavedAt returns the write time recorded in the entry.
func (a *Aggregate) SavedAt() time.Time {
	return time.UnixMilli(a.Timestamp)
}

// RouteEntry holds the raw upstream offers for one route.
type RouteEntry struct {
	From      string          `json:"from"`
	To        string          `json:"to"`
	Date      string          `json:"date"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	Source    string          `json:"__source"`
	CachedAt  string          `json:"cached_at"`
	ExpiresAt string          `json:"expires_at"`
}

// NoDataMarker records that a route returned no offers.
type NoDataMarker struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Date      string `json:"date"`
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp"`
	CachedAt  string `json:"cached_at"`
}

// FileStatus describes one aggregate file.
type FileStatus struct {
	File           string  `json:"file"`
	Destination    string  `json:"destination"`
	Date           string  `json:"date"`
	Flights        int     `json:"flights"`
	AgeHours       float64 `json:"age_hours"`
	Valid          bool    `json:"valid"`
	Protected      bool    `json:"protected"`
	ExpiresInHours float64 `json:"expires_in_hours"`
}

// Cache is a directory of JSON files with TTL checks on read.
//
// Writes go to a temp file and are renamed into place. GetOrSearch collapses
// concurrent searches for the same key into one call.
type Cache struct {
	dir     string
	policy  Policy
	group   singleflight.Group
	metrics *obs.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// New creates the cache directories and returns a Cache rooted at dir.
func New(dir string, policy Policy, metrics *obs.Metrics, logger zerolog.Logger) (*Cache, error) {
	if err := os.MkdirAll(filepath.Join(dir, noDataDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &Cache{
		dir:     dir,
		policy:  policy,
		metrics: metrics,
		logger:  logger.With().Str("component", "cache").Logger(),
		now:     time.Now,
	}, nil
}

// Policy returns the expiry rules in use.
func (c *Cache) Policy() Policy {
	return c.policy
}

// Key returns the aggregate key for a destination and date.
func (c *Cache) Key(dest, date string) string {
	return dest + ":" + date
}

// LoadAggregate reads the aggregate for dest and date. A stale entry is
// returned together with ErrExpired.
func (c *Cache) LoadAggregate(dest, date string) (*Aggregate, error) {
	path, err := c.aggregatePath(dest, date)
	if err != nil {
		return nil, err
	}

	var a Aggregate
	if err := readJSON(path, &a); err != nil {
		if errors.Is(err, ErrNotFound) {
			c.metrics.IncCacheLookup("aggregate", "miss")
		}
		return nil, err
	}

	age := c.now().Sub(a.SavedAt())
	if age >= c.policy.TTLFor(len(a.Flights)) {
		c.metrics.IncCacheLookup("aggregate", "stale")
		return &a, fmt.Errorf("%w: %s-%s is %s old", ErrExpired, dest, date, age.Round(time.Minute))
	}

	c.metrics.IncCacheLookup("aggregate", "hit")
	return &a, nil
}

// SaveAggregate stamps a and writes it.
func (c *Cache) SaveAggregate(a *Aggregate) error {
	path, err := c.aggregatePath(a.Destination, a.Date)
	if err != nil {
		return err
	}

	now := c.now()
	a.Timestamp = now.UnixMilli()
	a.CachedAt = now.UTC().Format(time.RFC3339)
	a.ExpiresAt = now.Add(c.policy.TTLFor(len(a.Flights))).UTC().Format(time.RFC3339)
	a.Returned = len(a.Flights)

	if err := WriteJSONAtomic(path, a); err != nil {
		return fmt.Errorf("failed to save aggregate %s-%s: %w", a.Destination, a.Date, err)
	}
	c.logger.Debug().Str("destination", a.Destination).Str("date", a.Date).Int("flights", len(a.Flights)).Msg("aggregate saved")
	return nil
}

// LoadRoute reads the raw offers cached for one route.
func (c *Cache) LoadRoute(from, to, date string) (*RouteEntry, error) {
	path, err := c.routePath(from, to, date)
	if err != nil {
		return nil, err
	}

	var e RouteEntry
	if err := readJSON(path, &e); err != nil {
		if errors.Is(err, ErrNotFound) {
			c.metrics.IncCacheLookup("route", "miss")
		}
		return nil, err
	}
	if c.now().Sub(time.UnixMilli(e.Timestamp)) >= c.policy.RouteTTL {
		c.metrics.IncCacheLookup("route", "stale")
		return &e, ErrExpired
	}

	c.metrics.IncCacheLookup("route", "hit")
	return &e, nil
}

// SaveRoute writes data as the raw offers for one route.
func (c *Cache) SaveRoute(from, to, date string, data any) error {
	path, err := c.routePath(from, to, date)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode route data: %w", err)
	}

	now := c.now()
	e := RouteEntry{
		From:      from,
		To:        to,
		Date:      date,
		Data:      raw,
		Timestamp: now.UnixMilli(),
		Source:    RouteSource,
		CachedAt:  now.UTC().Format(time.RFC3339),
		ExpiresAt: now.Add(c.policy.RouteTTL).UTC().Format(time.RFC3339),
	}
	if err := WriteJSONAtomic(path, e); err != nil {
		return fmt.Errorf("failed to save route %s-%s-%s: %w", from, to, date, err)
	}
	return nil
}

// SaveNoData records that a route had no availability.
func (c *Cache) SaveNoData(from, to, date, reason string) error {
	path, err := c.noDataPath(from, to, date)
	if err != nil {
		return err
	}
	now := c.now()
	m := NoDataMarker{
		From:      from,
		To:        to,
		Date:      date,
		Reason:    reason,
		Timestamp: now.UnixMilli(),
		CachedAt:  now.UTC().Format(time.RFC3339),
	}
	if err := WriteJSONAtomic(path, m); err != nil {
		return fmt.Errorf("failed to save no-data marker %s-%s-%s: %w", from, to, date, err)
	}
	return nil
}

// HasNoData reports whether a fresh no-data marker exists for the route.
func (c *Cache) HasNoData(from, to, date string) bool {
	path, err := c.noDataPath(from, to, date)
	if err != nil {
		return false
	}
	var m NoDataMarker
	if err := readJSON(path, &m); err != nil {
		return false
	}
	if c.now().Sub(time.UnixMilli(m.Timestamp)) >= c.policy.NoDataTTL {
		return false
	}
	c.metrics.IncCacheLookup("no_data", "hit")
	return true
}

// GetOrSearch runs search once per key for all concurrent callers. The search
// runs detached from the caller's cancellation so waiters still get a result
// when the first caller goes away. shared reports whether the result was
// produced for another caller too.
func (c *Cache) GetOrSearch(
	ctx context.Context,
	key string,
	search func(context.Context) (*types.Result, error),
) (result *types.Result, shared bool, err error) {
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		return search(detached)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		r, _ := res.Val.(*types.Result)
		return r, res.Shared, nil
	case <-ctx.Done():
		return nil, false, context.Cause(ctx)
	}
}

// Cleanup removes cache files whose modification time is older than maxAge.
func (c *Cache) Cleanup(maxAge time.Duration) (int, error) {
	cutoff := c.now().Add(-maxAge)
	deleted := 0

	err := filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != c.dir && d.Name() != noDataDir {
				return filepath.SkipDir
			}
			return nil
		}
		name := d.Name()
		if !strings.HasSuffix(name, fileExt) ||
			!(strings.HasPrefix(name, routePrefix) || strings.HasPrefix(name, noDataPrefix) || strings.HasPrefix(name, ".tmp-")) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				c.logger.Warn().Err(err).Str("file", name).Msg("failed to remove old cache file")
				return nil
			}
			deleted++
		}
		return nil
	})
	c.metrics.AddFilesDeleted(deleted)
	if err != nil {
		return deleted, fmt.Errorf("cache cleanup: %w", err)
	}
	if deleted > 0 {
		c.logger.Info().Int("deleted", deleted).Dur("max_age", maxAge).Msg("old cache files removed")
	}
	return deleted, nil
}

// Invalidate removes the aggregate for dest and date. Removing a missing entry is not an error.
func (c *Cache) Invalidate(dest, date string) error {
	path, err := c.aggregatePath(dest, date)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to invalidate %s-%s: %w", dest, date, err)
	}
	return nil
}

// Clear removes every aggregate file and returns how many were removed.
func (c *Cache) Clear() (int, error) {
	names, err := c.aggregateFiles()
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, name := range names {
		if err := os.Remove(filepath.Join(c.dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return deleted, fmt.Errorf("failed to remove %s: %w", name, err)
		}
		deleted++
	}
	c.metrics.AddFilesDeleted(deleted)
	return deleted, nil
}

// Status lists every aggregate file with its freshness.
func (c *Cache) Status() ([]FileStatus, error) {
	names, err := c.aggregateFiles()
	if err != nil {
		return nil, err
	}

	now := c.now()
	out := make([]FileStatus, 0, len(names))
	for _, name := range names {
		var a Aggregate
		if err := readJSON(filepath.Join(c.dir, name), &a); err != nil {
			c.logger.Warn().Err(err).Str("file", name).Msg("unreadable aggregate file")
			continue
		}
		age := now.Sub(a.SavedAt())
		ttl := c.policy.TTLFor(len(a.Flights))
		out = append(out, FileStatus{
			File:           name,
			Destination:    a.Destination,
			Date:           a.Date,
			Flights:        len(a.Flights),
			AgeHours:       roundHours(age),
			Valid:          age < ttl,
			Protected:      len(a.Flights) >= c.policy.ProtectionThreshold,
			ExpiresInHours: roundHours(max(ttl-age, 0)),
		})
	}
	return out, nil
}

func (c *Cache) aggregateFiles() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), aggregatePrefix) && strings.HasSuffix(e.Name(), fileExt) {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (c *Cache) aggregatePath(dest, date string) (string, error) {
	if !iataPattern.MatchString(dest) || !datePattern.MatchString(date) {
		return "", fmt.Errorf("%w: %q %q", ErrInvalidKey, dest, date)
	}
	return filepath.Join(c.dir, aggregatePrefix+dest+"-"+date+fileExt), nil
}

func (c *Cache) routePath(from, to, date string) (string, error) {
	if !iataPattern.MatchString(from) || !iataPattern.MatchString(to) || !datePattern.MatchString(date) {
		return "", fmt.Errorf("%w: %q %q %q", ErrInvalidKey, from, to, date)
	}
	return filepath.Join(c.dir, routePrefix+from+"-"+to+"-"+date+fileExt), nil
}

func (c *Cache) noDataPath(from, to, date string) (string, error) {
	if !iataPattern.MatchString(from) || !iataPattern.MatchString(to) || !datePattern.MatchString(date) {
		return "", fmt.Errorf("%w: %q %q %q", ErrInvalidKey, from, to, date)
	}
	return filepath.Join(c.dir, noDataDir, noDataPrefix+from+"-"+to+"-"+date+fileExt), nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

// WriteJSONAtomic writes v as indented JSON to path through a temp file in
// the same directory, so readers never see a partial file.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*"+fileExt)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func roundHours(d time.Duration) float64 {
	return float64(int64(d.Hours()*10+0.5)) / 10
}
