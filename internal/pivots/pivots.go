// Package pivots loads the pivot airport lists searched for each destination.
package pivots

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// ErrNoPivots is returned when a destination has no usable pivot file.
var ErrNoPivots = errors.New("no pivot airports for destination")

var codePattern = regexp.MustCompile(`^[A-Z]{3}$`)

// Pivot is an alternate departure airport for a destination.
type Pivot struct {
	IATA    string `json:"iata"`
	Name    string `json:"name,omitempty"`
	City    string `json:"city,omitempty"`
	Country string `json:"country,omitempty"`
}

type entry struct {
	modTime time.Time
	pivots  []Pivot
}

// Store reads pivots-{DEST}.json files from a directory and memoizes them
// until the file changes.
type Store struct {
	dir string

	mu    sync.Mutex
	cache map[string]entry
}

// NewStore creates a Store for dir.
func NewStore(dir string) *Store {
	return &Store{
		dir:   dir,
		cache: make(map[string]entry),
	}
}

// Load returns the pivots for dest in file order, with duplicates and the
// destination itself removed.
func (s *Store) Load(dest string) ([]Pivot, error) {
	dest = strings.ToUpper(strings.TrimSpace(dest))
	if !codePattern.MatchString(dest) {
		return nil, fmt.Errorf("%w: invalid destination %q", ErrNoPivots, dest)
	}

	path := filepath.Join(s.dir, "pivots-"+dest+".json")
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoPivots, dest)
		}
		return nil, fmt.Errorf("failed to stat pivot file: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.cache[dest]; ok && e.modTime.Equal(info.ModTime()) {
		return clonePivots(e.pivots), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pivot file: %w", err)
	}
	pivots, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("pivot file for %s: %w", dest, err)
	}
	pivots = dedupe(pivots, dest)
	if len(pivots) == 0 {
		return nil, fmt.Errorf("%w: %s (empty file)", ErrNoPivots, dest)
	}

	s.cache[dest] = entry{modTime: info.ModTime(), pivots: pivots}
	return clonePivots(pivots), nil
}

// Destinations lists every destination that has a pivot file.
func (s *Store) Destinations() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "pivots-*.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to list pivot files: %w", err)
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		code := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), "pivots-"), ".json")
		if codePattern.MatchString(code) {
			out = append(out, code)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Parse decodes a pivot list. Both an array of objects with an "iata" field
// and an array of plain codes are accepted.
func Parse(data []byte) ([]Pivot, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("pivot list must be a JSON array: %w", err)
	}

	out := make([]Pivot, 0, len(raw))
	for i, item := range raw {
		var p Pivot
		switch {
		case len(item) > 0 && item[0] == '"':
			if err := json.Unmarshal(item, &p.IATA); err != nil {
				return nil, fmt.Errorf("pivot %d: %w", i, err)
			}
		default:
			if err := json.Unmarshal(item, &p); err != nil {
				return nil, fmt.Errorf("pivot %d: %w", i, err)
			}
		}
		p.IATA = strings.ToUpper(strings.TrimSpace(p.IATA))
		if !codePattern.MatchString(p.IATA) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func dedupe(pivots []Pivot, dest string) []Pivot {
	seen := make(map[string]struct{}, len(pivots))
	out := pivots[:0]
	for _, p := range pivots {
		if p.IATA == dest {
			continue
		}
		if _, ok := seen[p.IATA]; ok {
			continue
		}
		seen[p.IATA] = struct{}{}
		out = append(out, p)
	}
	return out
}

func clonePivots(p []Pivot) []Pivot {
	out := make([]Pivot, len(p))
	copy(out, p)
	return out
}
