package pivots_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alex-user-go/globefare/internal/pivots"
)

func writePivots(t *testing.T, dir, dest, body string) string {
	t.Helper()
	path := filepath.Join(dir, "pivots-"+dest+".json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func codes(p []pivots.Pivot) []string {
	out := make([]string, len(p))
	for i := range p {
		out[i] = p[i].IATA
	}
	return out
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    []string
		wantErr bool
	}{
		{name: "objects", body: `[{"iata":"IST","city":"Istanbul"},{"iata":"DXB"}]`, want: []string{"IST", "DXB"}},
		{name: "strings", body: `["ist", "SIN"]`, want: []string{"IST", "SIN"}},
		{name: "mixed", body: `["KUL", {"iata":"doh"}]`, want: []string{"KUL", "DOH"}},
		{name: "invalid codes skipped", body: `["", "LONDON", {"name":"no code"}, "CGK"]`, want: []string{"CGK"}},
		{name: "empty", body: ``, want: nil},
		{name: "not an array", body: `{"iata":"IST"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := pivots.Parse([]byte(tt.body))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, codes(got))
		})
	}
}

func TestStore_Load(t *testing.T) {
	dir := t.TempDir()
	writePivots(t, dir, "DPS", `[{"iata":"IST","city":"Istanbul"},{"iata":"DPS"},{"iata":"IST"},{"iata":"SIN"}]`)
	store := pivots.NewStore(dir)

	got, err := store.Load("dps")
	require.NoError(t, err)
	assert.Equal(t, []string{"IST", "SIN"}, codes(got), "destination and duplicates removed")
	assert.Equal(t, "Istanbul", got[0].City)

	got[0].IATA = "XXX"
	again, err := store.Load("DPS")
	require.NoError(t, err)
	assert.Equal(t, "IST", again[0].IATA, "callers get a copy")
}

func TestStore_Load_Missing(t *testing.T) {
	store := pivots.NewStore(t.TempDir())

	_, err := store.Load("BKK")
	assert.True(t, errors.Is(err, pivots.ErrNoPivots))

	_, err = store.Load("../etc")
	assert.True(t, errors.Is(err, pivots.ErrNoPivots))
}

func TestStore_Load_EmptyFile(t *testing.T) {
	dir := t.TempDir()
	writePivots(t, dir, "BKK", `[]`)

	_, err := pivots.NewStore(dir).Load("BKK")
	assert.True(t, errors.Is(err, pivots.ErrNoPivots))
}

func TestStore_Load_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writePivots(t, dir, "BKK", `["SIN"]`)
	store := pivots.NewStore(dir)

	got, err := store.Load("BKK")
	require.NoError(t, err)
	assert.Equal(t, []string{"SIN"}, codes(got))

	require.NoError(t, os.WriteFile(path, []byte(`["SIN","KUL"]`), 0o600))
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, later, later))

	got, err = store.Load("BKK")
	require.NoError(t, err)
	assert.Equal(t, []string{"SIN", "KUL"}, codes(got))
}

func TestStore_Destinations(t *testing.T) {
	dir := t.TempDir()
	writePivots(t, dir, "DPS", `["IST"]`)
	writePivots(t, dir, "BKK", `["SIN"]`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pivots-notes.json"), []byte(`[]`), 0o600))

	got, err := pivots.NewStore(dir).Destinations()
	require.NoError(t, err)
	assert.Equal(t, []string{"BKK", "DPS"}, got)
}
