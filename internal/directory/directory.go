// Package directory holds the in-memory station set and the spatial index
// used for nearest and radius lookups.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"

	"github.com/lox/klima/internal/geo"
	"github.com/lox/klima/internal/metrics"
	"github.com/lox/klima/internal/models"
)

// TieEpsilonKM is the grid distances are rounded to before comparing.
// Stations whose distances round to the same multiple count as equidistant
// and are ordered by station_id.
const TieEpsilonKM = 1e-6

var ErrInvalidRadius = errors.New("invalid radius")

// Loader supplies the committed station set at start-up.
type Loader interface {
	ListStations(ctx context.Context) ([]models.Station, error)
	Generation(ctx context.Context) (int64, error)
}

// Directory is safe for concurrent use. Queries run against an immutable
// Snapshot; mutations drop the current snapshot and the next query rebuilds
// it under the write lock.
type Directory struct {
	mu          sync.RWMutex
	stations    map[string]models.Station
	generation  int64
	fingerprint string
	snap        *Snapshot
}

func New() *Directory {
	return &Directory{stations: make(map[string]models.Station)}
}

// Load replaces the station set with the one committed in the store.
func (d *Directory) Load(ctx context.Context, loader Loader) error {
	stations, err := loader.ListStations(ctx)
	if err != nil {
		return fmt.Errorf("load stations: %w", err)
	}
	gen, err := loader.Generation(ctx)
	if err != nil {
		return fmt.Errorf("load generation: %w", err)
	}

	d.mu.Lock()
	d.fingerprint = ""
	d.swap(stations, gen)
	d.mu.Unlock()

	log.Printf("directory: loaded %d stations at generation %d", len(stations), gen)
	return nil
}

// Replace swaps in the station set of a committed sync along with the sync's
// generation and fingerprint. The index is rebuilt before Replace returns.
func (d *Directory) Replace(stations []models.Station, state models.SyncState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fingerprint = state.Fingerprint
	d.swap(stations, state.Generation)
}

func (d *Directory) swap(stations []models.Station, gen int64) {
	d.stations = make(map[string]models.Station, len(stations))
	for _, st := range stations {
		d.stations[st.StationID] = st
	}
	d.generation = gen
	d.snap = d.build()
}

// Upsert inserts or updates a station by station_id. It does not change the
// generation, which only moves with committed syncs.
func (d *Directory) Upsert(st models.Station) error {
	if err := geo.ValidateCoordinate(st.Latitude, st.Longitude); err != nil {
		return fmt.Errorf("station %s: %w", st.StationID, err)
	}
	d.mu.Lock()
	d.stations[st.StationID] = st
	d.snap = nil
	d.mu.Unlock()
	return nil
}

// RebuildIndex rebuilds the spatial index eagerly.
func (d *Directory) RebuildIndex() {
	d.mu.Lock()
	d.snap = d.build()
	d.mu.Unlock()
}

// Snapshot returns the current immutable view, rebuilding the index first if
// a mutation invalidated it.
func (d *Directory) Snapshot() *Snapshot {
	d.mu.RLock()
	snap := d.snap
	d.mu.RUnlock()
	if snap != nil {
		return snap
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.snap == nil {
		d.snap = d.build()
	}
	return d.snap
}

func (d *Directory) Nearest(lat, lon float64) (models.Neighbor, bool, error) {
	return d.Snapshot().Nearest(lat, lon)
}

func (d *Directory) WithinRadius(lat, lon, radiusKM float64, limit int) ([]models.Neighbor, error) {
	return d.Snapshot().WithinRadius(lat, lon, radiusKM, limit)
}

func (d *Directory) Generation() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.generation
}

func (d *Directory) Fingerprint() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.fingerprint
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.stations)
}

// build must be called with the write lock held.
func (d *Directory) build() *Snapshot {
	stations := make([]models.Station, 0, len(d.stations))
	for _, st := range d.stations {
		stations = append(stations, st)
	}
	snap := NewSnapshot(stations, d.generation, d.fingerprint)
	metrics.IndexRebuilds.Inc()
	metrics.DirectoryStations.Set(float64(len(stations)))
	return snap
}

// Snapshot is an immutable station set with its latitude index.
type Snapshot struct {
	stations    []models.Station // by station_id
	byLat       []int            // indexes into stations, by latitude
	generation  int64
	fingerprint string
}

// NewSnapshot indexes stations. The slice is copied.
func NewSnapshot(stations []models.Station, generation int64, fingerprint string) *Snapshot {
	s := &Snapshot{
		stations:    append([]models.Station(nil), stations...),
		generation:  generation,
		fingerprint: fingerprint,
	}
	sort.Slice(s.stations, func(i, j int) bool { return s.stations[i].StationID < s.stations[j].StationID })

	s.byLat = make([]int, len(s.stations))
	for i := range s.byLat {
		s.byLat[i] = i
	}
	sort.SliceStable(s.byLat, func(i, j int) bool {
		return s.stations[s.byLat[i]].Latitude < s.stations[s.byLat[j]].Latitude
	})
	return s
}

func (s *Snapshot) Generation() int64   { return s.generation }
func (s *Snapshot) Fingerprint() string { return s.fingerprint }
func (s *Snapshot) Len() int            { return len(s.stations) }

// Stations returns a copy of the station set ordered by station_id.
func (s *Snapshot) Stations() []models.Station {
	return append([]models.Station(nil), s.stations...)
}

// Nearest returns the closest station. ok is false when the snapshot is empty.
func (s *Snapshot) Nearest(lat, lon float64) (models.Neighbor, bool, error) {
	if err := geo.ValidateCoordinate(lat, lon); err != nil {
		return models.Neighbor{}, false, err
	}

	var best models.Neighbor
	found := false
	for _, st := range s.stations {
		n := models.Neighbor{Station: st, DistanceKM: geo.Haversine(lat, lon, st.Latitude, st.Longitude)}
		if !found || closer(n, best) {
			best = n
			found = true
		}
	}
	return best, found, nil
}

// WithinRadius returns stations at most radiusKM away, nearest first. A limit
// of zero or less means no limit.
func (s *Snapshot) WithinRadius(lat, lon, radiusKM float64, limit int) ([]models.Neighbor, error) {
	if err := geo.ValidateCoordinate(lat, lon); err != nil {
		return nil, err
	}
	if math.IsNaN(radiusKM) || radiusKM <= 0 {
		return nil, fmt.Errorf("%w: %v km", ErrInvalidRadius, radiusKM)
	}

	span := geo.LatitudeSpanDegrees(radiusKM) + 1e-9
	lo := sort.Search(len(s.byLat), func(i int) bool {
		return s.stations[s.byLat[i]].Latitude >= lat-span
	})

	var out []models.Neighbor
	for _, idx := range s.byLat[lo:] {
		st := s.stations[idx]
		if st.Latitude > lat+span {
			break
		}
		dist := geo.Haversine(lat, lon, st.Latitude, st.Longitude)
		if dist <= radiusKM {
			out = append(out, models.Neighbor{Station: st, DistanceKM: dist})
		}
	}

	sort.Slice(out, func(i, j int) bool { return closer(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// closer orders neighbors by distance, then by station_id. Distances are
// compared on a TieEpsilonKM grid so that ties stay transitive.
func closer(a, b models.Neighbor) bool {
	da, db := tieCell(a.DistanceKM), tieCell(b.DistanceKM)
	if da == db {
		return a.Station.StationID < b.Station.StationID
	}
	return da < db
}

func tieCell(km float64) float64 {
	return math.Round(km / TieEpsilonKM)
}
