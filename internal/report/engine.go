// Package report turns daily station observations around a point into a
// bucketed report with a trend and anomaly flags.
package report

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/lox/klima/internal/directory"
	"github.com/lox/klima/internal/geo"
	"github.com/lox/klima/internal/metrics"
	"github.com/lox/klima/internal/models"
	"github.com/lox/klima/internal/store"
)

var (
	ErrInvalidDateRange   = errors.New("invalid date range")
	ErrInvalidGranularity = errors.New("invalid granularity")
	ErrInvalidMetric      = errors.New("invalid metric")
)

type Config struct {
	// MinDistanceKM floors station distances in the inverse-distance weight
	// so a station at the query point does not divide by zero.
	MinDistanceKM float64
	// RadiusLimit caps the stations used by a radius request that does not
	// set its own limit.
	RadiusLimit int
	// AnomalySigma is the deviation, in baseline standard deviations, above
	// which a bucket is anomalous.
	AnomalySigma float64
	// AnomalyMinHistory is the least number of baseline buckets needed
	// before any bucket can be flagged.
	AnomalyMinHistory int
	// AnomalyWindow limits the baseline to the most recent prior buckets
	// with data. Zero uses every prior bucket.
	AnomalyWindow int
	// Location defines "yesterday" for the latest allowed end date.
	Location *time.Location
}

func DefaultConfig() Config {
	return Config{
		MinDistanceKM:     0.1,
		RadiusLimit:       40,
		AnomalySigma:      2.0,
		AnomalyMinHistory: 3,
		AnomalyWindow:     0,
		Location:          time.UTC,
	}
}

type Request struct {
	Lat         float64
	Lon         float64
	RadiusKM    *float64 // nil selects the nearest station
	Start       time.Time
	End         time.Time
	Granularity models.Granularity
	Metric      models.Metric
	Limit       int // radius requests only; <= 0 uses Config.RadiusLimit
}

type viewer interface {
	View(ctx context.Context) (*store.View, error)
}

// Engine is safe for concurrent use. It never writes shared state.
type Engine struct {
	store     viewer
	dir       *directory.Directory
	cfg       Config
	cache     Cache
	configTag string
	now       func() time.Time
}

func NewEngine(st viewer, dir *directory.Directory, cfg Config) *Engine {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.MinDistanceKM <= 0 {
		cfg.MinDistanceKM = DefaultConfig().MinDistanceKM
	}
	if cfg.AnomalyMinHistory < 2 {
		cfg.AnomalyMinHistory = 2
	}
	return &Engine{
		store: st,
		dir:   dir,
		cfg:   cfg,
		configTag: fmt.Sprintf("%g/%d/%g/%d/%d",
			cfg.MinDistanceKM, cfg.RadiusLimit, cfg.AnomalySigma, cfg.AnomalyMinHistory, cfg.AnomalyWindow),
		now: time.Now,
	}
}

// SetCache configures an optional report cache.
func (e *Engine) SetCache(c Cache) {
	e.cache = c
}

// Validate normalizes req and checks it. Empty granularity and metric
// default to day and t_max.
func (e *Engine) Validate(req *Request) error {
	if err := geo.ValidateCoordinate(req.Lat, req.Lon); err != nil {
		return err
	}
	if req.RadiusKM != nil && (math.IsNaN(*req.RadiusKM) || *req.RadiusKM <= 0) {
		return fmt.Errorf("%w: %v km", directory.ErrInvalidRadius, *req.RadiusKM)
	}

	switch req.Granularity {
	case "":
		req.Granularity = models.GranularityDay
	case models.GranularityDay, models.GranularityWeek, models.GranularityMonth:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidGranularity, req.Granularity)
	}
	switch req.Metric {
	case "":
		req.Metric = models.MetricTempMax
	case models.MetricTempMax, models.MetricTempMin, models.MetricTempMean, models.MetricPrecipitation:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMetric, req.Metric)
	}

	req.Start = truncateDay(req.Start)
	req.End = truncateDay(req.End)
	if req.Start.After(req.End) {
		return fmt.Errorf("%w: start %s is after end %s", ErrInvalidDateRange,
			req.Start.Format(models.DateLayout), req.End.Format(models.DateLayout))
	}
	local := e.now().In(e.cfg.Location)
	yesterday := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
	if req.End.After(yesterday) {
		return fmt.Errorf("%w: end %s is after %s", ErrInvalidDateRange,
			req.End.Format(models.DateLayout), yesterday.Format(models.DateLayout))
	}
	return nil
}

// Aggregate builds the report for req. Stations and observations are read
// from one committed state. A report where no station has data for any day
// has NoData set and is not an error.
func (e *Engine) Aggregate(ctx context.Context, req Request) (*models.Report, error) {
	if err := e.Validate(&req); err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() {
		metrics.ReportLatency.WithLabelValues(string(req.Granularity)).Observe(time.Since(start).Seconds())
	}()

	limit := req.Limit
	if limit <= 0 {
		limit = e.cfg.RadiusLimit
	}

	view, err := e.store.View(ctx)
	if err != nil {
		return nil, err
	}
	defer view.Close()

	generation, err := view.Generation(ctx)
	if err != nil {
		return nil, fmt.Errorf("read generation: %w", err)
	}

	// The directory may lag or lead the committed state this view sees.
	// In that case select from the stations inside the view instead.
	snap := e.dir.Snapshot()
	if snap.Generation() != generation {
		stations, err := view.ListStations(ctx)
		if err != nil {
			return nil, fmt.Errorf("read stations: %w", err)
		}
		snap = directory.NewSnapshot(stations, generation, "")
	}

	var key string
	if e.cache != nil {
		key = cacheKey(req, limit, generation, e.configTag)
		cached, ok, err := e.cache.Get(ctx, key)
		switch {
		case err != nil:
			metrics.ReportCache.WithLabelValues("error").Inc()
			log.Printf("report: cache get: %v", err)
		case ok:
			metrics.ReportCache.WithLabelValues("hit").Inc()
			return cached, nil
		default:
			metrics.ReportCache.WithLabelValues("miss").Inc()
		}
	}

	neighbors, err := e.selectStations(snap, req, limit)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(neighbors))
	for i, n := range neighbors {
		ids[i] = n.Station.StationID
	}
	var ranges map[string][]models.Observation
	if len(ids) > 0 {
		if ranges, err = view.GetRanges(ctx, ids, req.Start, req.End); err != nil {
			return nil, fmt.Errorf("read observations: %w", err)
		}
	}

	days, used := e.combine(req, neighbors, ranges)
	ps := periods(req)
	buckets, err := e.bucketize(ctx, ps, days)
	if err != nil {
		return nil, err
	}
	if err := breakdown(ctx, req, ps, buckets, neighbors, ranges); err != nil {
		return nil, err
	}

	report := &models.Report{
		Params: models.ReportParams{
			Lat:         req.Lat,
			Lon:         req.Lon,
			RadiusKM:    req.RadiusKM,
			Start:       req.Start.Format(models.DateLayout),
			End:         req.End.Format(models.DateLayout),
			Granularity: req.Granularity,
			Metric:      req.Metric,
		},
		Buckets:      buckets,
		StationsUsed: used,
		NoData:       true,
		Generation:   generation,
	}
	for _, u := range used {
		if u.HasData {
			report.UsedStationCount++
		}
	}
	for _, b := range buckets {
		if b.SampleCount > 0 {
			report.NoData = false
			break
		}
	}
	report.TrendSlope = e.annotate(req.Metric, report.Buckets)

	if e.cache != nil {
		if err := e.cache.Set(ctx, key, report); err != nil {
			log.Printf("report: cache set: %v", err)
		}
	}
	return report, nil
}

func (e *Engine) selectStations(snap *directory.Snapshot, req Request, limit int) ([]models.Neighbor, error) {
	if req.RadiusKM == nil {
		n, ok, err := snap.Nearest(req.Lat, req.Lon)
		if err != nil || !ok {
			return nil, err
		}
		return []models.Neighbor{n}, nil
	}
	return snap.WithinRadius(req.Lat, req.Lon, *req.RadiusKM, limit)
}

const (
	fieldTempMax = iota
	fieldTempMin
	fieldTempMean
	fieldPrecip
	numFields
)

func fields(obs models.Observation) [numFields]sql.NullFloat64 {
	return [numFields]sql.NullFloat64{obs.TempMax, obs.TempMin, obs.TempMean, obs.Precipitation}
}

// combinedDay is the value of one calendar day per field, either combined
// across stations or for a single station.
type combinedDay struct {
	val [numFields]float64
	has [numFields]bool
}

// hasData matches models.Observation.HasData: any field counts.
func (d combinedDay) hasData() bool {
	for _, ok := range d.has {
		if ok {
			return true
		}
	}
	return false
}

// combine merges per-station rows into one value per day and field using
// inverse-distance weights. A field no station reported stays missing.
func (e *Engine) combine(req Request, neighbors []models.Neighbor, ranges map[string][]models.Observation) ([]combinedDay, []models.StationUsage) {
	n := dayIndex(req.Start, req.End) + 1
	var sumW, sumWV [numFields][]float64
	for f := range sumW {
		sumW[f] = make([]float64, n)
		sumWV[f] = make([]float64, n)
	}

	used := make([]models.StationUsage, 0, len(neighbors))
	for _, nb := range neighbors {
		w := 1 / math.Max(nb.DistanceKM, e.cfg.MinDistanceKM)
		hasData := false
		for _, obs := range ranges[nb.Station.StationID] {
			i := dayIndex(req.Start, obs.Date)
			if i < 0 || i >= n {
				continue
			}
			for f, v := range fields(obs) {
				if !v.Valid {
					continue
				}
				sumW[f][i] += w
				sumWV[f][i] += w * v.Float64
				hasData = true
			}
		}
		used = append(used, models.StationUsage{
			StationID:  nb.Station.StationID,
			Name:       nb.Station.Name,
			DistanceKM: nb.DistanceKM,
			HasData:    hasData,
		})
	}

	days := make([]combinedDay, n)
	for i := range days {
		for f := range sumW {
			if sumW[f][i] > 0 {
				days[i].val[f], days[i].has[f] = sumWV[f][i]/sumW[f][i], true
			}
		}
	}
	return days, used
}

// period is one bucket and the day indexes of the requested range it covers.
type period struct {
	start, end time.Time
	from, to   int
}

// periods splits the range into full periods. Edge periods only partly
// inside the range are kept; from and to are clamped to the range.
func periods(req Request) []period {
	last := dayIndex(req.Start, req.End)
	var ps []period
	cursor, _ := bucketBounds(req.Granularity, req.Start)
	for !cursor.After(req.End) {
		bStart, bEnd := bucketBounds(req.Granularity, cursor)
		ps = append(ps, period{
			start: bStart,
			end:   bEnd,
			from:  max(dayIndex(req.Start, bStart), 0),
			to:    min(dayIndex(req.Start, bEnd), last),
		})
		cursor = bEnd.AddDate(0, 0, 1)
	}
	return ps
}

type summary struct {
	samples int
	sum     [numFields]float64
	count   [numFields]int
}

func summarize(days []combinedDay) summary {
	var s summary
	for _, d := range days {
		if d.hasData() {
			s.samples++
		}
		for f, ok := range d.has {
			if ok {
				s.sum[f] += d.val[f]
				s.count[f]++
			}
		}
	}
	return s
}

func (s summary) mean(f int) *float64 {
	if s.count[f] == 0 {
		return nil
	}
	return ptr(s.sum[f] / float64(s.count[f]))
}

func (s summary) total(f int) *float64 {
	if s.count[f] == 0 {
		return nil
	}
	return ptr(s.sum[f])
}

// bucketize summarizes the combined days per period. DaysInRange says how
// much of an edge period was requested.
func (e *Engine) bucketize(ctx context.Context, ps []period, days []combinedDay) ([]models.Bucket, error) {
	buckets := make([]models.Bucket, 0, len(ps))
	for _, p := range ps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s := summarize(days[p.from : p.to+1])
		buckets = append(buckets, models.Bucket{
			PeriodStart:   p.start.Format(models.DateLayout),
			PeriodEnd:     p.end.Format(models.DateLayout),
			MeanTempMax:   s.mean(fieldTempMax),
			MeanTempMin:   s.mean(fieldTempMin),
			MeanTempMean:  s.mean(fieldTempMean),
			TotalPrecipMM: s.total(fieldPrecip),
			SampleCount:   s.samples,
			DaysInRange:   p.to - p.from + 1,
		})
	}
	return buckets, nil
}

// breakdown lists each station's own values in the buckets it has data in,
// in neighbor order.
func breakdown(ctx context.Context, req Request, ps []period, buckets []models.Bucket, neighbors []models.Neighbor, ranges map[string][]models.Observation) error {
	own := make([]combinedDay, dayIndex(req.Start, req.End)+1)
	for _, nb := range neighbors {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows := ranges[nb.Station.StationID]
		if len(rows) == 0 {
			continue
		}
		clear(own)
		for _, obs := range rows {
			i := dayIndex(req.Start, obs.Date)
			if i < 0 || i >= len(own) {
				continue
			}
			for f, v := range fields(obs) {
				if v.Valid {
					own[i].val[f], own[i].has[f] = v.Float64, true
				}
			}
		}
		for j, p := range ps {
			s := summarize(own[p.from : p.to+1])
			if s.samples == 0 {
				continue
			}
			buckets[j].Stations = append(buckets[j].Stations, models.BucketStation{
				StationID:     nb.Station.StationID,
				DistanceKM:    nb.DistanceKM,
				SampleCount:   s.samples,
				MeanTempMax:   s.mean(fieldTempMax),
				MeanTempMin:   s.mean(fieldTempMin),
				MeanTempMean:  s.mean(fieldTempMean),
				TotalPrecipMM: s.total(fieldPrecip),
			})
		}
	}
	return nil
}

// annotate flags anomalous buckets in place and returns the trend slope of
// metric over bucket index. Buckets without a value for metric are skipped
// by both.
func (e *Engine) annotate(metric models.Metric, buckets []models.Bucket) *float64 {
	var xs, ys []float64
	for i := range buckets {
		v := metricValue(metric, buckets[i])
		if v == nil || buckets[i].SampleCount == 0 {
			continue
		}
		baseline := ys
		if e.cfg.AnomalyWindow > 0 && len(baseline) > e.cfg.AnomalyWindow {
			baseline = baseline[len(baseline)-e.cfg.AnomalyWindow:]
		}
		buckets[i].IsAnomalous = isAnomalous(*v, baseline, e.cfg.AnomalySigma, e.cfg.AnomalyMinHistory)

		xs = append(xs, float64(i))
		ys = append(ys, *v)
	}

	slope, ok := olsSlope(xs, ys)
	if !ok {
		return nil
	}
	return &slope
}

func metricValue(m models.Metric, b models.Bucket) *float64 {
	switch m {
	case models.MetricTempMin:
		return b.MeanTempMin
	case models.MetricTempMean:
		return b.MeanTempMean
	case models.MetricPrecipitation:
		return b.TotalPrecipMM
	default:
		return b.MeanTempMax
	}
}

func ptr(v float64) *float64 { return &v }
