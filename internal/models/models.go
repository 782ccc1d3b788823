package models

import (
	"database/sql"
	"time"
)

// DateLayout is the calendar-day layout used in storage, URLs and JSON.
const DateLayout = "2006-01-02"

type Station struct {
	StationID        string   `json:"station_id"`
	Name             string   `json:"name"`
	Latitude         float64  `json:"latitude"`
	Longitude        float64  `json:"longitude"`
	State            string   `json:"state,omitempty"`
	Elevation        *float64 `json:"elevation_m,omitempty"`
	FirstObservation string   `json:"first_observation_date,omitempty"` // YYYY-MM-DD
	LastObservation  string   `json:"last_observation_date,omitempty"`  // YYYY-MM-DD
	Stale            bool     `json:"stale"`
}

type Observation struct {
	StationID     string
	Date          time.Time // UTC midnight
	TempMax       sql.NullFloat64
	TempMin       sql.NullFloat64
	TempMean      sql.NullFloat64
	Precipitation sql.NullFloat64
	SourceFile    string
}

// HasData reports whether any measured field is present.
func (o Observation) HasData() bool {
	return o.TempMax.Valid || o.TempMin.Valid || o.TempMean.Valid || o.Precipitation.Valid
}

// Neighbor is a station together with its distance from a query point.
type Neighbor struct {
	Station    Station `json:"station"`
	DistanceKM float64 `json:"distance_km"`
}

type SyncStatus string

const (
	SyncDownloaded   SyncStatus = "downloaded"
	SyncUpToDate     SyncStatus = "up_to_date"
	SyncMissing      SyncStatus = "missing"
	SyncListingEmpty SyncStatus = "listing_empty"
)

type SyncOutcome struct {
	Status           SyncStatus `json:"status"`
	RowsProcessed    int        `json:"rows_processed"`
	RunID            string     `json:"run_id,omitempty"`
	StationsInserted int        `json:"stations_inserted,omitempty"`
	StationsUpdated  int        `json:"stations_updated,omitempty"`
	StationsStaled   int        `json:"stations_staled,omitempty"`
	Observations     int        `json:"observations,omitempty"`
	Archives         int        `json:"archives,omitempty"`
	// ArchivesUnchanged counts listed archives skipped because their listing
	// entry matched the one last applied.
	ArchivesUnchanged int `json:"archives_unchanged,omitempty"`
}

// SyncState is the last committed reconciliation of a source.
type SyncState struct {
	Source      string
	Fingerprint string
	Generation  int64
	SyncedAt    time.Time
}

type Granularity string

const (
	GranularityDay   Granularity = "day"
	GranularityWeek  Granularity = "week"
	GranularityMonth Granularity = "month"
)

type Metric string

const (
	MetricTempMax       Metric = "t_max"
	MetricTempMin       Metric = "t_min"
	MetricTempMean      Metric = "t_mean"
	MetricPrecipitation Metric = "precipitation"
)

type Bucket struct {
	PeriodStart   string          `json:"period_start"`
	PeriodEnd     string          `json:"period_end"`
	MeanTempMax   *float64        `json:"mean_t_max"`
	MeanTempMin   *float64        `json:"mean_t_min"`
	MeanTempMean  *float64        `json:"mean_t_mean"`
	TotalPrecipMM *float64        `json:"total_precipitation_mm"`
	SampleCount   int             `json:"sample_count"`
	DaysInRange   int             `json:"days_in_range"`
	IsAnomalous   bool            `json:"is_anomalous"`
	Stations      []BucketStation `json:"stations,omitempty"`
}

// BucketStation is one station's own unweighted values within a bucket.
// Only stations with data in the bucket are listed.
type BucketStation struct {
	StationID     string   `json:"station_id"`
	DistanceKM    float64  `json:"distance_km"`
	SampleCount   int      `json:"sample_count"`
	MeanTempMax   *float64 `json:"mean_t_max"`
	MeanTempMin   *float64 `json:"mean_t_min"`
	MeanTempMean  *float64 `json:"mean_t_mean"`
	TotalPrecipMM *float64 `json:"total_precipitation_mm"`
}

type StationUsage struct {
	StationID  string  `json:"station_id"`
	Name       string  `json:"name"`
	DistanceKM float64 `json:"distance_km"`
	HasData    bool    `json:"has_data"`
}

type ReportParams struct {
	Lat         float64     `json:"lat"`
	Lon         float64     `json:"lon"`
	RadiusKM    *float64    `json:"radius_km"`
	Start       string      `json:"start_date"`
	End         string      `json:"end_date"`
	Granularity Granularity `json:"granularity"`
	Metric      Metric      `json:"metric"`
}

type Report struct {
	Params       ReportParams   `json:"params"`
	Buckets      []Bucket       `json:"buckets"`
	TrendSlope   *float64       `json:"trend_slope"`
	StationsUsed []StationUsage `json:"stations_used"`
	// UsedStationCount counts the stations in StationsUsed with data.
	UsedStationCount int   `json:"used_station_count"`
	NoData           bool  `json:"no_data"`
	Generation       int64 `json:"generation"`
}

type Coverage struct {
	MinDate string `json:"min_date"`
	MaxDate string `json:"max_date"`
}
