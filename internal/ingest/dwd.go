package ingest

import (
	"archive/zip"
	"bytes"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding/charmap"

	"github.com/lox/klima/internal/geo"
	"github.com/lox/klima/internal/models"
)

const (
	StationFile   = "KL_Tageswerte_Beschreibung_Stationen.txt"
	ArchiveSuffix = "_hist.zip"
	productPrefix = "produkt_klima_tag_"
	dwdDateLayout = "20060102"
)

var germanStates = map[string]bool{
	"Baden-Württemberg":      true,
	"Baden-Wuerttemberg":     true,
	"Bayern":                 true,
	"Berlin":                 true,
	"Brandenburg":            true,
	"Bremen":                 true,
	"Hamburg":                true,
	"Hessen":                 true,
	"Mecklenburg-Vorpommern": true,
	"Niedersachsen":          true,
	"Nordrhein-Westfalen":    true,
	"Rheinland-Pfalz":        true,
	"Saarland":               true,
	"Sachsen":                true,
	"Sachsen-Anhalt":         true,
	"Schleswig-Holstein":     true,
	"Thüringen":              true,
	"Thueringen":             true,
}

// ParseStats counts rows a parser dropped or corrected.
type ParseStats struct {
	Rows       int
	Skipped    int
	Flagged    int
	FirstError string
}

func (p *ParseStats) skip(format string, args ...any) {
	p.Skipped++
	if p.FirstError == "" {
		p.FirstError = fmt.Sprintf(format, args...)
	}
}

// IsArchive reports whether name is a historical daily KL archive.
func IsArchive(name string) bool {
	return strings.HasSuffix(name, ArchiveSuffix)
}

var archiveStationPattern = regexp.MustCompile(`^tageswerte_KL_(\d+)_`)

// ArchiveStationID returns the normalized station id encoded in an archive
// name, or "" when the name does not carry one.
func ArchiveStationID(name string) string {
	m := archiveStationPattern.FindStringSubmatch(name)
	if m == nil {
		return ""
	}
	id, err := normalizeStationID(m[1])
	if err != nil {
		return ""
	}
	return id
}

// ParseStations parses the ISO-8859-1 station description file. Both the
// semicolon separated and the fixed-width whitespace layouts are accepted.
func ParseStations(data []byte) ([]models.Station, ParseStats, error) {
	var stats ParseStats
	text, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
	if err != nil {
		return nil, stats, fmt.Errorf("decode station file: %w", err)
	}

	var lines []string
	for _, line := range strings.Split(string(text), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return nil, stats, nil
	}

	header := strings.TrimPrefix(lines[0], "\ufeff")
	var records []map[string]string
	if strings.Contains(header, ";") {
		cols := splitHeader(header, ";")
		for _, line := range lines[1:] {
			fields := strings.Split(line, ";")
			rec := make(map[string]string, len(cols))
			for i := 0; i < len(cols) && i < len(fields); i++ {
				rec[cols[i]] = strings.TrimSpace(fields[i])
			}
			records = append(records, rec)
		}
	} else {
		rows := lines
		if strings.HasPrefix(strings.ToLower(header), "stations") {
			rows = lines[1:]
		}
		for _, line := range rows {
			if rec := splitWhitespaceStation(line); rec != nil {
				records = append(records, rec)
			}
		}
	}

	seen := make(map[string]int)
	var stations []models.Station
	for _, rec := range records {
		st, err := buildStation(rec)
		if err != nil {
			stats.skip("station row: %v", err)
			continue
		}
		stats.Rows++
		if i, ok := seen[st.StationID]; ok {
			stations[i] = st
			continue
		}
		seen[st.StationID] = len(stations)
		stations = append(stations, st)
	}
	return stations, stats, nil
}

func splitHeader(header, sep string) []string {
	cols := strings.Split(header, sep)
	for i, c := range cols {
		cols[i] = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(c, "\ufeff")))
	}
	return cols
}

// splitWhitespaceStation splits a fixed-width row. Station names and state
// names both contain spaces, so the state is matched from the end against
// the known German states and the last column is the delivery flag.
func splitWhitespaceStation(line string) map[string]string {
	parts := strings.Fields(line)
	if len(parts) < 7 {
		return nil
	}
	rec := map[string]string{
		"stations_id":   parts[0],
		"von_datum":     parts[1],
		"bis_datum":     parts[2],
		"stationshoehe": parts[3],
		"geobreite":     parts[4],
		"geolaenge":     parts[5],
	}
	rest := parts[6 : len(parts)-1]
	name := rest
	for i := len(rest); i > 0; i-- {
		candidate := strings.Join(rest[i-1:], " ")
		if germanStates[candidate] {
			rec["bundesland"] = candidate
			name = rest[:i-1]
			break
		}
	}
	rec["stationsname"] = strings.Join(name, " ")
	return rec
}

func buildStation(rec map[string]string) (models.Station, error) {
	var st models.Station
	id, err := normalizeStationID(rec["stations_id"])
	if err != nil {
		return st, err
	}
	st.StationID = id

	lat, ok := parseValue(first(rec, "geobreite", "geo breite", "geogr. breite"))
	if !ok {
		return st, fmt.Errorf("station %s: missing latitude", id)
	}
	lon, ok := parseValue(first(rec, "geolaenge", "geo laenge", "geogr. laenge"))
	if !ok {
		return st, fmt.Errorf("station %s: missing longitude", id)
	}
	if err := geo.ValidateCoordinate(lat, lon); err != nil {
		return st, fmt.Errorf("station %s: %w", id, err)
	}
	st.Latitude, st.Longitude = lat, lon

	if h, ok := parseValue(first(rec, "stationshoehe", "stationshoehe m ue. nn")); ok {
		st.Elevation = &h
	}
	st.Name = first(rec, "stationsname", "station_name")
	st.State = rec["bundesland"]
	st.FirstObservation = normalizeDate(rec["von_datum"])
	st.LastObservation = normalizeDate(rec["bis_datum"])
	return st, nil
}

func first(rec map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := rec[k]; v != "" {
			return v
		}
	}
	return ""
}

// normalizeStationID zero-pads numeric ids to the five digits used in DWD
// file names, so "433" and "00433" are the same station.
func normalizeStationID(raw string) (string, error) {
	s := strings.TrimSpace(strings.TrimPrefix(raw, "\ufeff"))
	if s == "" {
		return "", errors.New("empty station id")
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return "", fmt.Errorf("non-numeric station id %q", raw)
	}
	if n <= 0 {
		return "", fmt.Errorf("out-of-range station id %q", raw)
	}
	return fmt.Sprintf("%05d", n), nil
}

func isSentinel(s string) bool {
	switch s {
	case "-999", "-999.0", "-9999", "-9999.0":
		return true
	}
	return false
}

// parseValue parses a DWD number. Decimal commas are accepted; blanks and
// the -999/-9999 sentinels mean missing.
func parseValue(raw string) (float64, bool) {
	s := strings.TrimSpace(raw)
	if s == "" || isSentinel(s) {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func parseNull(raw string) sql.NullFloat64 {
	f, ok := parseValue(raw)
	return sql.NullFloat64{Float64: f, Valid: ok}
}

func normalizeDate(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" || isSentinel(s) {
		return ""
	}
	if t, err := time.Parse(dwdDateLayout, s); err == nil {
		return t.Format(models.DateLayout)
	}
	if _, err := time.Parse(models.DateLayout, s); err == nil {
		return s
	}
	return ""
}

// ParseArchive extracts daily observations from a historical KL zip. The
// product member is the .txt named produkt_klima_tag_*, or the first .txt
// when none matches.
func ParseArchive(name string, data []byte) ([]models.Observation, ParseStats, error) {
	var stats ParseStats
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, stats, fmt.Errorf("open archive %s: %w", name, err)
	}

	var member *zip.File
	for _, f := range zr.File {
		if !strings.HasSuffix(strings.ToLower(f.Name), ".txt") {
			continue
		}
		if strings.Contains(strings.ToLower(f.Name), productPrefix) {
			member = f
			break
		}
		if member == nil {
			member = f
		}
	}
	if member == nil {
		return nil, stats, fmt.Errorf("archive %s: no data file", name)
	}

	rc, err := member.Open()
	if err != nil {
		return nil, stats, fmt.Errorf("open %s in %s: %w", member.Name, name, err)
	}
	defer rc.Close()

	r := csv.NewReader(charmap.ISO8859_1.NewDecoder().Reader(rc))
	r.Comma = ';'
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.ReuseRecord = true

	var cols map[string]int
	index := make(map[string]int)
	var observations []models.Observation
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, stats, fmt.Errorf("read %s: %w", name, err)
		}
		if len(row) == 0 || strings.HasPrefix(row[0], "#") {
			continue
		}
		if cols == nil {
			cols = make(map[string]int, len(row))
			for i, c := range row {
				cols[strings.ToLower(strings.TrimSpace(c))] = i
			}
			if _, ok := cols["stations_id"]; !ok {
				return nil, stats, fmt.Errorf("archive %s: missing STATIONS_ID column", name)
			}
			if _, ok := cols["mess_datum"]; !ok {
				return nil, stats, fmt.Errorf("archive %s: missing MESS_DATUM column", name)
			}
			continue
		}

		get := func(col string) string {
			i, ok := cols[col]
			if !ok || i >= len(row) {
				return ""
			}
			return row[i]
		}

		id, err := normalizeStationID(get("stations_id"))
		if err != nil {
			stats.skip("%s: %v", name, err)
			continue
		}
		date, err := time.Parse(dwdDateLayout, strings.TrimSpace(get("mess_datum")))
		if err != nil {
			stats.skip("%s: station %s: bad date %q", name, id, get("mess_datum"))
			continue
		}

		obs := models.Observation{
			StationID:     id,
			Date:          date,
			TempMax:       parseNull(get("txk")),
			TempMin:       parseNull(get("tnk")),
			TempMean:      parseNull(get("tmk")),
			Precipitation: parseNull(get("rsk")),
			SourceFile:    name,
		}
		if flags := ValidateObservation(&obs); len(flags) > 0 {
			stats.Flagged++
		}
		stats.Rows++

		key := id + date.Format(dwdDateLayout)
		if i, ok := index[key]; ok {
			observations[i] = obs
			continue
		}
		index[key] = len(observations)
		observations = append(observations, obs)
	}
	return observations, stats, nil
}
