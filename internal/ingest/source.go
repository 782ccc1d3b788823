package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Entry is one file in an upstream directory listing.
type Entry struct {
	Name         string
	Size         int64 // -1 when the listing does not say
	LastModified time.Time
}

// Source is an upstream directory of DWD daily climate files.
type Source interface {
	// Name identifies the source in sync state and audit records.
	Name() string
	// List returns the files in the directory. A reachable but empty
	// directory returns no entries and no error.
	List(ctx context.Context) ([]Entry, error)
	// Fetch downloads one file named in the listing.
	Fetch(ctx context.Context, name string) ([]byte, error)
}

// Fingerprint hashes the sorted (name, size, last modified) triples of
// entries. Any change to any entry changes the fingerprint.
func Fingerprint(entries []Entry) string {
	sorted := append([]Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	h := sha256.New()
	for _, e := range sorted {
		fmt.Fprintf(h, "%s\x00%d\x00%s\n", e.Name, e.Size, e.LastModified.UTC().Format(time.RFC3339))
	}
	return hex.EncodeToString(h.Sum(nil))
}

var (
	hrefPattern = regexp.MustCompile(`href="([^"]+)"`)
	// Apache and nginx autoindex: "15-Mar-2024 09:12" followed by a size.
	listingDatePattern = regexp.MustCompile(`(\d{2}-[A-Za-z]{3}-\d{4}\s+\d{2}:\d{2})(?:\s+(\d+|-))?`)
)

const listingDateLayout = "02-Jan-2006 15:04"

// ParseListing extracts .zip and .txt entries from an HTML directory index.
// Subdirectories and other links are skipped.
func ParseListing(body string) []Entry {
	var entries []Entry
	seen := make(map[string]bool)
	for _, line := range strings.Split(body, "\n") {
		m := hrefPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name := m[1]
		if strings.HasSuffix(name, "/") {
			continue
		}
		if !strings.HasSuffix(name, ".zip") && !strings.HasSuffix(name, ".txt") {
			continue
		}
		if i := strings.LastIndex(name, "/"); i >= 0 {
			name = name[i+1:]
		}
		if seen[name] {
			continue
		}
		seen[name] = true

		e := Entry{Name: name, Size: -1}
		rest := line[strings.Index(line, m[0])+len(m[0]):]
		if dm := listingDatePattern.FindStringSubmatch(rest); dm != nil {
			if t, err := time.Parse(listingDateLayout, strings.Join(strings.Fields(dm[1]), " ")); err == nil {
				e.LastModified = t.UTC()
			}
			if n, err := strconv.ParseInt(dm[2], 10, 64); err == nil {
				e.Size = n
			}
		}
		entries = append(entries, e)
	}
	return entries
}
