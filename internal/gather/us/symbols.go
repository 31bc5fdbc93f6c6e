package us

import (
	"encoding/csv"
	"fmt"
	"os"
	"strings"
)

// Listing is one row of a watchlist file: a symbol and the search terms it
// is known by.
type Listing struct {
	Symbol  string
	Aliases []string
}

// LoadWatchlist reads a CSV with a header row. The first column is the
// symbol; an optional second column holds ';'-separated aliases. Symbols are
// upper-cased, duplicates dropped, and file order kept.
func LoadWatchlist(path string) ([]Listing, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening CSV %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading CSV %s: %w", path, err)
	}

	if len(records) < 2 {
		return nil, nil
	}

	seen := make(map[string]struct{}, len(records)-1)
	listings := make([]Listing, 0, len(records)-1)
	for _, row := range records[1:] {
		if len(row) == 0 {
			continue
		}
		sym := strings.ToUpper(strings.TrimSpace(row[0]))
		if sym == "" {
			continue
		}
		if _, dup := seen[sym]; dup {
			continue
		}
		seen[sym] = struct{}{}

		l := Listing{Symbol: sym}
		if len(row) > 1 {
			for _, a := range strings.Split(row[1], ";") {
				if a = strings.TrimSpace(a); a != "" {
					l.Aliases = append(l.Aliases, a)
				}
			}
		}
		listings = append(listings, l)
	}
	return listings, nil
}

// LoadSymbols returns the symbols of a watchlist file.
func LoadSymbols(path string) ([]string, error) {
	listings, err := LoadWatchlist(path)
	if err != nil {
		return nil, err
	}
	symbols := make([]string, len(listings))
	for i, l := range listings {
		symbols[i] = l.Symbol
	}
	return symbols, nil
}
