package tagging

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/frobware/go-trafficctl"
	"github.com/frobware/go-trafficctl/interpreter"
)

// CookieEntry is one CookieTag entry.
type CookieEntry struct {
	Cookie trafficctl.Cookie `json:"cookie"`
	trafficctl.UidTag
}

// Snapshot is a point-in-time read of the accounting maps. Entries
// are sorted by key. The overflow placeholder is left out.
type Snapshot struct {
	Cookies     []CookieEntry           `json:"cookies"`
	CounterSets map[uint32]uint32       `json:"counter_sets"`
	UidStats    []trafficctl.StatsEntry `json:"uid_stats"`
	TagStats    []trafficctl.StatsEntry `json:"tag_stats"`
}

// UidTotals sums UidStats per uid across counter sets and interfaces.
func (s *Snapshot) UidTotals() map[uint32]trafficctl.Stats {
	totals := make(map[uint32]trafficctl.Stats)
	for _, e := range s.UidStats {
		totals[e.Key.UID] = totals[e.Key.UID].Add(e.Stats)
	}
	return totals
}

// Snapshot reads all four maps. The kernel keeps counting while this
// runs, so buckets read later may include traffic newer than buckets
// read earlier.
func (e *Engine) Snapshot() (*Snapshot, error) {
	s := &Snapshot{CounterSets: make(map[uint32]uint32)}

	for entry, err := range e.maps.CookieTag.All() {
		if err != nil {
			return nil, fmt.Errorf("%s: %w", trafficctl.CookieTagMapName, err)
		}
		s.Cookies = append(s.Cookies, CookieEntry{Cookie: entry.Key, UidTag: entry.Value})
	}
	slices.SortFunc(s.Cookies, func(a, b CookieEntry) int { return cmp.Compare(a.Cookie, b.Cookie) })

	for entry, err := range e.maps.UidCounterSet.All() {
		if err != nil {
			return nil, fmt.Errorf("%s: %w", trafficctl.UidCounterSetMapName, err)
		}
		s.CounterSets[entry.Key] = entry.Value
	}

	var err error
	if s.UidStats, err = readStats(e.maps.UidStats, trafficctl.UidStatsMapName); err != nil {
		return nil, err
	}
	if s.TagStats, err = readStats(e.maps.TagStats, trafficctl.TagStatsMapName); err != nil {
		return nil, err
	}
	return s, nil
}

func readStats(m *interpreter.Map[trafficctl.StatsKey, trafficctl.Stats], name string) ([]trafficctl.StatsEntry, error) {
	var out []trafficctl.StatsEntry
	for entry, err := range m.All() {
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if entry.Key.IsOverflow() {
			continue
		}
		out = append(out, trafficctl.StatsEntry{Key: entry.Key, Stats: entry.Value})
	}
	slices.SortFunc(out, func(a, b trafficctl.StatsEntry) int { return compareKeys(a.Key, b.Key) })
	return out, nil
}

func compareKeys(a, b trafficctl.StatsKey) int {
	return cmp.Or(
		cmp.Compare(a.UID, b.UID),
		cmp.Compare(a.Tag, b.Tag),
		cmp.Compare(a.CounterSet, b.CounterSet),
		cmp.Compare(a.IfaceIndex, b.IfaceIndex),
	)
}
