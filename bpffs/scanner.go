package bpffs

import (
	"context"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// PinKind classifies an entry under the bpffs root.
type PinKind string

const (
	PinMap     PinKind = "map"
	PinProgram PinKind = "program"
	PinLink    PinKind = "link"
	// PinStray is a traffic_* entry trafficd does not expect; usually
	// left over from a build with different map names.
	PinStray PinKind = "stray"
)

// Pin is one pinned object found by Scanner.
type Pin struct {
	Path string
	Name string
	Kind PinKind
}

// Scanner reports which of trafficd's pins exist under a bpffs root.
// It only reads directory entries; it never opens the objects.
type Scanner struct {
	root  string
	known map[string]PinKind
}

// NewScanner returns a Scanner for root. known maps each expected pin
// name to its kind.
func NewScanner(root string, known map[string]PinKind) *Scanner {
	return &Scanner{root: root, known: known}
}

// Pins yields every expected pin that exists plus every stray
// traffic_* entry. A missing root yields nothing.
func (s *Scanner) Pins(ctx context.Context) iter.Seq2[Pin, error] {
	return func(yield func(Pin, error) bool) {
		entries, err := os.ReadDir(s.root)
		if err != nil {
			if os.IsNotExist(err) {
				return
			}
			yield(Pin{}, fmt.Errorf("read dir %s: %w", s.root, err))
			return
		}

		for _, entry := range entries {
			if ctx.Err() != nil {
				yield(Pin{}, ctx.Err())
				return
			}
			if entry.IsDir() {
				continue
			}
			name := entry.Name()
			kind, ok := s.known[name]
			if !ok {
				if !strings.HasPrefix(name, "traffic_") {
					continue
				}
				kind = PinStray
			}
			if !yield(Pin{Path: filepath.Join(s.root, name), Name: name, Kind: kind}, nil) {
				return
			}
		}
	}
}

// Missing returns the expected pin names that do not exist, sorted.
func (s *Scanner) Missing(ctx context.Context) ([]string, error) {
	found := make(map[string]bool)
	for pin, err := range s.Pins(ctx) {
		if err != nil {
			return nil, err
		}
		found[pin.Name] = true
	}

	var missing []string
	for name := range s.known {
		if !found[name] {
			missing = append(missing, name)
		}
	}
	slices.Sort(missing)
	return missing, nil
}
