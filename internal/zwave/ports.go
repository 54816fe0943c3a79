package zwave

import (
	"errors"
	"fmt"
	"slices"

	"github.com/bmatcuk/doublestar/v4"

	"tools.zach/dev/ozwdaemon/internal/paths"
)

// ErrNoPorts is returned by discovery when no pattern matches a device.
var ErrNoPorts = errors.New("no serial ports found")

// ListPorts returns the paths matching patterns. Patterns keep their order
// of precedence; matches within one pattern are sorted and duplicates are
// dropped. An empty pattern list uses paths.DefaultPortPatterns.
func ListPorts(patterns []string) ([]string, error) {
	if len(patterns) == 0 {
		patterns = paths.DefaultPortPatterns
	}
	var ports []string
	seen := make(map[string]bool)
	for _, p := range patterns {
		matches, err := doublestar.FilepathGlob(p)
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", p, err)
		}
		slices.Sort(matches)
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				ports = append(ports, m)
			}
		}
	}
	return ports, nil
}

// PortScanner discovers the controller port when none is configured.
type PortScanner struct {
	// Patterns are tried in order; the first match wins.
	Patterns []string
}

// Discover returns the first port matched by s.Patterns.
func (s PortScanner) Discover() (string, error) {
	ports, err := ListPorts(s.Patterns)
	if err != nil {
		return "", err
	}
	if len(ports) == 0 {
		return "", ErrNoPorts
	}
	return ports[0], nil
}
