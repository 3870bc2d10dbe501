package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Timeframe is one aggregation window definition inside a network.
// Seconds must be positive; Label must be unique within its network.
type Timeframe struct {
	Seconds  int64  `yaml:"seconds" json:"seconds"`
	Label    string `yaml:"label" json:"label"`
	Capacity int    `yaml:"capacity" json:"capacity"` // rolling-buffer capacity
}

// WindowStart returns the aligned start of the window containing t:
// floor(unix(t) / Seconds) * Seconds, as a UTC instant.
func (tf Timeframe) WindowStart(t time.Time) time.Time {
	sec := t.Unix()
	return time.Unix(sec-sec%tf.Seconds, 0).UTC()
}

// Duration returns the timeframe length as a time.Duration.
func (tf Timeframe) Duration() time.Duration {
	return time.Duration(tf.Seconds) * time.Second
}

// unit suffixes accepted by ParseTimeframe.
var tfUnits = map[byte]int64{'s': 1, 'm': 60, 'h': 3600, 'd': 86400}

// ParseTimeframe parses a human label like "15s", "1m", "1h" (or a bare
// second count like "90") into a Timeframe. Capacity is left 0 for the
// caller to fill with its default.
func ParseTimeframe(s string) (Timeframe, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Timeframe{}, fmt.Errorf("empty timeframe label")
	}
	num, unit := s, int64(1)
	if mult, ok := tfUnits[s[len(s)-1]]; ok {
		num, unit = s[:len(s)-1], mult
	}
	n, err := strconv.ParseInt(num, 10, 64)
	if err != nil {
		return Timeframe{}, fmt.Errorf("malformed timeframe %q: %w", s, err)
	}
	if n <= 0 {
		return Timeframe{}, fmt.Errorf("timeframe %q: seconds must be positive", s)
	}
	label := s
	if num == s {
		label = s + "s" // bare second counts get an explicit unit
	}
	return Timeframe{Seconds: n * unit, Label: label}, nil
}

// Network is a named, ordered set of timeframes with unique labels.
type Network struct {
	Name string      `yaml:"name" json:"name"`
	TFs  []Timeframe `yaml:"timeframes" json:"timeframes"`
}

// Validate checks the network invariants: non-empty, unique labels,
// positive seconds and capacities.
func (n Network) Validate() error {
	if len(n.TFs) == 0 {
		return fmt.Errorf("network %q has no timeframes", n.Name)
	}
	seen := make(map[string]struct{}, len(n.TFs))
	for _, tf := range n.TFs {
		if tf.Seconds <= 0 {
			return fmt.Errorf("network %q: timeframe %q has non-positive seconds", n.Name, tf.Label)
		}
		if tf.Capacity <= 0 {
			return fmt.Errorf("network %q: timeframe %q has non-positive capacity", n.Name, tf.Label)
		}
		if _, dup := seen[tf.Label]; dup {
			return fmt.Errorf("network %q: duplicate timeframe label %q", n.Name, tf.Label)
		}
		seen[tf.Label] = struct{}{}
	}
	return nil
}

// Labels returns the timeframe labels in network order.
func (n Network) Labels() []string {
	out := make([]string, len(n.TFs))
	for i, tf := range n.TFs {
		out[i] = tf.Label
	}
	return out
}

// ParseNetwork parses a comma-separated timeframe list ("1s,5s,1m") into a
// Network, applying capacity to every timeframe.
func ParseNetwork(name, csv string, capacity int) (Network, error) {
	var tfs []Timeframe
	for _, part := range strings.Split(csv, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		tf, err := ParseTimeframe(part)
		if err != nil {
			return Network{}, fmt.Errorf("network %q: %w", name, err)
		}
		tf.Capacity = capacity
		tfs = append(tfs, tf)
	}
	n := Network{Name: name, TFs: tfs}
	if err := n.Validate(); err != nil {
		return Network{}, err
	}
	return n, nil
}
