package ratelimit

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Class names a family of buckets.
type Class string

const (
	ClassKey   Class = "key"
	ClassWrite Class = "write"
	ClassIP    Class = "ip"
)

// DefaultSpec is used when no rate limit specification is configured.
const DefaultSpec = "key:60/m,write:10/m,ip:600/5m"

// Limit is a bucket configuration.
type Limit struct {
	Capacity   int
	RefillRate float64 // tokens per second
}

func (l Limit) String() string {
	return fmt.Sprintf("%d burst, %.4g/s", l.Capacity, l.RefillRate)
}

// Limits maps a class to its bucket configuration.
type Limits map[Class]Limit

// String renders l in spec form with per-second periods, sorted by class.
func (l Limits) String() string {
	parts := make([]string, 0, len(l))
	for class, limit := range l {
		period := math.Round(float64(limit.Capacity) / limit.RefillRate)
		parts = append(parts, fmt.Sprintf("%s:%d/%ds", class, limit.Capacity, int64(period)))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// DefaultLimits returns the limits described by DefaultSpec.
func DefaultLimits() Limits {
	l, err := parseEntries(DefaultSpec)
	if err != nil {
		panic(err)
	}
	return l
}

// ParseLimits parses a comma separated list of "class:capacity/period"
// entries. Classes missing from spec keep their default.
//
//	key:60/m,write:10/m,ip:600/5m
func ParseLimits(spec string) (Limits, error) {
	limits := DefaultLimits()
	parsed, err := parseEntries(spec)
	if err != nil {
		return nil, err
	}
	for class, limit := range parsed {
		limits[class] = limit
	}
	return limits, nil
}

func parseEntries(spec string) (Limits, error) {
	limits := Limits{}
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, rest, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("%w: %q: expected class:capacity/period", ErrInvalidSpec, entry)
		}
		class := Class(strings.TrimSpace(name))
		switch class {
		case ClassKey, ClassWrite, ClassIP:
		default:
			return nil, fmt.Errorf("%w: %q: unknown class %q", ErrInvalidSpec, entry, class)
		}
		limit, err := ParseLimit(rest)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", entry, err)
		}
		limits[class] = limit
	}
	return limits, nil
}

// ParseLimit parses "capacity/period", e.g. "60/m" or "600/5m".
func ParseLimit(s string) (Limit, error) {
	capRaw, periodRaw, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return Limit{}, fmt.Errorf("%w: %q: expected capacity/period", ErrInvalidSpec, s)
	}
	capacity, err := strconv.Atoi(strings.TrimSpace(capRaw))
	if err != nil || capacity <= 0 {
		return Limit{}, fmt.Errorf("%w: capacity %q must be a positive integer", ErrInvalidSpec, capRaw)
	}
	period, err := parsePeriod(strings.TrimSpace(periodRaw))
	if err != nil {
		return Limit{}, err
	}
	return Limit{Capacity: capacity, RefillRate: float64(capacity) / period.Seconds()}, nil
}

// parsePeriod accepts s, m, h or a positive integer followed by one of them.
func parsePeriod(p string) (time.Duration, error) {
	if p == "" {
		return 0, fmt.Errorf("%w: empty period", ErrInvalidSpec)
	}
	var unit time.Duration
	switch p[len(p)-1] {
	case 's':
		unit = time.Second
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	default:
		return 0, fmt.Errorf("%w: period %q must end in s, m or h", ErrInvalidSpec, p)
	}
	count := 1
	if digits := p[:len(p)-1]; digits != "" {
		n, err := strconv.Atoi(digits)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("%w: period %q must be a positive multiple", ErrInvalidSpec, p)
		}
		count = n
	}
	return time.Duration(count) * unit, nil
}
