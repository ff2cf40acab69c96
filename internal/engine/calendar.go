package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-remediator/internal/detector"
	"github.com/miradorstack/mirador-remediator/internal/utils"
)

// Calendar overrides detector thresholds on dates with known traffic anomalies,
// such as sale days where higher latency and failure rates are expected.
type Calendar struct {
	days   map[string]CalendarDay
	logger *slog.Logger
}

// CalendarDay is one dated override. Zero values leave the corresponding threshold untouched.
type CalendarDay struct {
	Date           string  `yaml:"date"`
	Context        string  `yaml:"context"`
	MaxLatencyMs   float64 `yaml:"max_latency_ms"`
	MaxFailureRate float64 `yaml:"max_failure_rate"`
}

// CalendarFile is the YAML root structure.
type CalendarFile struct {
	Days []CalendarDay `yaml:"days"`
}

// NewCalendar loads the calendar from path. An empty path or a missing file yields a nil
// calendar, which applies no overrides.
func NewCalendar(path string, logger *slog.Logger) (*Calendar, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var file CalendarFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse calendar: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	days := make(map[string]CalendarDay, len(file.Days))
	for _, day := range file.Days {
		ts, err := time.Parse(time.DateOnly, day.Date)
		if err != nil {
			return nil, fmt.Errorf("calendar date %q: %w", day.Date, err)
		}
		if !finite(day.MaxLatencyMs) || !finite(day.MaxFailureRate) ||
			day.MaxLatencyMs < 0 || day.MaxFailureRate < 0 || day.MaxFailureRate > 1 {
			return nil, fmt.Errorf("calendar date %s: thresholds out of range", day.Date)
		}
		days[utils.DateKey(ts)] = day
	}
	logger.Info("latency calendar loaded", slog.String("path", path), slog.Int("days", len(days)))
	return &Calendar{days: days, logger: logger}, nil
}

// Lookup returns the entry for the calendar day containing t.
func (c *Calendar) Lookup(t time.Time) (CalendarDay, bool) {
	if c == nil || t.IsZero() {
		return CalendarDay{}, false
	}
	day, ok := c.days[utils.DateKey(t)]
	return day, ok
}

// Apply returns th adjusted for the day containing t and the day's context label.
func (c *Calendar) Apply(t time.Time, th detector.Thresholds) (detector.Thresholds, string) {
	day, ok := c.Lookup(t)
	if !ok {
		return th, ""
	}
	if day.MaxLatencyMs > 0 {
		th.LatencyThresholdMs = day.MaxLatencyMs
	}
	if day.MaxFailureRate > 0 {
		th.DegradationFailureRate = day.MaxFailureRate
	}
	return th, day.Context
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
