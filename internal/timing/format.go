package timing

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseRaceTime parses a feed time of the form HH:mm:ss.fff, mm:ss.fff or
// ss.fff into a duration.
func ParseRaceTime(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("race time is empty")
	}
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0, fmt.Errorf("malformed race time %q", s)
	}
	var hours, minutes int64
	var err error
	secPart := parts[len(parts)-1]
	if len(parts) >= 2 {
		minutes, err = strconv.ParseInt(parts[len(parts)-2], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("malformed race time %q: %w", s, err)
		}
	}
	if len(parts) == 3 {
		hours, err = strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("malformed race time %q: %w", s, err)
		}
	}
	seconds, err := strconv.ParseFloat(secPart, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed race time %q: %w", s, err)
	}
	d := time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds*float64(time.Second))
	return d, nil
}

// FormatGap renders a time gap the way standings display it: s.fff under one
// minute, m:ss.fff otherwise.
func FormatGap(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	totalMillis := d.Milliseconds()
	minutes := totalMillis / 60000
	rem := totalMillis % 60000
	if minutes == 0 {
		return fmt.Sprintf("%d.%03d", rem/1000, rem%1000)
	}
	return fmt.Sprintf("%d:%02d.%03d", minutes, rem/1000, rem%1000)
}

// FormatLaps renders a whole-lap gap with singular/plural handling.
func FormatLaps(n int) string {
	if n == 1 {
		return "1 lap"
	}
	return fmt.Sprintf("%d laps", n)
}

// FormatRaceTime renders a duration as HH:mm:ss.fff, the feed clock format.
func FormatRaceTime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	totalMillis := d.Milliseconds()
	hours := totalMillis / 3600000
	minutes := (totalMillis % 3600000) / 60000
	seconds := (totalMillis % 60000) / 1000
	millis := totalMillis % 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", hours, minutes, seconds, millis)
}
