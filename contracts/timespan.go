package contracts

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	tickDuration = 100 * time.Nanosecond
	ticksPerSec  = uint64(time.Second / tickDuration)
	ticksPerMin  = 60 * ticksPerSec
	ticksPerHour = 60 * ticksPerMin
	ticksPerDay  = 24 * ticksPerHour
	maxTicks     = uint64(math.MaxInt64 / int64(tickDuration))
)

// NeverExpires is the largest TTL representable on the wire. Any longer value
// read from a payload is clamped to it.
const NeverExpires = time.Duration(math.MaxInt64 / int64(tickDuration) * int64(tickDuration))

// NeverExpiresString is the wire form of NeverExpires. It is the largest value
// a time.Duration holds, shorter than the .NET TimeSpan.MaxValue string
// "10675199.02:48:05.4775807", which ParseTimeSpan clamps back to NeverExpires.
var NeverExpiresString = FormatTimeSpan(NeverExpires)

var errInvalidTimeSpan = errors.New("contracts: invalid time span")

// FormatTimeSpan renders d as [-][d.]hh:mm:ss[.fffffff] with 100ns precision.
func FormatTimeSpan(d time.Duration) string {
	var sb strings.Builder
	var ticks uint64
	if d < 0 {
		sb.WriteByte('-')
		ticks = uint64(-(d / tickDuration))
	} else {
		ticks = uint64(d / tickDuration)
	}

	days := ticks / ticksPerDay
	ticks %= ticksPerDay
	hours := ticks / ticksPerHour
	ticks %= ticksPerHour
	minutes := ticks / ticksPerMin
	ticks %= ticksPerMin
	seconds := ticks / ticksPerSec
	fraction := ticks % ticksPerSec

	if days > 0 {
		fmt.Fprintf(&sb, "%d.", days)
	}
	fmt.Fprintf(&sb, "%02d:%02d:%02d", hours, minutes, seconds)
	if fraction > 0 {
		fmt.Fprintf(&sb, ".%07d", fraction)
	}
	return sb.String()
}

// ParseTimeSpan reads a TTL string. It accepts [-][d.]hh:mm[:ss[.fffffff]],
// a bare day count, or Go duration syntax ("90m"). Values that do not fit in
// a time.Duration are clamped to NeverExpires.
func ParseTimeSpan(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty", errInvalidTimeSpan)
	}

	if !strings.Contains(s, ":") {
		if days, err := strconv.ParseUint(strings.TrimPrefix(s, "-"), 10, 64); err == nil {
			return fromTicks(strings.HasPrefix(s, "-"), days, 0, 0, 0, 0)
		} else if errors.Is(err, strconv.ErrRange) {
			return clamp(strings.HasPrefix(s, "-")), nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", errInvalidTimeSpan, s)
		}
		return d, nil
	}

	negative := strings.HasPrefix(s, "-")
	body := strings.TrimPrefix(s, "-")

	parts := strings.Split(body, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("%w: %q", errInvalidTimeSpan, s)
	}

	var days uint64
	hourPart := parts[0]
	if i := strings.IndexByte(hourPart, '.'); i >= 0 {
		v, err := strconv.ParseUint(hourPart[:i], 10, 64)
		if err != nil {
			if errors.Is(err, strconv.ErrRange) {
				return clamp(negative), nil
			}
			return 0, fmt.Errorf("%w: %q", errInvalidTimeSpan, s)
		}
		days = v
		hourPart = hourPart[i+1:]
	}

	hours, err := parseField(hourPart, 24)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", errInvalidTimeSpan, s)
	}
	minutes, err := parseField(parts[1], 60)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", errInvalidTimeSpan, s)
	}

	var seconds, fraction uint64
	if len(parts) == 3 {
		secPart := parts[2]
		if i := strings.IndexByte(secPart, '.'); i >= 0 {
			frac := secPart[i+1:]
			if frac == "" || len(frac) > 7 {
				return 0, fmt.Errorf("%w: %q", errInvalidTimeSpan, s)
			}
			fraction, err = strconv.ParseUint(frac+strings.Repeat("0", 7-len(frac)), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("%w: %q", errInvalidTimeSpan, s)
			}
			secPart = secPart[:i]
		}
		seconds, err = parseField(secPart, 60)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", errInvalidTimeSpan, s)
		}
	}

	return fromTicks(negative, days, hours, minutes, seconds, fraction)
}

func parseField(s string, limit uint64) (uint64, error) {
	if s == "" {
		return 0, errInvalidTimeSpan
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if v >= limit {
		return 0, errInvalidTimeSpan
	}
	return v, nil
}

func fromTicks(negative bool, days, hours, minutes, seconds, fraction uint64) (time.Duration, error) {
	if days > maxTicks/ticksPerDay {
		return clamp(negative), nil
	}
	ticks := days*ticksPerDay + hours*ticksPerHour + minutes*ticksPerMin + seconds*ticksPerSec + fraction
	if ticks > maxTicks {
		return clamp(negative), nil
	}
	d := time.Duration(ticks) * tickDuration
	if negative {
		d = -d
	}
	return d, nil
}

func clamp(negative bool) time.Duration {
	if negative {
		return -NeverExpires
	}
	return NeverExpires
}
