// Package timeutil resolves the caller's timezone and computes local calendar
// day boundaries in UTC. Date-only filter values must cover the caller's local
// day, and the offset is computed against the specific date so DST transitions
// resolve correctly.
package timeutil

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// emailTLDZones maps an email domain TLD to a representative IANA zone, used
// as a hint when no explicit timezone is configured.
var emailTLDZones = map[string]string{
	"ar": "America/Argentina/Buenos_Aires",
	"au": "Australia/Sydney",
	"br": "America/Sao_Paulo",
	"ca": "America/Toronto",
	"cl": "America/Santiago",
	"co": "America/Bogota",
	"de": "Europe/Berlin",
	"es": "Europe/Madrid",
	"fr": "Europe/Paris",
	"in": "Asia/Kolkata",
	"jp": "Asia/Tokyo",
	"mx": "America/Mexico_City",
	"pe": "America/Lima",
	"uk": "Europe/London",
}

// Resolve determines the working timezone. Precedence: explicit override
// (IANA name, fixed offset such as "+05:30" or "-0700", or the symbolic
// values "utc" and "system"), then the email-domain hint, then UTC.
func Resolve(override, emailHint string) *time.Location {
	if override != "" {
		if loc := parseOverride(override); loc != nil {
			return loc
		}
	}
	if emailHint != "" {
		at := strings.LastIndex(emailHint, "@")
		if at >= 0 {
			domain := emailHint[at+1:]
			dot := strings.LastIndex(domain, ".")
			if dot >= 0 {
				if zone, ok := emailTLDZones[strings.ToLower(domain[dot+1:])]; ok {
					if loc, err := time.LoadLocation(zone); err == nil {
						return loc
					}
				}
			}
		}
	}
	return time.UTC
}

func parseOverride(v string) *time.Location {
	switch strings.ToLower(v) {
	case "utc":
		return time.UTC
	case "system", "local":
		return time.Local
	}
	if loc, err := time.LoadLocation(v); err == nil {
		return loc
	}
	if off, ok := parseFixedOffset(v); ok {
		return time.FixedZone(v, off)
	}
	return nil
}

// parseFixedOffset parses "+05:30", "-0700", "+5" style offsets into seconds.
func parseFixedOffset(v string) (int, bool) {
	if v == "" || (v[0] != '+' && v[0] != '-') {
		return 0, false
	}
	sign := 1
	if v[0] == '-' {
		sign = -1
	}
	rest := strings.ReplaceAll(v[1:], ":", "")
	if rest == "" || len(rest) > 4 {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	var hours, mins int
	if len(rest) <= 2 {
		hours = n
	} else {
		hours = n / 100
		mins = n % 100
	}
	if hours > 14 || mins > 59 {
		return 0, false
	}
	return sign * (hours*3600 + mins*60), true
}

// IsDateOnly reports whether the value is a bare YYYY-MM-DD date.
func IsDateOnly(v string) bool {
	_, err := time.Parse("2006-01-02", v)
	return err == nil
}

// DayBoundsUTC returns the half-open UTC interval covering the local calendar
// day of the given date-only string: the inclusive start of the day and the
// exclusive start of the next day, both formatted as ISO-8601 with Z suffix.
// The interval stays lexicographically comparable against second-precision
// stored timestamps, which a fractional end-of-day cap would not be.
func DayBoundsUTC(date string, loc *time.Location) (string, string, error) {
	d, err := time.ParseInLocation("2006-01-02", date, loc)
	if err != nil {
		return "", "", fmt.Errorf("invalid date %q: %w", date, err)
	}
	start := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc)
	end := time.Date(d.Year(), d.Month(), d.Day()+1, 0, 0, 0, 0, loc)
	return FormatUTC(start), FormatUTC(end), nil
}

// NowUTC returns the current time formatted as ISO-8601 UTC with Z suffix.
func NowUTC() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05Z")
}

// FormatUTC formats a time as ISO-8601 UTC with Z suffix.
func FormatUTC(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}
