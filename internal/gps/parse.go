package gps

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/s0uth-cloud/droptimize-driver/internal/tracking"
)

const knotsToMPS = 0.514444

// ErrNoFixInSentence is returned for well-formed sentences that carry no
// usable position, such as an RMC with a void status.
var ErrNoFixInSentence = errors.New("sentence carries no fix")

// ParseLine decodes one line from the receiver. It accepts NMEA RMC
// sentences and newline-delimited JSON fixes. Other NMEA sentences report
// ok=false with a nil error.
func ParseLine(line string) (fix tracking.PositionFix, ok bool, err error) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return fix, false, nil
	case strings.HasPrefix(line, "{"):
		if err := json.Unmarshal([]byte(line), &fix); err != nil {
			return fix, false, fmt.Errorf("invalid JSON fix: %w", err)
		}
		return fix, true, nil
	case strings.HasPrefix(line, "$"):
		return parseNMEA(line)
	default:
		return fix, false, fmt.Errorf("unrecognised line %q", line)
	}
}

func parseNMEA(line string) (tracking.PositionFix, bool, error) {
	body, err := verifyChecksum(line)
	if err != nil {
		return tracking.PositionFix{}, false, err
	}
	fields := strings.Split(body, ",")
	if len(fields[0]) < 5 || fields[0][2:] != "RMC" {
		return tracking.PositionFix{}, false, nil
	}
	return parseRMC(fields)
}

// verifyChecksum strips the leading '$' and trailing '*hh' and checks the
// XOR checksum when present.
func verifyChecksum(line string) (string, error) {
	body := line[1:]
	star := strings.LastIndexByte(body, '*')
	if star < 0 {
		return body, nil
	}
	want, err := strconv.ParseUint(body[star+1:], 16, 8)
	if err != nil {
		return "", fmt.Errorf("invalid checksum in %q", line)
	}
	body = body[:star]
	var sum byte
	for i := 0; i < len(body); i++ {
		sum ^= body[i]
	}
	if sum != byte(want) {
		return "", fmt.Errorf("checksum mismatch in %q: got %02X want %02X", line, sum, want)
	}
	return body, nil
}

// parseRMC decodes $--RMC,hhmmss.ss,A,llll.ll,a,yyyyy.yy,a,x.x,x.x,ddmmyy,...
func parseRMC(f []string) (tracking.PositionFix, bool, error) {
	var fix tracking.PositionFix
	if len(f) < 10 {
		return fix, false, fmt.Errorf("short RMC sentence: %d fields", len(f))
	}
	if f[2] != "A" {
		return fix, false, ErrNoFixInSentence
	}
	lat, err := parseDegrees(f[3], f[4], 2)
	if err != nil {
		return fix, false, fmt.Errorf("RMC latitude: %w", err)
	}
	lng, err := parseDegrees(f[5], f[6], 3)
	if err != nil {
		return fix, false, fmt.Errorf("RMC longitude: %w", err)
	}
	ts, err := parseRMCTime(f[1], f[9])
	if err != nil {
		return fix, false, err
	}
	fix.Latitude = lat
	fix.Longitude = lng
	fix.TimestampMillis = ts.UnixMilli()
	if f[7] != "" {
		knots, err := strconv.ParseFloat(f[7], 64)
		if err != nil {
			return fix, false, fmt.Errorf("RMC speed: %w", err)
		}
		mps := knots * knotsToMPS
		fix.SpeedMPS = &mps
	}
	if f[8] != "" {
		if course, err := strconv.ParseFloat(f[8], 64); err == nil {
			fix.HeadingDegrees = &course
		}
	}
	return fix, true, nil
}

// parseDegrees converts NMEA (d)ddmm.mmmm plus hemisphere to signed decimal
// degrees.
func parseDegrees(value, hemi string, degDigits int) (float64, error) {
	if len(value) < degDigits+2 {
		return 0, fmt.Errorf("invalid coordinate %q", value)
	}
	deg, err := strconv.Atoi(value[:degDigits])
	if err != nil {
		return 0, fmt.Errorf("invalid coordinate %q: %w", value, err)
	}
	minutes, err := strconv.ParseFloat(value[degDigits:], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid coordinate %q: %w", value, err)
	}
	out := float64(deg) + minutes/60
	switch hemi {
	case "N", "E":
	case "S", "W":
		out = -out
	default:
		return 0, fmt.Errorf("invalid hemisphere %q", hemi)
	}
	return out, nil
}

func parseRMCTime(hms, dmy string) (time.Time, error) {
	if len(hms) < 6 || len(dmy) != 6 {
		return time.Time{}, fmt.Errorf("invalid RMC time %q date %q", hms, dmy)
	}
	atoi := func(s string) int {
		n, _ := strconv.Atoi(s)
		return n
	}
	secs, err := strconv.ParseFloat(hms[4:], 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid RMC time %q: %w", hms, err)
	}
	year := atoi(dmy[4:6])
	if year < 80 {
		year += 2000
	} else {
		year += 1900
	}
	whole, frac := math.Modf(secs)
	return time.Date(year, time.Month(atoi(dmy[2:4])), atoi(dmy[0:2]),
		atoi(hms[0:2]), atoi(hms[2:4]), int(whole), int(frac*1e9), time.UTC), nil
}
