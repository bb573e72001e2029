package ffmpeg

import (
	"strconv"
	"strings"
	"time"
)

// progressParser interprets the key=value lines written by ffmpeg's
// -progress option. Each block of keys ends with a progress=continue or
// progress=end line.
type progressParser struct {
	duration time.Duration
	outTime  time.Duration
}

// feed consumes a single line, returning the completion percentage when the
// line closes a progress block.
func (p *progressParser) feed(line string) (int, bool) {
	key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		return 0, false
	}

	switch key {
	// out_time_ms is (despite the name) also reported in microseconds
	case "out_time_us", "out_time_ms":
		if us, err := strconv.ParseInt(value, 10, 64); err == nil && us >= 0 {
			p.outTime = time.Duration(us) * time.Microsecond
		}
	case "out_time":
		if d, ok := parseClock(value); ok {
			p.outTime = d
		}
	case "progress":
		if value == "end" {
			return 100, true
		}
		if p.duration <= 0 {
			return 0, false
		}

		percent := int(p.outTime * 100 / p.duration)
		return max(0, min(100, percent)), true
	}

	return 0, false
}

// parseClock parses ffmpeg's HH:MM:SS.micro timestamps.
func parseClock(value string) (time.Duration, bool) {
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return 0, false
	}

	h, errH := strconv.Atoi(parts[0])
	m, errM := strconv.Atoi(parts[1])
	s, errS := strconv.ParseFloat(parts[2], 64)
	if errH != nil || errM != nil || errS != nil || h < 0 || m < 0 || s < 0 {
		return 0, false
	}

	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s*float64(time.Second)), true
}
