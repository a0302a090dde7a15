package beep

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Defaults for parameters missing from a beep command.
const (
	DefaultInterval = 1 * time.Second
	DefaultDuration = 10 * time.Second
	DefaultMessage  = "beep"
)

// unitMultiplier converts a unit suffix to seconds.
var unitMultiplier = map[string]float64{
	"":  1,
	"s": 1,
	"m": 60,
	"h": 60 * 60,
}

const timeToken = `((?:\d+(?:\.\d+)?|\.\d+)[smhSMH]?)`

// The forms are tried in order; the first match wins.
var (
	fullForm    = regexp.MustCompile(`^` + timeToken + `\s+` + timeToken + `\s+(\S.*)$`)
	pairForm    = regexp.MustCompile(`^` + timeToken + `\s+` + timeToken + `$`)
	messageForm = regexp.MustCompile(`^` + timeToken + `\s+([^\d\s].*)$`)
	singleForm  = regexp.MustCompile(`^` + timeToken + `$`)
	timeParts   = regexp.MustCompile(`^(\d+(?:\.\d+)?|\.\d+)([smhSMH]?)$`)
)

// Spec holds the parameters of one beep activity.
type Spec struct {
	Interval time.Duration
	Duration time.Duration
	Message  string
}

// ParseSpec parses "<interval> [<duration>] [message]". Interval and duration
// are numbers with an optional s, m or h suffix (seconds by default). Missing
// parts keep their defaults, and an argument string that matches none of the
// forms yields the default spec.
func ParseSpec(args string) Spec {
	spec := Spec{
		Interval: DefaultInterval,
		Duration: DefaultDuration,
		Message:  DefaultMessage,
	}
	args = strings.TrimSpace(args)

	var interval, duration string
	if m := fullForm.FindStringSubmatch(args); m != nil {
		interval, duration, spec.Message = m[1], m[2], m[3]
	} else if m := pairForm.FindStringSubmatch(args); m != nil {
		interval, duration = m[1], m[2]
	} else if m := messageForm.FindStringSubmatch(args); m != nil {
		interval, spec.Message = m[1], m[2]
	} else if m := singleForm.FindStringSubmatch(args); m != nil {
		interval = m[1]
	}

	if d, ok := parseTime(interval); ok {
		spec.Interval = d
	}
	if d, ok := parseTime(duration); ok {
		spec.Duration = d
	}
	return spec
}

// parseTime converts a "<number><unit>" token to a duration.
func parseTime(token string) (time.Duration, bool) {
	m := timeParts.FindStringSubmatch(token)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	seconds := n * unitMultiplier[strings.ToLower(m[2])]
	return time.Duration(seconds * float64(time.Second)), true
}
