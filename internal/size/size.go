package size

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// Unit selects what Parse returns
type Unit int

const (
	// Bytes makes Parse return a byte count
	Bytes Unit = iota
	// Gigabytes makes Parse return binary gigabytes rounded to two decimals
	Gigabytes
)

const (
	kib = 1024
	mib = 1024 * kib
	gib = 1024 * mib
	tib = 1024 * gib
)

// sizePattern matches the leading "<number><unit>" of strings such as "7.5G" or "930 MB"
var sizePattern = regexp.MustCompile(`(?i)^(\d+(?:\.\d+)?)\s*([KMGT]?B?)`)

var multipliers = map[string]float64{
	"B":  1,
	"K":  kib,
	"KB": kib,
	"M":  mib,
	"MB": mib,
	"G":  gib,
	"GB": gib,
	"T":  tib,
	"TB": tib,
}

// Parse converts a human readable size as printed by lsblk into the requested unit.
// Multipliers are binary. An empty or unknown unit counts as a multiplier of 1 and
// anything that does not start with a number yields 0.
func Parse(text string, unit Unit) float64 {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	// Some locales print "7,5G"
	text = strings.Replace(text, ",", ".", 1)

	matches := sizePattern.FindStringSubmatch(text)
	if matches == nil {
		return 0
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0
	}

	multiplier, ok := multipliers[strings.ToUpper(matches[2])]
	if !ok {
		multiplier = 1
	}

	bytes := value * multiplier
	if unit == Gigabytes {
		return math.Round(bytes/gib*100) / 100
	}
	return bytes
}

// ParseBytes is Parse(text, Bytes) truncated to a byte count
func ParseBytes(text string) uint64 {
	return uint64(Parse(text, Bytes))
}

// Format renders a byte count using IEC units, e.g. "14 GiB"
func Format(bytes uint64) string {
	return humanize.IBytes(bytes)
}

// ToGigabytes converts a byte count to binary gigabytes rounded to two decimals
func ToGigabytes(bytes uint64) float64 {
	return math.Round(float64(bytes)/gib*100) / 100
}
