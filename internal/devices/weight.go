package devices

import (
	"bytes"
	"math"
	"regexp"
	"strconv"
	"strings"
)

const number = `([+-]?[0-9]+(?:[.,][0-9]+)?)`

type weightPattern struct {
	re   *regexp.Regexp
	unit Unit
}

// Tried in order; the first pattern that matches decides the line.
var weightPatterns = []weightPattern{
	{regexp.MustCompile(`(?i)` + number + `\s*kg`), UnitKilogram},
	// The frame value ends the line; "ST,GS,0,500" is not a 0 kg frame.
	{regexp.MustCompile(`(?i)ST\s*,\s*GS\s*,\s*([+-]?[0-9]+(?:\.[0-9]+)?)\s*(?:kg)?\s*$`), UnitKilogram},
	{regexp.MustCompile(`(?i)` + number + `\s*lbs?\b`), UnitPound},
	{regexp.MustCompile(`(?i)` + number + `\s*g\b`), UnitGram},
	{regexp.MustCompile(`^\s*` + number + `\s*$`), UnitKilogram},
}

// ParseWeight extracts a reading from one line of scale output. Lines that
// carry no usable weight return false; they are normal noise on a live line.
func ParseWeight(line string) (Reading, bool) {
	clean := strings.TrimSpace(line)
	if clean == "" {
		return Reading{}, false
	}

	for _, p := range weightPatterns {
		match := p.re.FindStringSubmatch(clean)
		if match == nil {
			continue
		}

		value, err := strconv.ParseFloat(strings.ReplaceAll(match[1], ",", "."), 64)
		if err != nil || math.IsNaN(value) || math.IsInf(value, 0) || value < 0 {
			return Reading{}, false
		}
		if value == 0 {
			value = 0 // drop the sign of -0
		}

		return Reading{Value: value, Unit: p.unit, Raw: clean}, true
	}

	return Reading{}, false
}

// LineBuffer splits a byte stream into lines on any run of CR or LF. Text
// after the last terminator is held until the next Feed.
type LineBuffer struct {
	pending []byte
}

func isLineBreak(r rune) bool {
	return r == '\r' || r == '\n'
}

// Feed appends chunk and returns every complete, non-empty line.
func (b *LineBuffer) Feed(chunk []byte) []string {
	b.pending = append(b.pending, chunk...)

	last := bytes.LastIndexAny(b.pending, "\r\n")
	if last < 0 {
		return nil
	}

	complete := b.pending[:last]
	rest := b.pending[last+1:]

	var lines []string
	for _, field := range bytes.FieldsFunc(complete, isLineBreak) {
		lines = append(lines, string(field))
	}

	b.pending = append([]byte(nil), rest...)
	return lines
}

// Pending returns the buffered partial line.
func (b *LineBuffer) Pending() string {
	return string(b.pending)
}

func (b *LineBuffer) Reset() {
	b.pending = nil
}
