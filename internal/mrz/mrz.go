// Package mrz turns raw OCR text from the machine-readable zone of a TD1
// identity document into structured identity fields.
package mrz

import (
	"errors"
	"strings"
)

// LineLength is the fixed width of a TD1 MRZ line.
const LineLength = 30

const filler = '<'

// ErrInsufficientLines indicates fewer than two usable MRZ lines survived
// filtering.
var ErrInsufficientLines = errors.New("insufficient MRZ lines")

// Fields is the structured parse result. A nil pointer means the field could
// not be extracted, which is distinct from an extracted empty value. RawText
// is always populated for audit purposes.
type Fields struct {
	Name       *string `json:"name,omitempty"`
	Surname    *string `json:"surname,omitempty"`
	NationalID *string `json:"national_id,omitempty"`
	RawText    string  `json:"raw_text"`
}

// Complete reports whether all three identity fields were extracted.
func (f Fields) Complete() bool {
	return f.Name != nil && f.Surname != nil && f.NationalID != nil
}

// ParserConfig carries the heuristic fallback tuning. The token length bounds
// are empirically tuned for Turkish ID cards and should be adjusted for other
// MRZ-bearing documents.
type ParserConfig struct {
	MinTokenLen int
	MaxTokenLen int
}

// DefaultParserConfig returns the tuned defaults.
func DefaultParserConfig() ParserConfig {
	return ParserConfig{MinTokenLen: 4, MaxTokenLen: 15}
}

// Parser extracts identity fields from raw OCR text. Parse is pure and never
// panics: identical input always yields an identical result.
type Parser struct {
	cfg ParserConfig
}

// NewParser constructs a parser with the given heuristic tuning.
func NewParser(cfg ParserConfig) *Parser {
	if cfg.MinTokenLen <= 0 {
		cfg.MinTokenLen = DefaultParserConfig().MinTokenLen
	}
	if cfg.MaxTokenLen < cfg.MinTokenLen {
		cfg.MaxTokenLen = DefaultParserConfig().MaxTokenLen
	}
	return &Parser{cfg: cfg}
}

// Parse extracts name, surname, and national ID from raw recognized text.
// Missing fields stay nil; malformed input never raises.
func (p *Parser) Parse(rawText string) Fields {
	fields := Fields{RawText: rawText}

	lines := SelectLines(rawText)
	for i := range lines {
		lines[i] = NormalizeLine(lines[i])
	}

	var docNumberDemoted string
	if len(lines) >= 2 {
		doc := parseTD1(lines)
		if doc.surname != "" {
			fields.Surname = ptr(doc.surname)
		}
		if name := firstToken(doc.givenNames); name != "" {
			fields.Name = ptr(name)
		}
		// The document number usually encodes a serial number rather than
		// the national ID, so it is the candidate of last resort. When its
		// check digit fails it is demoted behind the digit-scan fallback.
		for _, candidate := range []string{doc.personalNumber, doc.optionalData} {
			if id := elevenDigits(candidate); id != "" {
				fields.NationalID = ptr(id)
				break
			}
		}
		if fields.NationalID == nil {
			if id := elevenDigits(doc.documentNumber); id != "" {
				if doc.documentNumberValid {
					fields.NationalID = ptr(id)
				} else {
					docNumberDemoted = id
				}
			}
		}
	}

	if (fields.Name == nil || fields.Surname == nil) && len(lines) == 3 {
		p.fallbackNames(&fields, lines[2])
	}

	if fields.NationalID == nil {
		if id := scanElevenDigitRun(rawText); id != "" {
			fields.NationalID = ptr(id)
		} else if len(lines) > 0 {
			if id := scanElevenDigitRun(lines[0]); id != "" {
				fields.NationalID = ptr(id)
			}
		}
	}
	if fields.NationalID == nil && docNumberDemoted != "" {
		fields.NationalID = ptr(docNumberDemoted)
	}

	return fields
}

// SelectLines keeps trimmed lines longer than 20 characters that consist
// entirely of the MRZ alphabet; everything else is OCR noise. At most the
// first three surviving lines are returned.
func SelectLines(rawText string) []string {
	var out []string
	for _, line := range strings.FieldsFunc(rawText, func(r rune) bool { return r == '\n' || r == '\r' }) {
		line = strings.TrimSpace(line)
		if len(line) <= 20 || !isMRZAlphabet(line) {
			continue
		}
		out = append(out, line)
		if len(out) == 3 {
			break
		}
	}
	return out
}

// NormalizeLine forces any string into exactly LineLength characters over the
// MRZ alphabet. Longer input is truncated, shorter input is right-padded with
// filler, and characters outside the alphabet become filler. Lossy and
// intentional, never reversed.
func NormalizeLine(s string) string {
	s = strings.ToUpper(s)
	var b strings.Builder
	b.Grow(LineLength)
	for _, r := range s {
		if b.Len() == LineLength {
			break
		}
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == filler {
			b.WriteRune(r)
		} else {
			b.WriteByte(filler)
		}
	}
	for b.Len() < LineLength {
		b.WriteByte(filler)
	}
	return b.String()
}

// document is the strongly typed result of the structured TD1 parse. The rest
// of the pipeline never does dynamic key lookups against it.
type document struct {
	documentNumber      string
	documentNumberValid bool
	personalNumber      string
	optionalData        string
	surname             string
	givenNames          string
}

// parseTD1 extracts the named fields from normalized TD1 lines. Lines must
// already be NormalizeLine output.
func parseTD1(lines []string) document {
	var doc document

	line1 := lines[0]
	doc.documentNumber = line1[5:14]
	doc.documentNumberValid = CheckDigit(doc.documentNumber) == rune(line1[14])
	doc.personalNumber = line1[15:30]

	if len(lines) >= 2 {
		doc.optionalData = lines[1][18:29]
	}

	if len(lines) >= 3 {
		names := strings.TrimRight(lines[2], string(filler))
		if idx := strings.Index(names, "<<"); idx > 0 && idx+2 < len(names) {
			doc.surname = strings.TrimSpace(strings.ReplaceAll(names[:idx], string(filler), " "))
			doc.givenNames = strings.TrimSpace(strings.ReplaceAll(names[idx+2:], string(filler), " "))
		}
	}

	return doc
}

// CheckDigit computes the ICAO 7-3-1 check digit over an MRZ value.
// Digits keep their value, letters map to 10-35, filler counts as zero.
func CheckDigit(s string) rune {
	weights := [3]int{7, 3, 1}
	sum := 0
	for i, r := range s {
		var v int
		switch {
		case r >= '0' && r <= '9':
			v = int(r - '0')
		case r >= 'A' && r <= 'Z':
			v = int(r-'A') + 10
		default:
			v = 0
		}
		sum += v * weights[i%3]
	}
	return rune('0' + sum%10)
}

// fallbackNames extracts surname and given name from the TD1 name line when
// the structured parse left either missing. Never overwrites a populated
// field. Three tiers: filler-run split, letter-run scan, sliding surname
// split.
func (p *Parser) fallbackNames(fields *Fields, nameLine string) {
	surname, name := p.splitNameLine(nameLine)
	if fields.Surname == nil && surname != "" {
		fields.Surname = ptr(surname)
	}
	if fields.Name == nil && name != "" {
		fields.Name = ptr(name)
	}
}

func (p *Parser) splitNameLine(line string) (surname, name string) {
	parts := splitFillerRuns(line)
	if len(parts) >= 2 {
		surname = p.firstLetterRun(parts[0])
		name = p.firstLetterRun(parts[1])
		if surname != "" && name != "" {
			return surname, name
		}
	}

	stripped := strings.ReplaceAll(line, string(filler), "")
	runs := letterRuns(stripped)
	var sized []string
	for _, run := range runs {
		if len(run) >= p.cfg.MinTokenLen && len(run) <= p.cfg.MaxTokenLen {
			sized = append(sized, run)
		}
	}
	if len(sized) >= 2 {
		return sized[0], sized[1]
	}

	// Last tier: try every possible surname length and accept the first
	// split where both halves validate as pure-letter tokens.
	for sLen := p.cfg.MinTokenLen; sLen <= p.cfg.MaxTokenLen && sLen < len(stripped); sLen++ {
		head := stripped[:sLen]
		if !isLetters(head) {
			continue
		}
		rest := leadingLetterRun(stripped[sLen:])
		if len(rest) >= p.cfg.MinTokenLen {
			return head, rest
		}
	}
	return "", ""
}

// firstLetterRun returns the first uppercase-letter run within the configured
// length bounds, or the empty string.
func (p *Parser) firstLetterRun(s string) string {
	for _, run := range letterRuns(s) {
		if len(run) >= p.cfg.MinTokenLen && len(run) <= p.cfg.MaxTokenLen {
			return run
		}
	}
	return ""
}

// splitFillerRuns splits a name line on runs of two or more fillers and drops
// empty fragments.
func splitFillerRuns(line string) []string {
	var parts []string
	var cur strings.Builder
	fillers := 0
	flush := func() {
		if s := strings.Trim(cur.String(), string(filler)); s != "" {
			parts = append(parts, s)
		}
		cur.Reset()
	}
	for _, r := range line {
		if r == filler {
			fillers++
			if fillers >= 2 {
				if fillers == 2 {
					// Remove the single filler buffered before the run
					// became a separator.
					s := cur.String()
					cur.Reset()
					cur.WriteString(strings.TrimSuffix(s, string(filler)))
				}
				flush()
				continue
			}
			cur.WriteRune(r)
			continue
		}
		fillers = 0
		cur.WriteRune(r)
	}
	flush()
	return parts
}

func letterRuns(s string) []string {
	var runs []string
	start := -1
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			runs = append(runs, s[start:i])
			start = -1
		}
	}
	if start >= 0 {
		runs = append(runs, s[start:])
	}
	return runs
}

func leadingLetterRun(s string) string {
	for i, r := range s {
		if r < 'A' || r > 'Z' {
			return s[:i]
		}
	}
	return s
}

func isLetters(s string) bool {
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return s != ""
}

func isMRZAlphabet(s string) bool {
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != filler {
			return false
		}
	}
	return s != ""
}

// elevenDigits strips filler from an MRZ field value and returns it when it
// is exactly an 11-digit number.
func elevenDigits(field string) string {
	v := strings.ReplaceAll(field, string(filler), "")
	if len(v) != 11 {
		return ""
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return v
}

// scanElevenDigitRun returns the first maximal digit run of exactly eleven
// digits in s. Longer runs are rejected rather than trimmed: a 12-digit OCR
// smear gives no way to tell which end the stray digit is on, and a wrong
// national ID is worse than a missing one.
func scanElevenDigitRun(s string) string {
	start := -1
	check := func(end int) string {
		if start >= 0 && end-start == 11 {
			return s[start:end]
		}
		return ""
	}
	for i, r := range s {
		if r >= '0' && r <= '9' {
			if start < 0 {
				start = i
			}
			continue
		}
		if run := check(i); run != "" {
			return run
		}
		start = -1
	}
	return check(len(s))
}

func firstToken(s string) string {
	for _, tok := range strings.Fields(s) {
		return tok
	}
	return ""
}

func ptr(s string) *string {
	return &s
}
