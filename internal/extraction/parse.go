package extraction

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"

	"github.com/example/docverify/internal/config"
	"github.com/example/docverify/internal/dates"
)

var (
	spaces      = regexp.MustCompile(`[ \t\f\v]+`)
	anySpace    = regexp.MustCompile(`\s+`)
	nonNameRune = regexp.MustCompile(`[^A-Za-z\s\-']`)
	longDigits  = regexp.MustCompile(`\d{4,}`)

	// artifacts drops OCR noise such as box-drawing glyphs, stray symbols and control
	// characters. Marks are kept so Devanagari labels survive.
	artifacts = runes.Remove(runes.Predicate(func(r rune) bool {
		switch {
		case r == '\n', unicode.IsLetter(r), unicode.IsDigit(r), unicode.IsMark(r), unicode.IsSpace(r):
			return false
		case strings.ContainsRune(":/-.,'", r):
			return false
		}
		return true
	}))
)

// parser turns recognised text into fields. It holds only compiled, read-only tables.
type parser struct {
	policy      config.ExtractionPolicy
	ids         []config.IDPattern
	dates       *dates.Parser
	nameLabel   *regexp.Regexp
	dobLabel    *regexp.Regexp
	filterWords []string
}

func newParser(policy *config.Policy) *parser {
	filter := make([]string, len(policy.Extraction.NameFilterWords))
	for i, w := range policy.Extraction.NameFilterWords {
		filter[i] = strings.ToLower(w)
	}
	return &parser{
		policy:      policy.Extraction,
		ids:         policy.IDPatterns,
		dates:       dates.NewParser(policy.DateFormats),
		nameLabel:   labelRegexp(policy.Extraction.NameLabels),
		dobLabel:    labelRegexp(policy.Extraction.DOBLabels),
		filterWords: filter,
	}
}

func labelRegexp(labels []string) *regexp.Regexp {
	if len(labels) == 0 {
		return nil
	}
	quoted := make([]string, len(labels))
	for i, l := range labels {
		quoted[i] = regexp.QuoteMeta(l)
	}
	return regexp.MustCompile(`(?i)(?:` + strings.Join(quoted, "|") + `)`)
}

// cleanText strips recognition artifacts and returns the non-empty lines.
func cleanText(raw string) []string {
	text, _, err := transform.String(artifacts, raw)
	if err != nil {
		text = raw
	}
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(spaces.ReplaceAllString(line, " "))
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func (p *parser) parse(raw string) *Fields {
	lines := cleanText(raw)
	f := &Fields{RawText: strings.Join(lines, "\n")}
	if name, ok := p.name(lines); ok {
		f.Name = &name
	}
	if dob, ok := p.dateOfBirth(lines); ok {
		f.DateOfBirth = &dob
	}
	f.AllIDs = p.idNumbers(f.RawText)
	if len(f.AllIDs) > 0 {
		number, idType := f.AllIDs[0].Number, f.AllIDs[0].Type
		f.IDNumber, f.IDType = &number, &idType
	}
	f.Confidence = p.confidence(f)
	return f
}

// name prefers a labelled value, on the label line after a colon or on the line below,
// and otherwise falls back to the most alphabetic plausible line.
func (p *parser) name(lines []string) (string, bool) {
	if p.nameLabel != nil {
		for i, line := range lines {
			if !p.nameLabel.MatchString(line) {
				continue
			}
			if _, after, ok := strings.Cut(line, ":"); ok && len(strings.TrimSpace(after)) > 2 {
				if name, ok := p.cleanName(after); ok {
					return name, true
				}
			}
			if i+1 < len(lines) {
				if name, ok := p.cleanName(lines[i+1]); ok {
					return name, true
				}
			}
		}
	}

	var best string
	var bestRatio float64
	for _, line := range lines {
		n := len([]rune(line))
		if n < 5 || n > 50 || longDigits.MatchString(line) || p.hasFilterWord(line) || p.isLabel(line) {
			continue
		}
		var alpha int
		for _, r := range line {
			if unicode.IsLetter(r) || unicode.IsSpace(r) {
				alpha++
			}
		}
		ratio := float64(alpha) / float64(n)
		if ratio > 0.75 && ratio > bestRatio {
			best, bestRatio = line, ratio
		}
	}
	if best == "" {
		return "", false
	}
	return p.cleanName(best)
}

func (p *parser) isLabel(line string) bool {
	return (p.nameLabel != nil && p.nameLabel.MatchString(line)) || (p.dobLabel != nil && p.dobLabel.MatchString(line))
}

func (p *parser) cleanName(s string) (string, bool) {
	s = nonNameRune.ReplaceAllString(s, "")
	var kept []string
	for _, tok := range strings.Fields(s) {
		if !p.isFilterWord(tok) {
			kept = append(kept, tok)
		}
	}
	name := strings.Join(kept, " ")
	if n := len(name); n < 3 || n > 40 || !strings.ContainsFunc(name, unicode.IsLetter) {
		return "", false
	}
	return name, true
}

func (p *parser) hasFilterWord(line string) bool {
	for _, tok := range strings.FieldsFunc(line, func(r rune) bool { return !unicode.IsLetter(r) }) {
		if p.isFilterWord(tok) {
			return true
		}
	}
	return false
}

// isFilterWord matches tokens against the non-name vocabulary. Short words must match
// exactly; longer ones tolerate recognition typos up to the fuzzy threshold.
func (p *parser) isFilterWord(tok string) bool {
	tok = strings.ToLower(tok)
	for _, w := range p.filterWords {
		if tok == w {
			return true
		}
		if len(w) < 6 {
			continue
		}
		longest := max(len(tok), len(w))
		ratio := 1 - float64(levenshtein.ComputeDistance(tok, w))/float64(longest)
		if ratio >= p.policy.NameFuzzyThreshold {
			return true
		}
	}
	return false
}

// dateOfBirth looks beside a birth-date label first, then anywhere, then for a compact
// DDMMYYYY number.
func (p *parser) dateOfBirth(lines []string) (string, bool) {
	if p.dobLabel != nil {
		for i, line := range lines {
			if !p.dobLabel.MatchString(line) {
				continue
			}
			window := line
			if i+1 < len(lines) {
				window += " " + lines[i+1]
			}
			if t, ok := p.dates.Find(window); ok {
				return t.Format(dates.ISOLayout), true
			}
		}
	}
	text := strings.Join(lines, "\n")
	if t, ok := p.dates.Find(text); ok {
		return t.Format(dates.ISOLayout), true
	}
	if t, ok := dates.FindCompact(text); ok {
		return t.Format(dates.ISOLayout), true
	}
	return "", false
}

// idNumbers returns the first match of every registered document type, in registry order.
func (p *parser) idNumbers(text string) []IDMatch {
	upper := strings.ToUpper(text)
	var found []IDMatch
	for _, pat := range p.ids {
		re := pat.Regexp()
		if re == nil {
			continue
		}
		for _, m := range re.FindAllString(upper, -1) {
			m = anySpace.ReplaceAllString(strings.TrimSpace(m), " ")
			if len(strings.ReplaceAll(m, " ", "")) > 5 {
				found = append(found, IDMatch{Type: pat.Type, Number: m})
				break
			}
		}
	}
	return found
}

func (p *parser) confidence(f *Fields) float64 {
	w := p.policy.Weights
	var c float64
	if f.Name != nil {
		c += w.Name
	}
	if f.DateOfBirth != nil {
		c += w.DOB
	}
	if f.IDNumber != nil {
		c += w.ID
	}
	return min(c, 1)
}
