// Package consistency compares fields read from a document with what the claimant declared.
package consistency

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/example/docverify/internal/apperrors"
	"github.com/example/docverify/internal/config"
	"github.com/example/docverify/internal/dates"
	"github.com/example/docverify/internal/extraction"
)

// Claimant is the identity the user declared. It is untrusted and only ever compared.
type Claimant struct {
	Name        string `json:"name"`
	DateOfBirth string `json:"date_of_birth"`
	IDNumber    string `json:"id_number"`
}

// Band summarises the mismatch score.
type Band string

const (
	BandMatchesWell        Band = "matches_well"
	BandMinorDiscrepancies Band = "minor_discrepancies"
	BandSignificant        Band = "significant"
)

// Report is the immutable comparison result.
type Report struct {
	NameMismatch   float64  `json:"name_mismatch"`
	DOBMismatch    float64  `json:"dob_mismatch"`
	IDMismatch     float64  `json:"id_mismatch"`
	NameSimilarity float64  `json:"name_similarity"`
	MismatchScore  float64  `json:"mismatch_score"`
	Band           Band     `json:"band"`
	Flags          []string `json:"flags,omitempty"`
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock replaces time.Now for age calculations.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine scores claimant data against extracted fields.
type Engine struct {
	policy config.ConsistencyPolicy
	dates  *dates.Parser
	now    func() time.Time
	logger *zap.Logger
}

// NewEngine builds an engine from the policy's consistency section and date table.
func NewEngine(policy *config.Policy, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		policy: policy.Consistency,
		dates:  dates.NewParser(policy.DateFormats),
		now:    time.Now,
		logger: logger.Named("consistency"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Assess compares extracted with claimant. A nil claimant means there is nothing to compare
// and the result is nil, which callers must treat as undefined rather than a perfect match.
func (e *Engine) Assess(extracted *extraction.Fields, claimant *Claimant) *Report {
	if claimant == nil {
		return nil
	}
	if extracted == nil {
		extracted = &extraction.Fields{}
	}
	r := &Report{}
	r.NameMismatch, r.NameSimilarity = e.compareNames(r, extracted.Name, claimant.Name)
	r.DOBMismatch = e.compareDates(r, extracted.DateOfBirth, claimant.DateOfBirth)
	r.IDMismatch = e.compareIDs(r, extracted, claimant.IDNumber)

	w := e.policy.Weights
	r.MismatchScore = clamp01(w.Name*r.NameMismatch + w.DOB*r.DOBMismatch + w.ID*r.IDMismatch)
	switch {
	case r.MismatchScore < e.policy.MatchesWellBelow:
		r.Band = BandMatchesWell
	case r.MismatchScore <= e.policy.SignificantAbove:
		r.Band = BandMinorDiscrepancies
	default:
		r.Band = BandSignificant
	}

	e.logger.Debug("consistency assessed",
		zap.Float64("name", r.NameMismatch),
		zap.Float64("dob", r.DOBMismatch),
		zap.Float64("id", r.IDMismatch),
		zap.Float64("mismatch_score", r.MismatchScore),
	)
	return r
}

func (r *Report) flag(format string, args ...any) {
	r.Flags = append(r.Flags, fmt.Sprintf(format, args...))
}

func (e *Engine) compareNames(r *Report, extracted *string, claimed string) (risk, similarity float64) {
	claimed = NormalizeName(claimed)
	switch {
	case claimed == "":
		r.flag("claimant name not supplied")
		return e.policy.NameMajorRisk, 0
	case extracted == nil || NormalizeName(*extracted) == "":
		r.flag("name not found on document")
		return e.policy.NameMajorRisk, 0
	}
	similarity = SimilarityRatio(NormalizeName(*extracted), claimed)
	switch {
	case similarity >= e.policy.NameMatchRatio:
		return 0, similarity
	case similarity >= e.policy.NameReviewRatio:
		r.flag("name partially matches document (%.0f%%)", similarity*100)
		return e.policy.NameMinorRisk, similarity
	default:
		r.flag("name differs from document (%.0f%%)", similarity*100)
		return e.policy.NameMajorRisk, similarity
	}
}

func (e *Engine) compareDates(r *Report, extracted *string, claimed string) float64 {
	if strings.TrimSpace(claimed) == "" {
		r.flag("claimant date of birth not supplied")
		return e.policy.DOBMajorRisk
	}
	claimedDate, err := e.parseClaimantDate(claimed)
	if err != nil {
		e.logger.Warn("invalid claimant data", zap.Error(err))
		r.flag("claimant date of birth %q is not a valid date", claimed)
		return e.policy.DOBMajorRisk
	}
	now := e.now()
	claimedAge := dates.Age(claimedDate, now)
	e.checkPlausible(r, "claimant", claimedAge)

	if extracted == nil {
		r.flag("date of birth not found on document")
		return e.policy.DOBMajorRisk
	}
	docDate, err := e.dates.Parse(*extracted)
	if err != nil {
		r.flag("document date of birth %q is not a valid date", *extracted)
		return e.policy.DOBMajorRisk
	}
	docAge := dates.Age(docDate, now)
	e.checkPlausible(r, "document", docAge)

	if docDate.Equal(claimedDate) {
		return 0
	}
	gap := docAge - claimedAge
	if gap < 0 {
		gap = -gap
	}
	if gap > e.policy.AgeGapYears {
		r.flag("date of birth differs from document by %d years", gap)
		return e.policy.DOBMajorRisk
	}
	r.flag("date of birth differs from document")
	return e.policy.DOBMinorRisk
}

func (e *Engine) parseClaimantDate(s string) (time.Time, error) {
	t, err := e.dates.Parse(s)
	if err != nil {
		return time.Time{}, &apperrors.InvalidClaimantDataError{Field: "date_of_birth", Value: s}
	}
	return t, nil
}

func (e *Engine) checkPlausible(r *Report, whose string, age int) {
	if age < e.policy.MinAge || age > e.policy.MaxAge {
		r.flag("%s age %d outside %d-%d", whose, age, e.policy.MinAge, e.policy.MaxAge)
	}
}

// compareIDs scores the claimed number against every number read from the document and
// keeps the best match, so a claimant quoting a secondary id on the card is not penalised.
func (e *Engine) compareIDs(r *Report, extracted *extraction.Fields, claimed string) float64 {
	claimed = NormalizeID(claimed)
	if claimed == "" {
		r.flag("claimant id number not supplied")
		return e.policy.IDMismatchRisk
	}
	candidates := make([]string, 0, len(extracted.AllIDs)+1)
	if extracted.IDNumber != nil {
		candidates = append(candidates, *extracted.IDNumber)
	}
	for _, m := range extracted.AllIDs {
		candidates = append(candidates, m.Number)
	}
	if len(candidates) == 0 {
		r.flag("id number not found on document")
		return e.policy.IDMismatchRisk
	}

	partial := false
	for _, c := range candidates {
		c = NormalizeID(c)
		if c == claimed {
			return 0
		}
		partial = partial || e.samePrefix(c, claimed)
	}
	if partial {
		r.flag("id number partially matches document")
		return e.policy.IDPartialRisk
	}
	r.flag("id number differs from document")
	return e.policy.IDMismatchRisk
}

func (e *Engine) samePrefix(a, b string) bool {
	n := e.policy.IDPrefixLength
	return len(a) >= n && len(b) >= n && a[:n] == b[:n]
}

// NormalizeName strips diacritics, upper-cases and collapses whitespace.
func NormalizeName(s string) string {
	folder := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(folder, s)
	if err != nil {
		folded = s
	}
	return strings.Join(strings.Fields(cases.Upper(language.Und).String(folded)), " ")
}

// NormalizeID removes spaces and hyphens and upper-cases.
func NormalizeID(s string) string {
	return strings.ToUpper(strings.Map(func(r rune) rune {
		if r == '-' || unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s))
}

// SimilarityRatio is 1 - edit distance / length of the longer string, counted in runes.
func SimilarityRatio(a, b string) float64 {
	longest := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

func clamp01(v float64) float64 {
	if v < 0 || v != v {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
