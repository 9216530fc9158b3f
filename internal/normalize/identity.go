package normalize

import (
	"cmp"
	"slices"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/catalog-ingest/internal/model"
)

// Confidence per match method.
const (
	ConfidenceIdentifierExact = 100
	ConfidenceBrandSlug       = 90
	ConfidenceNewCanonical    = 80
	ConfidenceBrandName       = 70
	ConfidenceProductRetailer = 100
	ConfidenceManual          = 100
)

// ExtractIdentifiers pulls the identity-bearing fields out of a payload.
func ExtractIdentifiers(payload map[string]any) model.Identifiers {
	ids := model.Identifiers{
		Slug:  strings.ToLower(scalarString(payload["slug"])),
		Brand: scalarString(payload["brand"]),
		Name:  scalarString(payload["name"]),
	}
	for _, k := range model.IdentifierKeys {
		if v := normalizeIdentifier(scalarString(payload[k])); v != "" {
			if ids.Values == nil {
				ids.Values = make(map[string]string)
			}
			ids.Values[k] = v
		}
	}
	return ids
}

// normalizeIdentifier uppercases and strips separators so "ab-12 3" and
// "AB123" compare equal.
func normalizeIdentifier(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// FoldName lowercases, removes accents and collapses punctuation and spacing.
func FoldName(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	fields := strings.FieldsFunc(strings.ToLower(folded), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(fields, " ")
}

// MatchInput is what identity resolution sees for one ingestion entity.
type MatchInput struct {
	Existing    *model.CanonicalMapping
	Candidates  []model.Candidate
	Identifiers model.Identifiers
}

// MatchResult is the resolved identity. CanonicalID is empty when a new
// canonical row must be created.
type MatchResult struct {
	CanonicalID string
	Method      string
	Confidence  int
}

// Matcher resolves an ingestion entity to a canonical row.
type Matcher interface {
	Match(in MatchInput) MatchResult
}

// DefaultMatcher reuses existing mappings, then ranks candidates by match
// strength. Ties break on oldest created_at, then lowest id, so reruns over
// the same data always pick the same row.
type DefaultMatcher struct{}

// Match implements Matcher.
func (DefaultMatcher) Match(in MatchInput) MatchResult {
	if in.Existing != nil {
		return MatchResult{
			CanonicalID: in.Existing.CanonicalID,
			Method:      model.MatchExistingMapping,
			Confidence:  in.Existing.Confidence,
		}
	}

	type scored struct {
		c      model.Candidate
		method string
		score  int
	}
	var hits []scored
	for _, c := range in.Candidates {
		if method, score := compare(in.Identifiers, c.Identifiers); score > 0 {
			hits = append(hits, scored{c: c, method: method, score: score})
		}
	}
	if len(hits) == 0 {
		return MatchResult{Method: model.MatchNewCanonical, Confidence: ConfidenceNewCanonical}
	}

	slices.SortFunc(hits, func(a, b scored) int {
		return cmp.Or(
			cmp.Compare(b.score, a.score),
			a.c.CreatedAt.Compare(b.c.CreatedAt),
			cmp.Compare(a.c.ID, b.c.ID),
		)
	})
	best := hits[0]
	return MatchResult{CanonicalID: best.c.ID, Method: best.method, Confidence: best.score}
}

// compare returns the strongest rule linking incoming to an existing row.
func compare(incoming, existing model.Identifiers) (string, int) {
	for _, k := range model.IdentifierKeys {
		a := incoming.Values[k]
		if a != "" && a == normalizeIdentifier(existing.Values[k]) {
			return model.MatchIdentifierExact, ConfidenceIdentifierExact
		}
	}
	brand := FoldName(incoming.Brand)
	if brand == "" || brand != FoldName(existing.Brand) {
		return "", 0
	}
	if incoming.Slug != "" && strings.EqualFold(incoming.Slug, existing.Slug) {
		return model.MatchBrandSlug, ConfidenceBrandSlug
	}
	if name := FoldName(incoming.Name); name != "" && name == FoldName(existing.Name) {
		return model.MatchBrandName, ConfidenceBrandName
	}
	return "", 0
}
