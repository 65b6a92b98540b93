package scoring

import (
	"math"
	"strconv"
	"strings"

	"github.com/texttheater/golang-levenshtein/levenshtein"
)

// genericTerms are banking boilerplate tokens that carry no merchant
// signal and are skipped during merchant token extraction.
var genericTerms = map[string]bool{
	"payment": true, "transfer": true, "from": true, "to": true,
	"the": true, "for": true, "and": true, "ref": true, "trx": true,
	"txn": true, "bank": true, "card": true, "pos": true, "via": true,
	"fee": true, "debit": true, "credit": true, "online": true,
	"purchase": true, "withdrawal": true, "deposit": true, "inc": true,
	"ltd": true, "pte": true, "llc": true,
}

// Normalize lowercases a description, strips everything that is not a
// letter or digit, and collapses runs of whitespace.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Tokens splits a normalized description into tokens.
func Tokens(s string) []string {
	norm := Normalize(s)
	if norm == "" {
		return nil
	}
	return strings.Fields(norm)
}

// MerchantTokens extracts up to max meaningful merchant tokens from a
// description, skipping generic banking terms and numeric-only tokens.
func MerchantTokens(description string, max int) []string {
	var out []string
	for _, tok := range Tokens(description) {
		if len(tok) < 3 || genericTerms[tok] {
			continue
		}
		if _, err := strconv.Atoi(tok); err == nil {
			continue
		}
		out = append(out, tok)
		if len(out) == max {
			break
		}
	}
	return out
}

// SequenceRatio is the edit-distance similarity of two normalized
// strings in [0,1].
func SequenceRatio(a, b string) float64 {
	return levenshtein.RatioForStrings([]rune(a), []rune(b), levenshtein.DefaultOptions)
}

// jaccard computes token-set overlap of two token slices in [0,1].
func jaccard(a, b []string) float64 {
	setA := make(map[string]bool, len(a))
	for _, t := range a {
		setA[t] = true
	}
	setB := make(map[string]bool, len(b))
	for _, t := range b {
		setB[t] = true
	}

	inter := 0
	for t := range setA {
		if setB[t] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Description scores textual similarity between a transaction
// description and an entry memo: 60% edit-distance ratio, 40% token
// overlap. Empty strings after normalization score 0.
func Description(a, b string) int {
	na, nb := Normalize(a), Normalize(b)
	if na == "" || nb == "" {
		return 0
	}

	seq := SequenceRatio(na, nb)
	jac := jaccard(strings.Fields(na), strings.Fields(nb))

	return int(math.Round(100 * (0.6*seq + 0.4*jac)))
}
