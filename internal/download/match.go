package download

import "strings"

// matchThreshold is the minimum character-overlap ratio for two patient
// names to be considered the same patient.
const matchThreshold = 0.8

// normalizeName canonicalizes a patient name for comparison: uppercase,
// DICOM caret and punctuation separators folded to single spaces.
func normalizeName(name string) string {
	name = strings.ToUpper(name)
	replacer := strings.NewReplacer("^", " ", ",", " ", ".", " ", "_", " ", "-", " ")
	name = replacer.Replace(name)
	return strings.Join(strings.Fields(name), " ")
}

// matchNames reports whether a locally recorded patient name and the name
// the provider resolved plausibly identify the same patient. Names match on
// equality, containment in either direction, or a character-overlap ratio of
// at least the threshold. An empty name on either side matches: there is
// nothing to contradict.
func matchNames(local, resolved string) bool {
	a := normalizeName(local)
	b := normalizeName(resolved)
	if a == "" || b == "" {
		return true
	}
	if a == b {
		return true
	}
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return true
	}
	return charOverlap(a, b) >= matchThreshold
}

// charOverlap is the multiset character overlap of two strings: the number
// of shared characters over the shorter string's length, so an abbreviated
// name still scores high against its full form. Order-insensitive, so
// transposed name components do too.
func charOverlap(a, b string) float64 {
	counts := make(map[rune]int)
	for _, r := range a {
		counts[r]++
	}
	shared := 0
	for _, r := range b {
		if counts[r] > 0 {
			counts[r]--
			shared++
		}
	}
	shorter := len([]rune(a))
	if lb := len([]rune(b)); lb < shorter {
		shorter = lb
	}
	return float64(shared) / float64(shorter)
}
