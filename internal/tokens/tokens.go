// Package tokens estimates how many model tokens a piece of text costs.
//
// The estimate does not need to be exact; it only has to be consistent
// so that the grouper can keep requests under the model's context budget.
package tokens

import "unicode/utf8"

// DefaultBytesPerToken is the divisor used for non-CJK text.
const DefaultBytesPerToken = 4

// Estimator returns the estimated token cost of text.
type Estimator func(text string) int

// NewEstimator returns an Estimator approximating BPE tokenizers:
// ceil(bytes/bytesPerToken) for ordinary text, with CJK ideographs counted
// at roughly one token per rune. bytesPerToken <= 0 selects the default.
func NewEstimator(bytesPerToken int) Estimator {
	bpt := bytesPerToken
	if bpt <= 0 {
		bpt = DefaultBytesPerToken
	}
	return func(text string) int {
		if text == "" {
			return 0
		}
		var cjk, other int
		for _, r := range text {
			if isCJK(r) {
				cjk++
				continue
			}
			other += utf8.RuneLen(r)
		}
		return cjk + (other+bpt-1)/bpt
	}
}

// Estimate uses the default estimator.
func Estimate(text string) int {
	return defaultEstimator(text)
}

var defaultEstimator = NewEstimator(DefaultBytesPerToken)

func isCJK(r rune) bool {
	switch {
	case r >= 0x4E00 && r <= 0x9FFF: // CJK Unified Ideographs
		return true
	case r >= 0x3040 && r <= 0x30FF: // Hiragana, Katakana
		return true
	case r >= 0xAC00 && r <= 0xD7AF: // Hangul syllables
		return true
	}
	return false
}
