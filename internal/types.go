package internal

// Segment is one subtitle cue. Its identity is its position in the file;
// segments are never reordered.
type Segment struct {
	Header      string `json:"header"`
	Content     string `json:"content"`
	Translation string `json:"translation,omitempty"`
	Translated  bool   `json:"translated"`
}

// SetTranslation records the verified translation for the segment.
func (s *Segment) SetTranslation(text string) {
	s.Translation = text
	s.Translated = true
}

// AllTranslated reports whether every segment received a translation.
func AllTranslated(segments []Segment) bool {
	for i := range segments {
		if !segments[i].Translated {
			return false
		}
	}
	return true
}

// CountTranslated returns how many segments received a translation.
func CountTranslated(segments []Segment) int {
	n := 0
	for i := range segments {
		if segments[i].Translated {
			n++
		}
	}
	return n
}
