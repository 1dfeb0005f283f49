// Package detector guesses the source language of a subtitle file from a
// sample of its cues.
package detector

import (
	"strings"

	lingua "github.com/pemistahl/lingua-go"

	"github.com/valpere/subtran/internal"
)

// sampleSize bounds how many cues are fed to the detector.
const sampleSize = 50

type Detector struct {
	detector lingua.LanguageDetector
}

// New builds a detector over every supported language. Building is slow;
// create one per process.
func New() *Detector {
	detector := lingua.NewLanguageDetectorBuilder().
		FromAllLanguages().
		Build()

	return &Detector{detector: detector}
}

func (d *Detector) Detect(text string) (lingua.Language, bool) {
	if strings.TrimSpace(text) == "" {
		return lingua.Unknown, false
	}
	return d.detector.DetectLanguageOf(text)
}

// DetectISO returns the lowercase ISO 639-1 code of the text's language.
func (d *Detector) DetectISO(text string) (string, bool) {
	lang, ok := d.Detect(text)
	if !ok {
		return "", false
	}
	return strings.ToLower(lang.IsoCode639_1().String()), true
}

// DetectSegments samples cues spread evenly over the file and detects their
// common language.
func (d *Detector) DetectSegments(segments []internal.Segment) (string, bool) {
	if len(segments) == 0 {
		return "", false
	}
	step := 1
	if len(segments) > sampleSize {
		step = len(segments) / sampleSize
	}

	var sb strings.Builder
	for i := 0; i < len(segments); i += step {
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(segments[i].Content)
	}
	return d.DetectISO(sb.String())
}
