// Package subtitle reads SRT files into segments and writes translated
// segments back out.
package subtitle

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/valpere/subtran/internal"
)

// ExtractionError reports a subtitle file that yielded no usable segments.
type ExtractionError struct {
	Path string
	Err  error
}

func (e *ExtractionError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("extract subtitles: %v", e.Err)
	}
	return fmt.Sprintf("extract subtitles from %s: %v", e.Path, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// ErrNoSegments is wrapped by ExtractionError when a file holds no cues.
var ErrNoSegments = errors.New("no subtitle segments found")

// tagRe matches <i>, </font>, {\an8} and friends.
var tagRe = regexp.MustCompile(`<[^>]*>|\{\\[^}]*\}`)

var spaceRe = regexp.MustCompile(`\s+`)

// blockSepRe also treats blank lines padded with spaces as separators.
var blockSepRe = regexp.MustCompile(`\n[ \t]*\n\s*`)

// Read parses SRT blocks. The index and timing lines of each block become
// the segment header; the text lines are joined with spaces and stripped of
// formatting tags. Blocks without text are skipped.
func Read(r io.Reader) ([]internal.Segment, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read srt: %w", err)
	}

	content := strings.TrimPrefix(string(data), "\ufeff")
	content = strings.ReplaceAll(content, "\r\n", "\n")

	var segments []internal.Segment
	for _, block := range splitBlocks(content) {
		lines := strings.Split(block, "\n")
		start := 0
		if start < len(lines) && isNumeric(lines[start]) {
			start++
		}
		if start >= len(lines) || !strings.Contains(lines[start], "-->") {
			continue
		}
		start++

		text := cleanText(strings.Join(lines[start:], " "))
		if text == "" {
			continue
		}
		segments = append(segments, internal.Segment{
			Header:  strings.Join(trimLines(lines[:start]), "\n"),
			Content: text,
		})
	}

	if len(segments) == 0 {
		return nil, &ExtractionError{Err: ErrNoSegments}
	}
	return segments, nil
}

// ReadFile is Read on a named file.
func ReadFile(path string) ([]internal.Segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ExtractionError{Path: path, Err: err}
	}
	defer f.Close()

	segments, err := Read(f)
	if err != nil {
		var extractErr *ExtractionError
		if errors.As(err, &extractErr) {
			extractErr.Path = path
			return nil, extractErr
		}
		return nil, &ExtractionError{Path: path, Err: err}
	}
	return segments, nil
}

// Write emits one block per segment: its header followed by its
// translation.
func Write(w io.Writer, segments []internal.Segment) error {
	bw := bufio.NewWriter(w)
	for i, seg := range segments {
		if i > 0 {
			bw.WriteString("\n")
		}
		bw.WriteString(seg.Header)
		bw.WriteString("\n")
		bw.WriteString(seg.Translation)
		bw.WriteString("\n")
	}
	return bw.Flush()
}

// WriteFile writes segments to path via a temporary file so that a partial
// file never appears under the final name.
func WriteFile(path string, segments []internal.Segment) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".subtran-*.srt")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := Write(tmp, segments); err != nil {
		tmp.Close()
		return fmt.Errorf("write srt: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// OutputPath derives "movie.<lang>.srt" from "movie.srt".
func OutputPath(input, lang string) string {
	ext := filepath.Ext(input)
	return strings.TrimSuffix(input, ext) + "." + lang + ".srt"
}

func cleanText(s string) string {
	s = tagRe.ReplaceAllString(s, "")
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

func splitBlocks(content string) []string {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil
	}
	return blockSepRe.Split(trimmed, -1)
}

func trimLines(lines []string) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = strings.TrimSpace(l)
	}
	return out
}

func isNumeric(value string) bool {
	value = strings.TrimSpace(value)
	if value == "" {
		return false
	}
	_, err := strconv.Atoi(value)
	return err == nil
}
