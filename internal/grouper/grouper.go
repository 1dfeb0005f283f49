// Package grouper packs an ordered sequence of subtitle segments into
// token-bounded groups, each small enough to be translated in one model call.
//
// Segments are never reordered, dropped, or split: a segment whose estimate
// alone exceeds the budget becomes a group of its own.
package grouper

import (
	"github.com/valpere/subtran/internal"
	"github.com/valpere/subtran/internal/tokens"
)

// DefaultDelimiterOverhead approximates the tokens added per segment by the
// "N. " ordinal prefix and the joining newline.
const DefaultDelimiterOverhead = 2

// Group is a non-empty, order-preserving run of segments sent as one request.
type Group struct {
	// Index is the zero-based position of the group within its file.
	Index    int
	Segments []*internal.Segment
	// Tokens is the accumulated cost estimate including delimiter overhead.
	Tokens int
}

// Len returns the number of segments in the group.
func (g Group) Len() int {
	return len(g.Segments)
}

// Contents returns the source text of every segment in order.
func (g Group) Contents() []string {
	out := make([]string, len(g.Segments))
	for i, s := range g.Segments {
		out[i] = s.Content
	}
	return out
}

// Options tune how costs are estimated.
type Options struct {
	Estimator         tokens.Estimator
	DelimiterOverhead int
}

// Split partitions segments into groups whose estimated cost stays at or
// below budget. The segments slice is referenced, not copied, so translations
// assigned through a group land in the caller's slice.
func Split(segments []internal.Segment, budget int, opts Options) []Group {
	est := opts.Estimator
	if est == nil {
		est = tokens.Estimate
	}
	overhead := opts.DelimiterOverhead
	if overhead < 0 {
		overhead = 0
	}

	var groups []Group
	var current []*internal.Segment
	// running counts every placed segment plus the delimiter that would
	// separate it from the next one.
	running := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		groups = append(groups, Group{
			Index:    len(groups),
			Segments: current,
			Tokens:   running - overhead,
		})
		current = nil
		running = 0
	}

	for i := range segments {
		seg := &segments[i]
		cost := est(seg.Content)

		if running+cost > budget {
			flush()
		}
		current = append(current, seg)
		running += cost + overhead
	}
	flush()

	return groups
}
