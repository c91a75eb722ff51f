// Package combine holds the pluggable rules that decide when two
// diagnostic messages describe the same event and how to merge them.
package combine

import "logjam/pkg/message"

// Combiner is one merging rule. Combiners are registered with an
// aggregator in precedence order: for any candidate pair, the first
// registered combiner whose ShouldCombine accepts it performs the merge.
type Combiner interface {
	// ID distinguishes registered combiners. Registering a second
	// combiner under an ID already present is ignored.
	ID() string
	// ShouldCombine reports whether a and b describe the same event.
	// It must be symmetric and must not depend on rank provenance.
	ShouldCombine(a, b *message.Message) bool
	// Combine folds from into into. into keeps its own content and
	// absorbs from's provenance; from is not modified.
	Combine(into, from *message.Message, ranksLimit int)
}

// TextEquality merges messages whose Text matches exactly,
// case-sensitive. This is the rule an aggregator starts with.
type TextEquality struct{}

func (TextEquality) ID() string { return "TextEqualityCombiner" }

func (TextEquality) ShouldCombine(a, b *message.Message) bool {
	return a.Text == b.Text
}

func (TextEquality) Combine(into, from *message.Message, ranksLimit int) {
	into.AbsorbRanks(from, ranksLimit)
}

// FileLine merges messages reported from the same source location,
// whatever their text. Useful when a diagnostic interpolates per-rank
// values that defeat exact text matching. Messages without a location
// (empty file name) never match.
type FileLine struct{}

func (FileLine) ID() string { return "FileLineCombiner" }

func (FileLine) ShouldCombine(a, b *message.Message) bool {
	if a.FileName == "" || b.FileName == "" {
		return false
	}
	return a.FileName == b.FileName && a.LineNumber == b.LineNumber
}

func (FileLine) Combine(into, from *message.Message, ranksLimit int) {
	into.AbsorbRanks(from, ranksLimit)
}
