// Package message defines the diagnostic record that flows through the
// aggregation tree and the compact binary codec used to batch records
// between ranks.
package message

import (
	"strconv"
	"strings"
)

// Message is one diagnostic record together with the provenance of every
// rank that reported it. Ranks holds a unique sample of reporting ranks,
// capped by the ranks limit in force when messages are merged; RankCount
// is the true total and may exceed len(Ranks).
type Message struct {
	Text       string
	FileName   string
	LineNumber int // -1 when no source location is known
	Level      Level
	Tag        string
	Ranks      []int
	RankCount  int
}

// New builds a message freshly reported by originRank.
func New(text, fileName string, lineNumber int, level Level, tag string, originRank int) *Message {
	return &Message{
		Text:       text,
		FileName:   fileName,
		LineNumber: lineNumber,
		Level:      level,
		Tag:        tag,
		Ranks:      []int{originRank},
		RankCount:  1,
	}
}

// AbsorbRanks merges other's provenance into m. Ranks not already present
// are appended until the rank list reaches ranksLimit; RankCount absorbs
// other's full count regardless of how many ranks fit. Only m is mutated.
func (m *Message) AbsorbRanks(other *Message, ranksLimit int) {
	if other == nil {
		return
	}
	for _, r := range other.Ranks {
		if len(m.Ranks) >= ranksLimit {
			break
		}
		if !m.HasRank(r) {
			m.Ranks = append(m.Ranks, r)
		}
	}
	m.RankCount += other.RankCount
}

// HasRank reports whether rank is already recorded in the rank list.
func (m *Message) HasRank(rank int) bool {
	for _, r := range m.Ranks {
		if r == rank {
			return true
		}
	}
	return false
}

// RankString returns the rank list as a comma-joined string for display,
// e.g. "0,3,7".
func (m *Message) RankString() string {
	if len(m.Ranks) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, r := range m.Ranks {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(r))
	}
	return sb.String()
}
