// Package sink is the logging front end over an aggregator: callers
// append leveled messages on any rank, and after a flush the output
// node renders the combined collection to a writer.
package sink

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"logjam/pkg/aggregate"
	"logjam/pkg/journal"
	"logjam/pkg/message"
)

// DefaultFormat renders one line per combined message. Format strings
// may use the tokens <TIMESTAMP>, <LEVEL>, <MESSAGE>, <TAG>, <RANK>,
// <RANK_COUNT>, <FILE> and <LINE>; everything else passes through.
const DefaultFormat = "[<LEVEL>] <MESSAGE>  (ranks: <RANK>, count: <RANK_COUNT>)\n"

var levelColors = map[message.Level]*color.Color{
	message.Debug:   color.New(color.FgCyan),
	message.Info:    color.New(color.FgGreen),
	message.Warning: color.New(color.FgYellow),
	message.Error:   color.New(color.FgRed, color.Bold),
}

// Stream queues leveled messages into an aggregator and writes the
// merged collection out on the output node.
type Stream struct {
	mu       sync.Mutex
	agg      *aggregate.Aggregator
	out      io.Writer
	format   string
	minLevel message.Level
	color    bool
	journal  *journal.Journal
}

// New builds a stream over agg that renders to out with DefaultFormat,
// no level filter and no color.
func New(agg *aggregate.Aggregator, out io.Writer) *Stream {
	return &Stream{agg: agg, out: out, format: DefaultFormat}
}

// SetFormat replaces the render template.
func (s *Stream) SetFormat(format string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.format = format
}

// SetMinLevel drops appended messages below level at the source, before
// they are queued.
func (s *Stream) SetMinLevel(level message.Level) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.minLevel = level
}

// SetColor toggles severity-colored level names in rendered output.
func (s *Stream) SetColor(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.color = on
}

// SetJournal also records written lines, uncolored, in j.
func (s *Stream) SetJournal(j *journal.Journal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal = j
}

// Append reports a message on this rank.
func (s *Stream) Append(level message.Level, text, fileName string, lineNumber int, tag string) {
	s.mu.Lock()
	min := s.minLevel
	s.mu.Unlock()
	if level < min {
		return
	}
	s.agg.QueueMessage(text, fileName, lineNumber, level, tag)
}

func (s *Stream) Debug(text string) { s.Append(message.Debug, text, "", -1, "") }

func (s *Stream) Info(text string) { s.Append(message.Info, text, "", -1, "") }

func (s *Stream) Warning(text string) { s.Append(message.Warning, text, "", -1, "") }

func (s *Stream) Error(text string) { s.Append(message.Error, text, "", -1, "") }

// Push runs one collective round without writing anything.
func (s *Stream) Push(ctx context.Context) error {
	return s.agg.PushOnce(ctx)
}

// Flush drains the whole group to the output node and writes the
// collection there. Collective: every rank must call Flush together.
func (s *Stream) Flush(ctx context.Context) error {
	if err := s.agg.PushFully(ctx); err != nil {
		return err
	}
	return s.Write()
}

// Write renders and clears the buffered collection on the output node;
// on every other rank it does nothing.
func (s *Stream) Write() error {
	if !s.agg.IsOutputNode() {
		return nil
	}
	s.mu.Lock()
	colored, jnl := s.color, s.journal
	s.mu.Unlock()
	for _, m := range s.agg.Messages() {
		if _, err := io.WriteString(s.out, s.render(m, colored)); err != nil {
			return fmt.Errorf("write message: %w", err)
		}
		if jnl != nil {
			jnl.Append(strings.TrimSuffix(s.render(m, false), "\n"))
		}
	}
	s.agg.ClearMessages()
	return nil
}

func (s *Stream) render(m *message.Message, colored bool) string {
	s.mu.Lock()
	format := s.format
	s.mu.Unlock()

	level := m.Level.String()
	if colored {
		if c, ok := levelColors[m.Level]; ok {
			level = c.Sprint(level)
		}
	}
	line := ""
	if m.LineNumber >= 0 {
		line = strconv.Itoa(m.LineNumber)
	}
	r := strings.NewReplacer(
		"<TIMESTAMP>", time.Now().Format(time.DateTime),
		"<LEVEL>", level,
		"<MESSAGE>", m.Text,
		"<TAG>", m.Tag,
		"<RANK>", m.RankString(),
		"<RANK_COUNT>", strconv.Itoa(m.RankCount),
		"<FILE>", m.FileName,
		"<LINE>", line,
	)
	return r.Replace(format)
}
