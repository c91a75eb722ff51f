// Package journal keeps a bounded window of recently written output
// lines in memory. The output rank feeds it as lines are written so
// operators can read recent combined output over HTTP instead of
// chasing the job's stdout.
package journal

import (
	"container/list"
	"sync"
	"time"
)

// Entry is one line of combined output.
type Entry struct {
	Seq  uint64    `json:"seq"`
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}

// Journal holds the newest lines up to a total text-byte capacity,
// dropping the oldest as new ones arrive.
type Journal struct {
	mu   sync.RWMutex
	ll   *list.List // newest at front
	used int
	cap  int
	seq  uint64
}

func New(capacityBytes int) *Journal {
	return &Journal{
		ll:  list.New(),
		cap: capacityBytes,
	}
}

// Append records one rendered line, evicting from the old end until
// the journal fits its capacity again.
func (j *Journal) Append(text string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.seq++
	j.ll.PushFront(&Entry{Seq: j.seq, Time: time.Now(), Text: text})
	j.used += len(text)
	for j.used > j.cap && j.ll.Back() != nil {
		e := j.ll.Back().Value.(*Entry)
		j.used -= len(e.Text)
		j.ll.Remove(j.ll.Back())
	}
}

// Recent returns up to n of the newest lines, oldest first.
// Non-positive n returns everything held.
func (j *Journal) Recent(n int) []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if n <= 0 || n > j.ll.Len() {
		n = j.ll.Len()
	}
	out := make([]Entry, n)
	el := j.ll.Front()
	for i := n - 1; i >= 0; i-- {
		out[i] = *el.Value.(*Entry)
		el = el.Next()
	}
	return out
}

func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.ll.Len()
}

// Bytes is the total text size currently held.
func (j *Journal) Bytes() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.used
}
