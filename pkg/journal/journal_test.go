package journal

import (
	"fmt"
	"strings"
	"sync"
	"testing"
)

func TestAppendRecent(t *testing.T) {
	j := New(1 << 20)

	j.Append("first")
	j.Append("second")
	j.Append("third")

	if got := j.Len(); got != 3 {
		t.Fatalf("Len = %d, want 3", got)
	}

	all := j.Recent(0)
	if len(all) != 3 {
		t.Fatalf("Recent(0) returned %d entries, want 3", len(all))
	}
	for i, want := range []string{"first", "second", "third"} {
		if all[i].Text != want {
			t.Fatalf("Recent(0)[%d] = %q, want %q", i, all[i].Text, want)
		}
	}

	newest := j.Recent(2)
	if len(newest) != 2 || newest[0].Text != "second" || newest[1].Text != "third" {
		t.Fatalf("Recent(2) = %v, want second then third", newest)
	}
}

func TestEvictionByCapacity(t *testing.T) {
	// Small cap to force eviction.
	j := New(10)

	j.Append("aaaa") // 4
	j.Append("bbbb") // 8
	j.Append("cccc") // 12 → evicts "aaaa"

	if got := j.Len(); got != 2 {
		t.Fatalf("Len after eviction = %d, want 2", got)
	}
	if got := j.Bytes(); got != 8 {
		t.Fatalf("Bytes after eviction = %d, want 8", got)
	}
	all := j.Recent(0)
	if all[0].Text != "bbbb" || all[1].Text != "cccc" {
		t.Fatalf("Recent(0) = %v, want bbbb then cccc", all)
	}
}

func TestSeqSurvivesEviction(t *testing.T) {
	j := New(6)
	for i := 0; i < 5; i++ {
		j.Append(strings.Repeat("x", 3))
	}
	all := j.Recent(0)
	if len(all) != 2 {
		t.Fatalf("Len = %d, want 2", len(all))
	}
	if all[0].Seq != 4 || all[1].Seq != 5 {
		t.Fatalf("seqs = %d,%d want 4,5", all[0].Seq, all[1].Seq)
	}
}

func TestConcurrentAccess_NoRaces(t *testing.T) {
	j := New(1 << 16)

	var wg sync.WaitGroup
	const G = 16
	const N = 500

	for gid := 0; gid < G; gid++ {
		wg.Add(1)
		go func(gid int) {
			defer wg.Done()
			for i := 0; i < N; i++ {
				j.Append(fmt.Sprintf("line %d from writer %d", i, gid))
				if i%16 == 0 {
					j.Recent(8)
				}
			}
		}(gid)
	}
	wg.Wait()

	if j.Bytes() > 1<<16 {
		t.Fatalf("Bytes = %d, exceeds capacity", j.Bytes())
	}
	if j.Len() == 0 {
		t.Fatal("journal empty after concurrent appends")
	}
}
