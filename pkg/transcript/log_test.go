package transcript

import (
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLogSnapshotPreservesAppendOrder(t *testing.T) {
	l := New()
	in := []string{"hello there", "I see a lake", "", "and a boat"}
	for _, f := range in {
		l.Append(f)
	}
	require.Equal(t, in, l.Snapshot())
	require.Equal(t, 4, l.Len())
}

func TestLogSnapshotIsACopy(t *testing.T) {
	l := New()
	l.Append("one")
	snap := l.Snapshot()
	snap[0] = "mutated"
	l.Append("two")
	require.Equal(t, []string{"one", "two"}, l.Snapshot())
	require.Len(t, snap, 1)
}

func TestLogConcurrentAppend(t *testing.T) {
	l := New()
	const writers = 8
	const perWriter = 200

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				l.Append(fmt.Sprintf("w%d-%04d", w, i))
			}
		}(w)
	}
	wg.Wait()

	snap := l.Snapshot()
	require.Len(t, snap, writers*perWriter)

	// every writer's fragments appear exactly once and in that writer's order
	seen := map[string]bool{}
	last := map[int]int{}
	for _, f := range snap {
		require.False(t, seen[f], "duplicate fragment %s", f)
		seen[f] = true
		var w, i int
		_, err := fmt.Sscanf(f, "w%d-%04d", &w, &i)
		require.NoError(t, err)
		if prev, ok := last[w]; ok {
			require.Greater(t, i, prev)
		}
		last[w] = i
	}
	keys := make([]int, 0, len(last))
	for k := range last {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	require.Len(t, keys, writers)
}

func TestLogTail(t *testing.T) {
	l := New()
	require.Empty(t, l.Tail(3))
	l.Append("a")
	l.Append("b")
	l.Append("c")
	require.Equal(t, []string{"b", "c"}, l.Tail(2))
	require.Equal(t, []string{"a", "b", "c"}, l.Tail(10))
	require.Nil(t, l.Tail(0))
}
