package live

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/banshee-data/flowcount/internal/counter"
)

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	_, ok := r.Get("cam01")
	assert.False(t, ok)
	assert.Empty(t, r.Streams())

	r.Publish(counter.LiveStats{StreamID: "cam02", TotalEntered: 1})
	r.Publish(counter.LiveStats{StreamID: "cam01", TotalEntered: 2})
	r.Publish(counter.LiveStats{StreamID: "cam01", TotalEntered: 3})

	s, ok := r.Get("cam01")
	assert.True(t, ok)
	assert.Equal(t, 3, s.TotalEntered)
	assert.Equal(t, []string{"cam01", "cam02"}, r.Streams())
}

func TestRegistry_Concurrent(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("cam%02d", i)
			for n := 0; n < 100; n++ {
				r.Publish(counter.LiveStats{StreamID: id, Frame: int64(n)})
				r.Get(id)
				r.Streams()
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, r.Streams(), 8)
	s, _ := r.Get("cam03")
	assert.Equal(t, int64(99), s.Frame)
}
