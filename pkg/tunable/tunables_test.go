package tunable

import (
	"sync"
	"testing"

	"github.com/edaniels/golog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddClamps(t *testing.T) {
	ts := New(golog.NewTestLogger(t))
	speed := ts.Create("speed", 0.9, 0.05, 0.1, 1)
	assert.InDelta(t, 0.95, speed.Add(1), 1e-9)
	assert.InDelta(t, 1, speed.Add(5), 1e-9)
	assert.InDelta(t, 0.1, speed.Add(-100), 1e-9)
	assert.InDelta(t, 0.1, speed.Get(), 1e-9)
}

func TestSelection(t *testing.T) {
	ts := New(golog.NewTestLogger(t))
	assert.Nil(t, ts.Current())
	assert.Nil(t, ts.SelectNext())

	a := ts.Create("a", 1, 1, 0, 10)
	b := ts.Create("b", 2, 1, 0, 10)
	c := ts.Create("c", 3, 1, 0, 10)
	require.Equal(t, a, ts.Current())
	assert.Equal(t, b, ts.SelectNext())
	assert.Equal(t, c, ts.SelectNext())
	assert.Equal(t, a, ts.SelectNext())
	assert.Equal(t, c, ts.SelectPrev())
	assert.Len(t, ts.All(), 3)
}

func TestConcurrentAdds(t *testing.T) {
	ts := New(golog.NewTestLogger(t))
	v := ts.Create("v", 0, 1, -1000, 1000)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				v.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 400.0, v.Get())
}
