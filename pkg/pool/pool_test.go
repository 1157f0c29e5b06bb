package pool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	values []int
}

func TestPool_GetPutResets(t *testing.T) {
	p := New(
		func() *item { return &item{} },
		func(i *item) { i.values = i.values[:0] },
	)

	obj := p.Get()
	obj.values = append(obj.values, 1, 2, 3)
	assert.Equal(t, int64(1), p.Stats().InUse)

	p.Put(obj)
	assert.Empty(t, obj.values)

	stats := p.Stats()
	assert.Equal(t, int64(0), stats.InUse)
	assert.Equal(t, int64(1), stats.Gets)
	assert.GreaterOrEqual(t, stats.Allocated, int64(1))
}

func TestPool_Concurrent(t *testing.T) {
	p := New(func() *item { return &item{} }, nil)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				obj := p.Get()
				obj.values = append(obj.values[:0], i)
				p.Put(obj)
			}
		}()
	}
	wg.Wait()

	stats := p.Stats()
	assert.Equal(t, int64(800), stats.Gets)
	assert.Equal(t, int64(0), stats.InUse)
}

func TestBuffers(t *testing.T) {
	buf := GetBuffer()
	require.Zero(t, buf.Len())
	buf.WriteString("hello")
	PutBuffer(buf)

	again := GetBuffer()
	defer PutBuffer(again)
	assert.Zero(t, again.Len())
}

func TestSlicePool(t *testing.T) {
	p := NewSlicePool[any](4)

	s := p.Get()
	assert.Equal(t, 0, len(*s))
	assert.Equal(t, 4, cap(*s))

	*s = append(*s, "a", "b")
	backing := (*s)[:2]
	p.Put(s)

	assert.Empty(t, *s)
	assert.Nil(t, backing[0], "released elements are cleared")
}
