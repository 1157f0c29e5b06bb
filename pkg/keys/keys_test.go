package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"My-Col", "mycol"},
		{"my_col", "mycol"},
		{"MYCOL", "mycol"},
		{"batch size", "batchsize"},
		{"stripComponents", "stripcomponents"},
		{"Éclair", "éclair"},
		{"col.1", "col1"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
	assert.True(t, Equal("feedback_frequency", "FeedbackFrequency"))
	assert.False(t, Equal("batch", "batches"))
}

func TestMap(t *testing.T) {
	m := NewMap[int]()
	m.Set("Batch_Size", 1)
	m.Set("feedbackFrequency", 2)
	m.Set("batchsize", 3)

	v, ok := m.Get("BATCH-SIZE")
	assert.True(t, ok)
	assert.Equal(t, 3, v)
	assert.Equal(t, []string{"Batch_Size", "feedbackFrequency"}, m.Keys())

	m.Delete("batch size")
	assert.False(t, m.Has("batchSize"))
	assert.Equal(t, 1, m.Len())
	v, ok = m.Get("feedback_frequency")
	assert.True(t, ok)
	assert.Equal(t, 2, v)

	_, ok = m.Get("missing")
	assert.False(t, ok)
}
