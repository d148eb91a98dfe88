package transcript

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenNewAndResume(t *testing.T) {
	s := New[string]()
	id, msgs, err := s.Open("")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Empty(t, msgs)

	_, _, err = s.Open(id)
	require.ErrorIs(t, err, ErrUnknown)

	s.Save(id, []string{"user", "assistant"})
	got, msgs, err := s.Open(id)
	require.NoError(t, err)
	assert.Equal(t, id, got)
	assert.Equal(t, []string{"user", "assistant"}, msgs)

	msgs[0] = "mutated"
	_, again, err := s.Open(id)
	require.NoError(t, err)
	assert.Equal(t, "user", again[0])
	assert.Equal(t, 2, s.Len(id))
}
