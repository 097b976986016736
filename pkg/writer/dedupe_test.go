package writer

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupeSetAddAndSeen(t *testing.T) {
	d := newDedupeSet()

	assert.False(t, d.Seen("a"))
	assert.True(t, d.Add("a"))
	assert.True(t, d.Seen("a"))
	assert.False(t, d.Add("a"))
	assert.Equal(t, 1, d.Len())
}

// TestDedupeSetAging verifies the set is bounded at 100 ids and ages out
// the oldest half on overflow
func TestDedupeSetAging(t *testing.T) {
	d := newDedupeSet()

	for i := 0; i < 100; i++ {
		assert.True(t, d.Add(fmt.Sprintf("cmd-%03d", i)))
	}
	assert.Equal(t, 100, d.Len())
	assert.True(t, d.Seen("cmd-000"))

	// 101st insert triggers aging to the newest 50, then appends.
	assert.True(t, d.Add("cmd-100"))
	assert.Equal(t, 51, d.Len())

	// The oldest half is gone, the newest half and the trigger remain.
	assert.False(t, d.Seen("cmd-000"))
	assert.False(t, d.Seen("cmd-049"))
	assert.True(t, d.Seen("cmd-050"))
	assert.True(t, d.Seen("cmd-099"))
	assert.True(t, d.Seen("cmd-100"))

	// Aged-out ids can be re-added.
	assert.True(t, d.Add("cmd-000"))
}
