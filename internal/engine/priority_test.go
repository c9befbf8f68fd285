package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPriorityForType(t *testing.T) {
	assert.Equal(t, 4, PriorityForType("call"))
	assert.Equal(t, 4, PriorityForType("deadline"))
	assert.Equal(t, 3, PriorityForType("meeting"))
	assert.Equal(t, 3, PriorityForType("email"))
	assert.Equal(t, 2, PriorityForType("task"))
	assert.Equal(t, 1, PriorityForType("lunch"))

	// Case-insensitive, unknown types get the medium default
	assert.Equal(t, 4, PriorityForType("Call"))
	assert.Equal(t, 2, PriorityForType("custom_type"))
	assert.Equal(t, 2, PriorityForType(""))
}
