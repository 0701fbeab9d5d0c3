package converter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSortedKeys(t *testing.T) {
	assert.Empty(t, SortedKeys(map[string]bool{}))
	assert.Empty(t, SortedKeys[string, bool](nil))
	assert.Equal(t, []string{"aws", "vault-dr", "webhook"}, SortedKeys(map[string]bool{"webhook": true, "aws": false, "vault-dr": true}))
	assert.Equal(t, []int{1, 2, 3}, SortedKeys(map[int]string{3: "c", 1: "a", 2: "b"}))
}
