package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortRegistry(t *testing.T) {
	t.Run("never hands out a reserved port twice", func(t *testing.T) {
		next := []int{20001, 20001, 20002}
		r := &portRegistry{reserved: map[int]struct{}{}, listen: func() (int, error) {
			port := next[0]
			next = next[1:]
			return port, nil
		}}

		first, err := r.reservePort()
		require.NoError(t, err)
		second, err := r.reservePort()
		require.NoError(t, err)

		assert.Equal(t, 20001, first)
		assert.Equal(t, 20002, second)
	})

	t.Run("released ports can be reused", func(t *testing.T) {
		r := &portRegistry{reserved: map[int]struct{}{}, listen: func() (int, error) { return 20005, nil }}

		port, err := r.reservePort()
		require.NoError(t, err)
		_, err = r.reservePort()
		require.Error(t, err)

		r.releasePort(port)
		again, err := r.reservePort()
		require.NoError(t, err)
		assert.Equal(t, port, again)
	})

	t.Run("asks the kernel for a port", func(t *testing.T) {
		port, err := freeTCPPort()

		require.NoError(t, err)
		assert.Positive(t, port)
	})
}
