package dtxid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestZeroIsSentinel(t *testing.T) {
	require.True(t, Zero.IsZero())
	require.True(t, ID{}.IsZero())
}

func TestNewIsNotZero(t *testing.T) {
	id := New(42)
	require.False(t, id.IsZero())
	require.EqualValues(t, 42, id.HLC)
}

func TestEqual(t *testing.T) {
	a := New(1)
	b := a
	require.True(t, a.Equal(b))
	require.False(t, a.Equal(New(1)))
}

func TestLessIsAPartialOrderOnHLC(t *testing.T) {
	a := New(1)
	b := New(2)
	require.True(t, Less(a, b))
	require.False(t, Less(b, a))
}
