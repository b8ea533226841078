package regfile

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPointerWriteRead(t *testing.T) {
	d := New(0x48)

	require.NoError(t, d.Tx(0x48, []byte{0x10, 0xAA, 0xBB}, nil))
	require.Equal(t, byte(0xAA), d.Peek(0x10))
	require.Equal(t, byte(0xBB), d.Peek(0x11))

	buf := make([]byte, 2)
	require.NoError(t, d.Tx(0x48, []byte{0x10}, buf))
	require.Equal(t, []byte{0xAA, 0xBB}, buf)
}

func TestPointerAutoIncrementAcrossReads(t *testing.T) {
	d := New(0x48)
	d.Poke(0x00, 1, 2, 3, 4)

	a := make([]byte, 2)
	b := make([]byte, 2)
	require.NoError(t, d.Tx(0x48, []byte{0x00}, a))
	require.NoError(t, d.Tx(0x48, nil, b)) // continues from the pointer
	require.Equal(t, []byte{1, 2}, a)
	require.Equal(t, []byte{3, 4}, b)
}

func TestAddressNak(t *testing.T) {
	d := New(0x48)
	require.ErrorIs(t, d.Tx(0x50, []byte{0x00}, nil), ErrNoAck)
}

func TestFailNextIsOneShot(t *testing.T) {
	d := New(0x48)
	boom := errors.New("boom")
	d.FailNext(boom)
	require.ErrorIs(t, d.Tx(0x48, []byte{0x00}, nil), boom)
	require.NoError(t, d.Tx(0x48, []byte{0x00}, nil))
}
