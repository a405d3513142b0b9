package peerwire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBitfieldSetHasMSBFirst(t *testing.T) {
	bf := NewPeerBitfield(10)
	bf.Set(0)
	bf.Set(7)
	bf.Set(9)

	assert.True(t, bf.Has(0))
	assert.True(t, bf.Has(7))
	assert.True(t, bf.Has(9))
	assert.False(t, bf.Has(1))
	assert.False(t, bf.Has(8))

	// bit 0 is the MSB of byte 0, bit 7 is the LSB of byte 0.
	assert.Equal(t, byte(0x81), bf[0])
}

func TestBitfieldCount(t *testing.T) {
	bf := NewPeerBitfield(16)
	bf.Set(1)
	bf.Set(2)
	bf.Set(15)
	assert.Equal(t, 3, bf.Count())
}

func TestBitfieldOutOfRangeIsNoop(t *testing.T) {
	bf := NewPeerBitfield(4)
	bf.Set(100)
	assert.False(t, bf.Has(100))
	assert.False(t, bf.Has(-1))
}
