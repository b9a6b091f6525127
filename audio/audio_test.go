package audio

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequencerStrictlyIncreasing(t *testing.T) {
	var seq Sequencer
	assert.Equal(t, uint64(0), seq.Next())
	assert.Equal(t, uint64(1), seq.Next())
	assert.Equal(t, uint64(2), seq.Next())
}

func TestFrameDuration(t *testing.T) {
	var seq Sequencer
	// 320 samples at 16kHz mono is 20ms
	f := NewFrame(&seq, Inbound, 16000, 1, make([]byte, 640))
	assert.InDelta(t, 0.020, f.Duration(), 1e-9)

	empty := Frame{}
	assert.Zero(t, empty.Duration())
}

func TestRMSEnergy(t *testing.T) {
	silence := make([]byte, 640)
	assert.Zero(t, RMSEnergy(silence))
	assert.Zero(t, RMSEnergy(nil))

	loud := make([]byte, 640)
	for i := 0; i < len(loud); i += 2 {
		binary.LittleEndian.PutUint16(loud[i:], uint16(int16(8000)))
	}
	assert.InDelta(t, 8000, RMSEnergy(loud), 1)
}

func TestMuLawRoundTrip(t *testing.T) {
	// Mu-law is lossy; a round trip must land close to the original.
	for _, sample := range []int16{0, 100, -100, 8000, -8000, 30000, -30000} {
		decoded := MuLawToPCM(PCMToMuLaw(sample))
		assert.InDelta(t, float64(sample), float64(decoded), float64(abs16(sample))/8+64,
			"sample %d decoded to %d", sample, decoded)
	}
}

func TestMuLawToPCMUpsample(t *testing.T) {
	// One mu-law byte becomes two 16-bit samples
	out := MuLawToPCMUpsample([]byte{0xFF, 0x80})
	require.Len(t, out, 8)

	first := int16(binary.LittleEndian.Uint16(out[0:2]))
	second := int16(binary.LittleEndian.Uint16(out[2:4]))
	assert.Equal(t, first, second, "upsampling duplicates each sample")
}

func TestPCMDownsampleToMuLaw(t *testing.T) {
	// Nine 24kHz samples keep every third: three mu-law bytes
	in := make([]byte, 18)
	out := PCMDownsampleToMuLaw(in)
	assert.Len(t, out, 3)
}

func abs16(v int16) int16 {
	if v < 0 {
		return -v
	}
	return v
}
