package audio

import (
	"encoding/binary"
	"math"
)

// Scorer assigns a voice-activity score to a chunk of 16-bit LE PCM.
// Higher means more likely speech. A model-backed scorer can be swapped
// in wherever a Scorer is accepted.
type Scorer func(pcm []byte) float64

// RMSEnergy is the default Scorer: root mean square amplitude of the
// samples. Silence sits near zero, normal speech in the low thousands.
func RMSEnergy(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(n))
}
