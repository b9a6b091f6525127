package audio

import "encoding/binary"

var muLawToPcmTable [256]int16

func init() {
	for i := 0; i < 256; i++ {
		muLawToPcmTable[i] = decodeMuLawByte(byte(i))
	}
}

// The Core Algorithm
// This logic is based on the Sun Microsystems G.711 reference implementation.
// ========================================================================
func decodeMuLawByte(uVal byte) int16 {
	// 1. Toggle bits (Mu-law definition requires inverting bits before processing)
	uVal = ^uVal

	// 2. Extract components
	// Sign bit (Mask 0x80)
	// Exponent (Mask 0x70)
	// Mantissa (Mask 0x0F)
	sign := uVal & 0x80
	exponent := (uVal >> 4) & 0x07
	mantissa := uVal & 0x0F

	// 3. Calculate sample location
	// The geometric bias for mu-law is 33 (0x21).
	// We shift the mantissa to align it, add the bias (132 or 0x84 due to alignment),
	// and then shift by the exponent.
	sample := int16((int32(mantissa)<<3 + 0x84) << exponent)

	// 4. Subtract the bias back out
	sample -= 0x84

	// 5. Apply the sign
	if sign != 0 {
		return -sample
	}
	return sample
}

// MuLawToPCM decodes a single mu-law byte to a 16-bit PCM sample.
func MuLawToPCM(b byte) int16 {
	return muLawToPcmTable[b]
}

// PCMToMuLaw encodes a 16-bit PCM sample as a mu-law byte.
func PCMToMuLaw(pcm int16) byte {
	const (
		bias = 0x84 // 132
		clip = 32635
	)

	// 1. Get the sign bit
	sign := (pcm >> 8) & 0x80

	// 2. Magnitude (absolute value)
	if pcm < 0 {
		pcm = -pcm
	}

	// 3. Clip the magnitude
	if pcm > clip {
		pcm = clip
	}

	// 4. Add bias
	pcm += bias

	// 5. Calculate the exponent and mantissa
	exponent := 7
	// Move the exponent down until we find the highest bit
	for mask := 0x4000; (pcm&int16(mask)) == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}

	mantissa := (pcm >> (exponent + 3)) & 0x0F

	// 6. Assemble the byte
	ulawByte := byte(sign | (int16(exponent) << 4) | mantissa)

	// 7. Invert bits (compressed format requirement)
	return ^ulawByte
}

// MuLawToPCMUpsample converts mu-law 8kHz audio to PCM 16kHz (16-bit LE)
// for the live model.
func MuLawToPCMUpsample(muLawData []byte) []byte {
	// Each mu-law byte -> 1 PCM sample (8kHz)
	// Upsample 8kHz -> 16kHz by duplicating each sample
	// Output: 2 bytes per sample * 2 samples per input byte = 4 bytes per mu-law byte
	pcmData := make([]byte, len(muLawData)*4)
	for i, b := range muLawData {
		pcmVal := muLawToPcmTable[b]
		sample := make([]byte, 2)
		binary.LittleEndian.PutUint16(sample, uint16(pcmVal))
		// Write sample twice (duplicate for 8kHz -> 16kHz upsampling)
		copy(pcmData[i*4:i*4+2], sample)
		copy(pcmData[i*4+2:i*4+4], sample)
	}
	return pcmData
}

// PCMDownsampleToMuLaw converts PCM 24kHz (16-bit LE) from the live model
// to mu-law 8kHz for the telephony leg (take every 3rd sample).
func PCMDownsampleToMuLaw(pcmData []byte) []byte {
	sampleCount := len(pcmData) / 2
	muLawData := make([]byte, 0, sampleCount/3+1)
	for i := 0; i < sampleCount; i += 3 {
		offset := i * 2
		if offset+1 >= len(pcmData) {
			break
		}
		sample := int16(binary.LittleEndian.Uint16(pcmData[offset : offset+2]))
		muLawData = append(muLawData, PCMToMuLaw(sample))
	}
	return muLawData
}
