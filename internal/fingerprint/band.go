package fingerprint

// BandCount is the number of 16-bit slices a simhash is split into.
const BandCount = 4

// Bands holds the four consecutive 16-bit slices of a simhash, most
// significant slice first.
type Bands [BandCount]uint16

// Band splits a simhash into its four bands.
func Band(simhash uint64) Bands {
	var b Bands
	for i := 0; i < BandCount; i++ {
		shift := uint(16 * (BandCount - 1 - i))
		b[i] = uint16(simhash >> shift)
	}
	return b
}

// Simhash reassembles the fingerprint the bands were cut from.
func (b Bands) Simhash() uint64 {
	var v uint64
	for i := 0; i < BandCount; i++ {
		v = v<<16 | uint64(b[i])
	}
	return v
}

// Int32s returns the bands widened for integer column storage.
func (b Bands) Int32s() [BandCount]int32 {
	var out [BandCount]int32
	for i, v := range b {
		out[i] = int32(v)
	}
	return out
}
