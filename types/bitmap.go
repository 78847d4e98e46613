package types

// NewBitmap returns zeroed bitmap large enough to hold n bits.
func NewBitmap(n int) []byte {
	return make([]byte, (n+7)/8)
}

// SetBit sets bit idx (MSB first) in the bitmap.
func SetBit(bitmap []byte, idx int) {
	bitmap[idx/8] |= 1 << (7 - idx%8)
}

// IsBitSet returns false also when idx is out of range of the bitmap.
func IsBitSet(bitmap []byte, idx int) bool {
	if idx < 0 || idx/8 >= len(bitmap) {
		return false
	}
	return bitmap[idx/8]&(1<<(7-idx%8)) != 0
}

// BitCount returns the number of set bits.
func BitCount(bitmap []byte) (cnt int) {
	for i := 0; i < len(bitmap)*8; i++ {
		if IsBitSet(bitmap, i) {
			cnt++
		}
	}
	return cnt
}
