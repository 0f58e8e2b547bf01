package store

import "math/bits"

// bitmap tracks which slots of one sector hold a live entry.
type bitmap struct {
	words []uint64
	size  uint32
	count uint32
}

func newBitmap(size uint32) *bitmap {
	return &bitmap{words: make([]uint64, (size+63)/64), size: size}
}

func (b *bitmap) get(i uint32) bool {
	return b.words[i/64]&(1<<(i%64)) != 0
}

func (b *bitmap) set(i uint32) {
	if !b.get(i) {
		b.words[i/64] |= 1 << (i % 64)
		b.count++
	}
}

func (b *bitmap) clear(i uint32) {
	if b.get(i) {
		b.words[i/64] &^= 1 << (i % 64)
		b.count--
	}
}

// firstFree returns the lowest clear slot not in skip.
func (b *bitmap) firstFree(skip map[uint32]struct{}) (uint32, bool) {
	for w, word := range b.words {
		for word != ^uint64(0) {
			bit := uint32(bits.TrailingZeros64(^word))
			i := uint32(w)*64 + bit
			if i >= b.size {
				return 0, false
			}
			if _, skipped := skip[i]; !skipped {
				return i, true
			}
			word |= 1 << bit
		}
	}
	return 0, false
}
