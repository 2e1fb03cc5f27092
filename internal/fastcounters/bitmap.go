package fastcounters

import "math/bits"

// bitmap is a little-endian bit set which grows on write
type bitmap []byte

func (b bitmap) get(i int) bool {
	if i>>3 >= len(b) {
		return false
	}
	return b[i>>3]&(1<<uint(i&7)) != 0
}

// set changes bit i and reports whether it was changed
func (b *bitmap) set(i int, v bool) bool {
	if b.get(i) == v {
		return false
	}
	if v {
		for i>>3 >= len(*b) {
			*b = append(*b, 0)
		}
		(*b)[i>>3] |= 1 << uint(i&7)
	} else {
		(*b)[i>>3] &^= 1 << uint(i&7)
	}
	return true
}

// count returns the number of set bits in [from, to)
func (b bitmap) count(from, to int) int {
	n := 0
	for i := from; i < to; {
		if i&7 == 0 && i+8 <= to {
			if i>>3 >= len(b) {
				break
			}
			n += bits.OnesCount8(b[i>>3])
			i += 8
			continue
		}
		if b.get(i) {
			n++
		}
		i++
	}
	return n
}

func (b bitmap) empty() bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
