package art

import "encoding/binary"

// commonPrefix returns the bytes where a and b agree, starting at
// index start, along with the index at which they diverge (or the
// shorter slice ends).
func commonPrefix(a, b []byte, start int) ([]byte, int) {
	i := start
	for i < len(a) && i < len(b) && a[i] == b[i] {
		i++
	}
	out := make([]byte, i-start)
	copy(out, a[start:i])
	return out, i
}

// putUint64 writes w into buf in the package's little-endian durable
// byte layout.
func putUint64(buf []byte, w uint64) {
	binary.LittleEndian.PutUint64(buf, w)
}
