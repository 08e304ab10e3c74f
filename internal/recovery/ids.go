package recovery

import "math/rand/v2"

// Identifier lengths in hex digits
const (
	lenSessionID = 16
	lenK         = 64
	lenFG        = 64
)

const hexDigits = "0123456789ABCDEF"

// IDGenerator returns n random uppercase hex digits.
type IDGenerator func(n int) string

// RandomHex is the default IDGenerator. It draws from math/rand/v2.
func RandomHex(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = hexDigits[rand.IntN(len(hexDigits))]
	}
	return string(b)
}
