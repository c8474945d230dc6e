package codec

import (
	"errors"
	"fmt"
)

// Limit refuses to decode entries larger than Max bytes and forwards
// everything else to Inner. Max <= 0 turns the check off.
type Limit[V any] struct {
	Inner Codec[V]
	Max   int
}

// ErrTooLarge is wrapped by Limit.Decode.
var ErrTooLarge = errors.New("codec: entry too large")

// Name is the inner name: the limit does not change what is stored.
func (c Limit[V]) Name() string               { return c.Inner.Name() }
func (c Limit[V]) Encode(v V) ([]byte, error) { return c.Inner.Encode(v) }
func (c Limit[V]) Decode(b []byte) (V, error) {
	if c.Max > 0 && len(b) > c.Max {
		var zero V
		return zero, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, len(b), c.Max)
	}
	return c.Inner.Decode(b)
}
