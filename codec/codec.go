package codec

// Codec encodes/decodes values V to []byte for storage.
// Name identifies the encoding; it becomes part of an entry's schema version
// so bytes written by one codec are never decoded by another.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
	Name() string
}
