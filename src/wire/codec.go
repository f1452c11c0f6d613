package wire

import "encoding/json"

// Serializer is the injectable seam for value serialization (§1). The
// default implementation round-trips through JSON; an embedder with richer
// value semantics (protobuf, gob, msgpack) can supply its own.
type Serializer interface {
	// RoundTrip returns a deep copy of v produced by serializing and then
	// deserializing it, so that local-path and remote-path calls observe
	// identical value semantics (§5).
	RoundTrip(v any) (any, error)
}

// JSONSerializer is the default Serializer, used whenever a Config does not
// supply its own.
type JSONSerializer struct{}

// RoundTrip implements Serializer.
func (JSONSerializer) RoundTrip(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RoundTripArgs applies s to every element of args, used to give a local
// call the same value semantics a remote call would have had.
func RoundTripArgs(s Serializer, args []any) ([]any, error) {
	out := make([]any, len(args))
	for i, a := range args {
		v, err := s.RoundTrip(a)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
