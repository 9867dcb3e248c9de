package duops

import "encoding/json"

// Codec controls serialization of args, results and checkpoint values.
//
// Default is JSONCodec.
//
// Implementations should be deterministic: same value => same bytes.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func encodeWith[T any](codec Codec, subject string, v T) (string, error) {
	b, err := codec.Marshal(v)
	if err != nil {
		return "", &SerializationError{Subject: subject, Err: err}
	}
	return string(b), nil
}

func decodeWith[T any](codec Codec, subject string, s string) (T, error) {
	var v T
	if err := codec.Unmarshal([]byte(s), &v); err != nil {
		return v, &SerializationError{Subject: subject, Decode: true, Err: err}
	}
	return v, nil
}

// encodeKey passes string keys through untouched so they stay readable in the
// stored document; other key types go through the codec.
func encodeKey[K any](codec Codec, subject string, k K) (SerializedCheckpointKey, error) {
	if s, ok := any(k).(string); ok {
		return SerializedCheckpointKey(s), nil
	}
	s, err := encodeWith(codec, subject, k)
	return SerializedCheckpointKey(s), err
}

func decodeKey[K any](codec Codec, subject string, s SerializedCheckpointKey) (K, error) {
	var k K
	if p, ok := any(&k).(*string); ok {
		*p = string(s)
		return k, nil
	}
	return decodeWith[K](codec, subject, string(s))
}
