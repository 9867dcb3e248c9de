package duops

// OperationDefinition describes one operation kind: its discriminator, how its
// args and result cross the storage boundary and how failures are retried.
//
// Serialization errors returned by an implementation are wrapped into
// *SerializationError by the engine when they are not already.
type OperationDefinition[A any, R any] interface {
	Discriminator() OperationDiscriminator
	SerializeArgs(args A) (SerializedArgs, error)
	DeserializeArgs(s SerializedArgs) (A, error)
	SerializeResult(result R) (SerializedResult, error)
	DeserializeResult(s SerializedResult) (R, error)
	RetryPolicy() RetryPolicy
}

// CheckpointDefinition describes a singleton checkpoint kind.
type CheckpointDefinition[V any] interface {
	Discriminator() CheckpointDiscriminator
	SerializeValue(v V) (SerializedCheckpointValue, error)
	DeserializeValue(s SerializedCheckpointValue) (V, error)
}

// KeyedCheckpointDefinition describes a checkpoint kind stored once per key.
type KeyedCheckpointDefinition[K any, V any] interface {
	CheckpointDefinition[V]
	SerializeKey(k K) (SerializedCheckpointKey, error)
	DeserializeKey(s SerializedCheckpointKey) (K, error)
}

// DefinitionOption configures a codec-backed definition.
type DefinitionOption func(*definitionOptions)

type definitionOptions struct {
	codec Codec
	retry RetryPolicy
}

// WithCodec sets a custom codec. If not set, JSONCodec is used.
func WithCodec(codec Codec) DefinitionOption {
	return func(o *definitionOptions) {
		o.codec = codec
	}
}

// WithRetryPolicy sets the operation retry policy. If not set, ZeroRetryPolicy is used.
// It is ignored by checkpoint definitions.
func WithRetryPolicy(p RetryPolicy) DefinitionOption {
	return func(o *definitionOptions) {
		o.retry = p
	}
}

func applyDefinitionOptions(opts []DefinitionOption) definitionOptions {
	o := definitionOptions{codec: JSONCodec{}, retry: ZeroRetryPolicy{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.codec == nil {
		o.codec = JSONCodec{}
	}
	if o.retry == nil {
		o.retry = ZeroRetryPolicy{}
	}
	return o
}

// Definition is a Codec-backed OperationDefinition.
type Definition[A any, R any] struct {
	discriminator OperationDiscriminator
	codec         Codec
	retry         RetryPolicy
}

// DefineOperation returns a codec-backed operation definition.
// Definitions are static, so an invalid discriminator panics.
func DefineOperation[A any, R any](discriminator string, opts ...DefinitionOption) *Definition[A, R] {
	o := applyDefinitionOptions(opts)
	return &Definition[A, R]{
		discriminator: MustOperationDiscriminator(discriminator),
		codec:         o.codec,
		retry:         o.retry,
	}
}

func (d *Definition[A, R]) Discriminator() OperationDiscriminator { return d.discriminator }

func (d *Definition[A, R]) RetryPolicy() RetryPolicy { return d.retry }

func (d *Definition[A, R]) SerializeArgs(args A) (SerializedArgs, error) {
	s, err := encodeWith(d.codec, d.discriminator.String()+" args", args)
	return SerializedArgs(s), err
}

func (d *Definition[A, R]) DeserializeArgs(s SerializedArgs) (A, error) {
	return decodeWith[A](d.codec, d.discriminator.String()+" args", string(s))
}

func (d *Definition[A, R]) SerializeResult(result R) (SerializedResult, error) {
	s, err := encodeWith(d.codec, d.discriminator.String()+" result", result)
	return SerializedResult(s), err
}

func (d *Definition[A, R]) DeserializeResult(s SerializedResult) (R, error) {
	return decodeWith[R](d.codec, d.discriminator.String()+" result", string(s))
}

// Checkpoint is a Codec-backed CheckpointDefinition.
type Checkpoint[V any] struct {
	discriminator CheckpointDiscriminator
	codec         Codec
}

// DefineCheckpoint returns a codec-backed singleton checkpoint definition.
func DefineCheckpoint[V any](discriminator string, opts ...DefinitionOption) *Checkpoint[V] {
	o := applyDefinitionOptions(opts)
	return &Checkpoint[V]{discriminator: MustCheckpointDiscriminator(discriminator), codec: o.codec}
}

func (d *Checkpoint[V]) Discriminator() CheckpointDiscriminator { return d.discriminator }

func (d *Checkpoint[V]) SerializeValue(v V) (SerializedCheckpointValue, error) {
	s, err := encodeWith(d.codec, "checkpoint "+d.discriminator.String(), v)
	return SerializedCheckpointValue(s), err
}

func (d *Checkpoint[V]) DeserializeValue(s SerializedCheckpointValue) (V, error) {
	return decodeWith[V](d.codec, "checkpoint "+d.discriminator.String(), string(s))
}

// KeyedCheckpoint is a Codec-backed KeyedCheckpointDefinition.
// String keys are stored verbatim; other key types go through the codec.
type KeyedCheckpoint[K any, V any] struct {
	Checkpoint[V]
}

func DefineKeyedCheckpoint[K any, V any](discriminator string, opts ...DefinitionOption) *KeyedCheckpoint[K, V] {
	return &KeyedCheckpoint[K, V]{Checkpoint: *DefineCheckpoint[V](discriminator, opts...)}
}

func (d *KeyedCheckpoint[K, V]) SerializeKey(k K) (SerializedCheckpointKey, error) {
	return encodeKey(d.codec, "checkpoint key "+d.discriminator.String(), k)
}

func (d *KeyedCheckpoint[K, V]) DeserializeKey(s SerializedCheckpointKey) (K, error) {
	return decodeKey[K](d.codec, "checkpoint key "+d.discriminator.String(), s)
}

// FuncCheckpoint is an ad-hoc CheckpointDefinition built from closures.
type FuncCheckpoint[V any] struct {
	discriminator CheckpointDiscriminator
	serialize     func(V) (string, error)
	deserialize   func(string) (V, error)
}

func NewCheckpointDefinitionFunc[V any](discriminator string, serialize func(V) (string, error), deserialize func(string) (V, error)) *FuncCheckpoint[V] {
	return &FuncCheckpoint[V]{
		discriminator: MustCheckpointDiscriminator(discriminator),
		serialize:     serialize,
		deserialize:   deserialize,
	}
}

func (d *FuncCheckpoint[V]) Discriminator() CheckpointDiscriminator { return d.discriminator }

func (d *FuncCheckpoint[V]) SerializeValue(v V) (SerializedCheckpointValue, error) {
	s, err := d.serialize(v)
	if err != nil {
		return "", &SerializationError{Subject: "checkpoint " + d.discriminator.String(), Err: err}
	}
	return SerializedCheckpointValue(s), nil
}

func (d *FuncCheckpoint[V]) DeserializeValue(s SerializedCheckpointValue) (V, error) {
	v, err := d.deserialize(string(s))
	if err != nil {
		return v, &SerializationError{Subject: "checkpoint " + d.discriminator.String(), Decode: true, Err: err}
	}
	return v, nil
}

// FuncKeyedCheckpoint is an ad-hoc KeyedCheckpointDefinition built from closures.
type FuncKeyedCheckpoint[K any, V any] struct {
	FuncCheckpoint[V]
	serializeKey   func(K) (string, error)
	deserializeKey func(string) (K, error)
}

func NewKeyedCheckpointDefinitionFunc[K any, V any](
	discriminator string,
	serializeKey func(K) (string, error),
	deserializeKey func(string) (K, error),
	serialize func(V) (string, error),
	deserialize func(string) (V, error),
) *FuncKeyedCheckpoint[K, V] {
	return &FuncKeyedCheckpoint[K, V]{
		FuncCheckpoint: *NewCheckpointDefinitionFunc(discriminator, serialize, deserialize),
		serializeKey:   serializeKey,
		deserializeKey: deserializeKey,
	}
}

func (d *FuncKeyedCheckpoint[K, V]) SerializeKey(k K) (SerializedCheckpointKey, error) {
	s, err := d.serializeKey(k)
	if err != nil {
		return "", &SerializationError{Subject: "checkpoint key " + d.discriminator.String(), Err: err}
	}
	return SerializedCheckpointKey(s), nil
}

func (d *FuncKeyedCheckpoint[K, V]) DeserializeKey(s SerializedCheckpointKey) (K, error) {
	k, err := d.deserializeKey(string(s))
	if err != nil {
		return k, &SerializationError{Subject: "checkpoint key " + d.discriminator.String(), Decode: true, Err: err}
	}
	return k, nil
}

// Void is the value type of steps that produce nothing.
type Void struct{}

// NullCheckpoint returns a definition for steps without a value. The stored
// value is the empty string.
func NullCheckpoint(discriminator string) *FuncCheckpoint[Void] {
	return NewCheckpointDefinitionFunc(discriminator,
		func(Void) (string, error) { return "", nil },
		func(string) (Void, error) { return Void{}, nil },
	)
}
