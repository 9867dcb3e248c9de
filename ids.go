package duops

import (
	"fmt"
	"regexp"
	"strings"
)

var discriminatorPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// OperationDiscriminator identifies an operation kind.
//
// The zero value is invalid; use NewOperationDiscriminator.
type OperationDiscriminator struct {
	value string
}

// NewOperationDiscriminator validates s against [a-zA-Z0-9_]+.
func NewOperationDiscriminator(s string) (OperationDiscriminator, error) {
	if !discriminatorPattern.MatchString(s) {
		return OperationDiscriminator{}, configErrorf("invalid operation discriminator %q: must match %s", s, discriminatorPattern)
	}
	return OperationDiscriminator{value: s}, nil
}

// MustOperationDiscriminator is like NewOperationDiscriminator but panics on invalid input.
func MustOperationDiscriminator(s string) OperationDiscriminator {
	d, err := NewOperationDiscriminator(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (d OperationDiscriminator) String() string { return d.value }

func (d OperationDiscriminator) IsZero() bool { return d.value == "" }

// CheckpointDiscriminator identifies a checkpoint kind within an operation.
type CheckpointDiscriminator struct {
	value string
}

func NewCheckpointDiscriminator(s string) (CheckpointDiscriminator, error) {
	if !discriminatorPattern.MatchString(s) {
		return CheckpointDiscriminator{}, configErrorf("invalid checkpoint discriminator %q: must match %s", s, discriminatorPattern)
	}
	return CheckpointDiscriminator{value: s}, nil
}

func MustCheckpointDiscriminator(s string) CheckpointDiscriminator {
	d, err := NewCheckpointDiscriminator(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (d CheckpointDiscriminator) String() string { return d.value }

func (d CheckpointDiscriminator) IsZero() bool { return d.value == "" }

// shardSeparator joins a shard key and a value in the external form of an OperationID.
const shardSeparator = "|"

// OperationID identifies one operation instance.
//
// An id may carry a shard key. Its external representation is then
// "shardKey|value"; without a shard key it is just the value.
type OperationID struct {
	shardKey string
	value    string
}

// NewOperationID returns an id without a shard key.
func NewOperationID(value string) (OperationID, error) {
	if err := validateIDPart("operation id", value); err != nil {
		return OperationID{}, err
	}
	return OperationID{value: value}, nil
}

// NewShardedOperationID returns an id namespaced by shardKey.
func NewShardedOperationID(shardKey, value string) (OperationID, error) {
	if err := validateIDPart("shard key", shardKey); err != nil {
		return OperationID{}, err
	}
	if strings.Contains(shardKey, shardSeparator) {
		return OperationID{}, configErrorf("invalid shard key %q: must not contain %q", shardKey, shardSeparator)
	}
	if err := validateIDPart("operation id", value); err != nil {
		return OperationID{}, err
	}
	return OperationID{shardKey: shardKey, value: value}, nil
}

// ParseOperationID parses the external representation produced by String.
// Everything before the first "|" is taken as the shard key.
func ParseOperationID(s string) (OperationID, error) {
	if shardKey, value, ok := strings.Cut(s, shardSeparator); ok {
		return NewShardedOperationID(shardKey, value)
	}
	return NewOperationID(s)
}

func MustOperationID(s string) OperationID {
	id, err := ParseOperationID(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (id OperationID) Value() string { return id.value }

func (id OperationID) ShardKey() string { return id.shardKey }

func (id OperationID) HasShardKey() bool { return id.shardKey != "" }

func (id OperationID) IsZero() bool { return id.value == "" }

func (id OperationID) String() string {
	if id.shardKey == "" {
		return id.value
	}
	return id.shardKey + shardSeparator + id.value
}

func validateIDPart(what, s string) error {
	if s == "" {
		return configErrorf("invalid %s: must not be empty", what)
	}
	if strings.TrimSpace(s) != s {
		return configErrorf("invalid %s %q: must not have leading or trailing whitespace", what, s)
	}
	return nil
}

// ScheduleID is the opaque handle a Scheduler returns for a pending poll.
type ScheduleID struct {
	value string
}

func NewScheduleID(s string) (ScheduleID, error) {
	if strings.TrimSpace(s) == "" {
		return ScheduleID{}, configErrorf("invalid schedule id: must not be blank")
	}
	return ScheduleID{value: strings.TrimSpace(s)}, nil
}

func MustScheduleID(s string) ScheduleID {
	sid, err := NewScheduleID(s)
	if err != nil {
		panic(err)
	}
	return sid
}

func (s ScheduleID) String() string { return s.value }

func (s ScheduleID) IsZero() bool { return s.value == "" }

// OperationKey is the full identity of an operation record.
type OperationKey struct {
	Discriminator OperationDiscriminator
	ID            OperationID
}

func (k OperationKey) String() string {
	return fmt.Sprintf("%s(%s)", k.Discriminator, k.ID)
}
