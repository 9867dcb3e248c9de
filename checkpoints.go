package duops

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// CheckpointRecord is one persisted intermediate result.
//
// Keyed records belong to a discriminator used many times with different keys;
// unkeyed (singleton) records belong to a discriminator used once per operation.
type CheckpointRecord struct {
	Discriminator CheckpointDiscriminator
	Keyed         bool
	Key           SerializedCheckpointKey
	Value         SerializedCheckpointValue
}

func (r CheckpointRecord) String() string {
	if r.Keyed {
		return fmt.Sprintf("InterResults[%s][%s] = '%s'", r.Discriminator, r.Key, r.Value)
	}
	return fmt.Sprintf("InterResults[%s] = '%s'", r.Discriminator, r.Value)
}

type checkpointEntry struct {
	keyed  bool
	value  SerializedCheckpointValue
	values map[SerializedCheckpointKey]SerializedCheckpointValue
}

// Checkpoints is the checkpoint document of one operation. Its JSON form is an
// object where a singleton discriminator maps to a string and a keyed
// discriminator maps to an object of key to string.
//
// The zero value is an empty document. Checkpoints is not safe for concurrent use.
type Checkpoints struct {
	entries map[string]*checkpointEntry
}

// NewCheckpoints builds a document from records, applying the same conflict
// rules as Add.
func NewCheckpoints(records ...CheckpointRecord) (Checkpoints, error) {
	var c Checkpoints
	for _, r := range records {
		if _, err := c.Add(r); err != nil {
			return Checkpoints{}, err
		}
	}
	return c, nil
}

// Add inserts r. It reports false without error when an identical record is
// already present, and a *CheckpointConflictError (with Operation unset) when
// the existing record differs or the keyed/singleton kind does not match.
func (c *Checkpoints) Add(r CheckpointRecord) (bool, error) {
	if r.Discriminator.IsZero() {
		return false, configErrorf("checkpoint discriminator is empty")
	}
	if c.entries == nil {
		c.entries = map[string]*checkpointEntry{}
	}
	name := r.Discriminator.String()
	e, ok := c.entries[name]
	if !ok {
		e = &checkpointEntry{keyed: r.Keyed}
		if r.Keyed {
			e.values = map[SerializedCheckpointKey]SerializedCheckpointValue{r.Key: r.Value}
		} else {
			e.value = r.Value
		}
		c.entries[name] = e
		return true, nil
	}
	if e.keyed != r.Keyed {
		return false, conflict(r, "keyed and singleton checkpoints share a discriminator")
	}
	if !r.Keyed {
		if e.value != r.Value {
			return false, conflict(r, "already holds a different value")
		}
		return false, nil
	}
	existing, ok := e.values[r.Key]
	if !ok {
		e.values[r.Key] = r.Value
		return true, nil
	}
	if existing != r.Value {
		return false, conflict(r, "already holds a different value")
	}
	return false, nil
}

func conflict(r CheckpointRecord, reason string) *CheckpointConflictError {
	return &CheckpointConflictError{
		Checkpoint: r.Discriminator,
		Key:        r.Key,
		Keyed:      r.Keyed,
		Reason:     reason,
	}
}

// Get looks up a singleton (keyed=false) or keyed record.
func (c Checkpoints) Get(disc CheckpointDiscriminator, keyed bool, key SerializedCheckpointKey) (SerializedCheckpointValue, bool, error) {
	e, ok := c.entries[disc.String()]
	if !ok {
		return "", false, nil
	}
	if e.keyed != keyed {
		return "", false, conflict(CheckpointRecord{Discriminator: disc, Keyed: keyed, Key: key}, "stored checkpoint has the other kind")
	}
	if !keyed {
		return e.value, true, nil
	}
	v, ok := e.values[key]
	return v, ok, nil
}

// Keyed returns every record stored under a keyed discriminator, ordered by key.
func (c Checkpoints) Keyed(disc CheckpointDiscriminator) ([]CheckpointRecord, error) {
	e, ok := c.entries[disc.String()]
	if !ok {
		return nil, nil
	}
	if !e.keyed {
		return nil, conflict(CheckpointRecord{Discriminator: disc, Keyed: true}, "stored checkpoint is a singleton")
	}
	out := make([]CheckpointRecord, 0, len(e.values))
	for k, v := range e.values {
		out = append(out, CheckpointRecord{Discriminator: disc, Keyed: true, Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Records lists all records ordered by discriminator then key.
func (c Checkpoints) Records() []CheckpointRecord {
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []CheckpointRecord
	for _, name := range names {
		e := c.entries[name]
		disc := CheckpointDiscriminator{value: name}
		if !e.keyed {
			out = append(out, CheckpointRecord{Discriminator: disc, Value: e.value})
			continue
		}
		keyed, _ := c.Keyed(disc)
		out = append(out, keyed...)
	}
	return out
}

// Len counts records, not discriminators.
func (c Checkpoints) Len() int {
	n := 0
	for _, e := range c.entries {
		if e.keyed {
			n += len(e.values)
		} else {
			n++
		}
	}
	return n
}

// Clone returns a deep copy.
func (c Checkpoints) Clone() Checkpoints {
	if c.entries == nil {
		return Checkpoints{}
	}
	out := Checkpoints{entries: make(map[string]*checkpointEntry, len(c.entries))}
	for name, e := range c.entries {
		cp := &checkpointEntry{keyed: e.keyed, value: e.value}
		if e.keyed {
			cp.values = make(map[SerializedCheckpointKey]SerializedCheckpointValue, len(e.values))
			for k, v := range e.values {
				cp.values[k] = v
			}
		}
		out.entries[name] = cp
	}
	return out
}

func (c Checkpoints) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(c.entries))
	for name, e := range c.entries {
		if !e.keyed {
			doc[name] = string(e.value)
			continue
		}
		values := make(map[string]string, len(e.values))
		for k, v := range e.values {
			values[string(k)] = string(v)
		}
		doc[name] = values
	}
	return json.Marshal(doc)
}

func (c *Checkpoints) UnmarshalJSON(data []byte) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("checkpoint document: %w", err)
	}
	entries := make(map[string]*checkpointEntry, len(doc))
	for name, raw := range doc {
		if _, err := NewCheckpointDiscriminator(name); err != nil {
			return fmt.Errorf("checkpoint document: %w", err)
		}
		raw = bytes.TrimSpace(raw)
		if len(raw) > 0 && raw[0] == '{' {
			var values map[string]string
			if err := json.Unmarshal(raw, &values); err != nil {
				return fmt.Errorf("checkpoint document: %s: %w", name, err)
			}
			e := &checkpointEntry{keyed: true, values: make(map[SerializedCheckpointKey]SerializedCheckpointValue, len(values))}
			for k, v := range values {
				e.values[SerializedCheckpointKey(k)] = SerializedCheckpointValue(v)
			}
			entries[name] = e
			continue
		}
		var value string
		if err := json.Unmarshal(raw, &value); err != nil {
			return fmt.Errorf("checkpoint document: %s: %w", name, err)
		}
		entries[name] = &checkpointEntry{value: SerializedCheckpointValue(value)}
	}
	c.entries = entries
	return nil
}
