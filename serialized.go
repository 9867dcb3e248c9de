package duops

// Serialized wrappers cross the storage boundary. They are distinct types so a
// raw args string cannot be passed where a checkpoint value is expected.
type (
	SerializedArgs            string
	SerializedResult          string
	SerializedCheckpointKey   string
	SerializedCheckpointValue string
)
