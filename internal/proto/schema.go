package proto

import "fmt"

// Known schema tags. The chain itself only carries SchemaTag; the table lets
// diagnostic tools name what they see on the medium.
var knownSchemas = map[uint16]string{
	SchemaTag: "nordic.counter",
}

// SchemaName returns the registered name for tag.
func SchemaName(tag uint16) (string, bool) {
	name, ok := knownSchemas[tag]
	return name, ok
}

// ValidatePayload checks that a relayed payload matches the chain schema.
func ValidatePayload(tag uint16, data []byte) error {
	if _, ok := knownSchemas[tag]; !ok {
		return fmt.Errorf("unknown schema tag: 0x%04X", tag)
	}
	if len(data) != DataLen {
		return fmt.Errorf("schema 0x%04X: data length %d, want %d", tag, len(data), DataLen)
	}
	return nil
}
