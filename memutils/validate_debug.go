//go:build debug_mem_utils

package memutils

import "encoding/binary"

const (
	// CorruptionDetectionEnabled indicates whether block headers carry a magic marker that
	// can be checked to detect payload overruns. It is true only with the debug_mem_utils build tag.
	CorruptionDetectionEnabled bool = true
	// corruptionDetectionMagicValue is a 4-byte pattern that is copied across reserved header bytes
	corruptionDetectionMagicValue uint32 = 0x7F84E666
	magicValueSize                int    = 4
)

// WriteMagicValue writes an easy-to-identify marker across length bytes of data, starting at offset.
// Trailing bytes that cannot hold a whole marker are left untouched.
// This method no-ops unless the debug_mem_utils build tag is present.
func WriteMagicValue(data []byte, offset int, length int) {
	for i := 0; i+magicValueSize <= length; i += magicValueSize {
		binary.LittleEndian.PutUint32(data[offset+i:], corruptionDetectionMagicValue)
	}
}

// ValidateMagicValue verifies that the easy-to-identify marker written by WriteMagicValue is still present.
// It returns true if the value is still present and false otherwise.
// This method no-ops unless the debug_mem_utils build tag is present.
func ValidateMagicValue(data []byte, offset int, length int) bool {
	for i := 0; i+magicValueSize <= length; i += magicValueSize {
		if binary.LittleEndian.Uint32(data[offset+i:]) != corruptionDetectionMagicValue {
			return false
		}
	}

	return true
}

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_mem_utils build tag is present
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}
