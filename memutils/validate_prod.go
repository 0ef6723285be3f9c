//go:build !debug_mem_utils

package memutils

const (
	// CorruptionDetectionEnabled indicates whether block headers carry a magic marker that
	// can be checked to detect payload overruns. It is true only with the debug_mem_utils build tag.
	CorruptionDetectionEnabled bool = false
)

// WriteMagicValue writes an easy-to-identify marker across length bytes of data, starting at offset.
// This method no-ops unless the debug_mem_utils build tag is present.
func WriteMagicValue(data []byte, offset int, length int) {
}

// ValidateMagicValue verifies that the easy-to-identify marker written by WriteMagicValue is still present.
// This method no-ops unless the debug_mem_utils build tag is present.
func ValidateMagicValue(data []byte, offset int, length int) bool {
	return true
}

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_mem_utils build tag is present
func DebugValidate(validatable Validatable) {
}
