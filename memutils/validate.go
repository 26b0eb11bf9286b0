package memutils

// Validatable is used by the DebugValidate method to allow it to act upon
// all types with a Validate method
type Validatable interface {
	Validate() error
}

// DebugEnabled reports whether memutils was built with the debug_mem_utils build tag
func DebugEnabled() bool {
	return DebugMargin > 0
}
