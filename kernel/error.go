// Package kernel contains types shared across the entire kernel core that
// cannot depend on any other kernel package without introducing an import
// cycle.
package kernel

// Error describes a kernel error. All kernel errors are defined as global
// variables that are pointers to this structure. This requirement stems from
// the fact that the Go allocator is not available to us during early
// bring-up so we cannot use errors.New.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
