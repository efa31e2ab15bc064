package kernel

// Kind classifies a kernel error. Callers branch on the kind rather than on
// the identity of the sentinel that was returned.
type Kind uint8

const (
	// Unknown is the zero Kind.
	Unknown Kind = iota

	// OutOfMemory indicates that the frame allocator could not satisfy a
	// request (including an unmet partial-allocation minimum).
	OutOfMemory

	// InvalidArgument indicates a malformed request, e.g. conflicting
	// allocation flags or an out-of-range I/O privilege level.
	InvalidArgument

	// PermissionDenied indicates that a privileged operation was invoked
	// by a non-root caller.
	PermissionDenied

	// NoSuchProcess indicates that the operation requires a current task
	// but none is running.
	NoSuchProcess

	// BadAddress indicates that an address has no covering grant or
	// translation.
	BadAddress

	// ContractViolation marks programming errors. Errors of this kind are
	// never returned; they are passed to Panic.
	ContractViolation
)

var kindNames = [...]string{
	Unknown:           "unknown",
	OutOfMemory:       "out of memory",
	InvalidArgument:   "invalid argument",
	PermissionDenied:  "permission denied",
	NoSuchProcess:     "no such process",
	BadAddress:        "bad address",
	ContractViolation: "contract violation",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return kindNames[Unknown]
}

// Errno returns the raw error number reported to user space for this kind.
func (k Kind) Errno() uintptr {
	switch k {
	case PermissionDenied:
		return 1 // EPERM
	case NoSuchProcess:
		return 3 // ESRCH
	case OutOfMemory:
		return 12 // ENOMEM
	case BadAddress:
		return 14 // EFAULT
	case InvalidArgument:
		return 22 // EINVAL
	default:
		return 5 // EIO
	}
}

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure so that the hot paths
// never allocate.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string

	// Kind classifies the error.
	Kind Kind
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Is reports whether target is a kernel error of the same kind. It allows
// errors.Is(err, kernel.ErrOutOfMemory) to match an out of memory error
// raised by any module.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t == nil {
		return false
	}
	return e == t || (e.Kind != Unknown && e.Kind == t.Kind)
}

// Generic sentinels, one per kind. Modules define their own errors with a
// more specific message; these are the match targets for errors.Is.
var (
	ErrOutOfMemory       = &Error{Module: "kernel", Message: "out of memory", Kind: OutOfMemory}
	ErrInvalidArgument   = &Error{Module: "kernel", Message: "invalid argument", Kind: InvalidArgument}
	ErrPermissionDenied  = &Error{Module: "kernel", Message: "operation not permitted", Kind: PermissionDenied}
	ErrNoSuchProcess     = &Error{Module: "kernel", Message: "no such process", Kind: NoSuchProcess}
	ErrBadAddress        = &Error{Module: "kernel", Message: "bad address", Kind: BadAddress}
	ErrContractViolation = &Error{Module: "kernel", Message: "contract violation", Kind: ContractViolation}
)
