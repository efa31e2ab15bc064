package kernel

import (
	"go.uber.org/zap"
)

var (
	// haltFn stops the code path that detected the violation. It is
	// mocked by tests.
	haltFn = func(err *Error) { panic(err) }

	// panicLogger receives the report emitted by Panic before halting.
	panicLogger = zap.NewNop()

	errRuntimePanic = &Error{Module: "rt", Message: "unknown cause", Kind: ContractViolation}
)

// SetPanicLogger installs the logger used by Panic. Passing nil restores the
// no-op logger.
func SetPanicLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	panicLogger = logger
}

// Panic reports the supplied error (if not nil) and halts the violating code
// path. Calls to Panic never return normally.
func Panic(e interface{}) {
	var err *Error

	switch t := e.(type) {
	case *Error:
		err = t
	case string:
		err = &Error{Module: "rt", Message: t, Kind: ContractViolation}
	case error:
		err = &Error{Module: "rt", Message: t.Error(), Kind: ContractViolation}
	default:
		err = errRuntimePanic
	}

	panicLogger.Error("unrecoverable error; halting",
		zap.String("module", err.Module),
		zap.String("reason", err.Message),
		zap.Stringer("kind", err.Kind),
	)

	haltFn(err)
}

// Assert calls Panic with err when cond does not hold.
func Assert(cond bool, err *Error) {
	if !cond {
		Panic(err)
	}
}
