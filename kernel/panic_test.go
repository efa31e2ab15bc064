package kernel

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestPanic(t *testing.T) {
	defer func(origHaltFn func(*Error)) {
		haltFn = origHaltFn
		SetPanicLogger(nil)
	}(haltFn)

	var halted *Error
	haltFn = func(err *Error) {
		halted = err
	}

	core, logs := observer.New(zap.ErrorLevel)
	SetPanicLogger(zap.New(core))

	t.Run("with error", func(t *testing.T) {
		err := &Error{Module: "test", Message: "panic test", Kind: ContractViolation}

		Panic(err)

		require.Same(t, err, halted)
		entries := logs.TakeAll()
		require.Len(t, entries, 1)
		assert.Equal(t, "test", entries[0].ContextMap()["module"])
		assert.Equal(t, "panic test", entries[0].ContextMap()["reason"])
	})

	t.Run("with string", func(t *testing.T) {
		Panic("boom")

		require.NotNil(t, halted)
		assert.Equal(t, "boom", halted.Message)
		assert.Equal(t, ContractViolation, halted.Kind)
		logs.TakeAll()
	})

	t.Run("with go error", func(t *testing.T) {
		Panic(errors.New("go error"))

		require.NotNil(t, halted)
		assert.Equal(t, "go error", halted.Message)
		logs.TakeAll()
	})

	t.Run("without error", func(t *testing.T) {
		Panic(nil)

		require.Same(t, errRuntimePanic, halted)
		logs.TakeAll()
	})
}

func TestPanicDefaultHalt(t *testing.T) {
	err := &Error{Module: "test", Message: "halt", Kind: ContractViolation}
	require.PanicsWithValue(t, err, func() { Panic(err) })
}

func TestAssert(t *testing.T) {
	err := &Error{Module: "test", Message: "assert", Kind: ContractViolation}

	require.NotPanics(t, func() { Assert(true, err) })
	require.PanicsWithValue(t, err, func() { Assert(false, err) })
}
