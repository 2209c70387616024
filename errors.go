package shardq

import (
	"errors"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/andreyvit/shardq/kv"
)

var (
	// ErrMisuse is the panic value (wrapped) for programming defects such as
	// checking out more contexts than a pool holds or running an unbound
	// context.
	ErrMisuse = errors.New("shardq: misuse")

	// ErrClosed is reported by Err when Next is called on an evaluator or
	// pipeline that Close stopped before it finished.
	ErrClosed = errors.New("shardq: closed")
)

func misusef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMisuse, fmt.Sprintf(format, args...))
}

// KeyError reports a field index or document key that does not have the
// expected separator structure. It indicates index corruption and is never
// skipped silently.
type KeyError struct {
	Key kv.Key
	Msg string
}

func keyErrf(k kv.Key, format string, args ...any) error {
	return &KeyError{k.Clone(), fmt.Sprintf(format, args...)}
}

func (e *KeyError) Error() string {
	const maxLen = 96
	var buf strings.Builder
	buf.WriteString("malformed key: ")
	buf.WriteString(e.Msg)
	buf.WriteString(": ")
	s := e.Key.String()
	if len(s) > maxLen {
		s = s[:maxLen] + "..."
	}
	buf.WriteString(s)
	return buf.String()
}

// WorkerPanicError is a panic recovered from an evaluation or a pipeline
// stage worker.
type WorkerPanicError struct {
	Stage  string
	Worker int
	Reason any
	Stack  string
}

func (e *WorkerPanicError) Error() string {
	return fmt.Sprintf("panic in %s worker %d: %v\n\n%s", e.Stage, e.Worker, e.Reason, e.Stack)
}

// Unwrap exposes the panic value when it was an error.
func (e *WorkerPanicError) Unwrap() error {
	if err, ok := e.Reason.(error); ok {
		return err
	}
	return nil
}

func safelyCall(stage string, worker int, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &WorkerPanicError{stage, worker, p, string(debug.Stack())}
		}
	}()
	return fn()
}
