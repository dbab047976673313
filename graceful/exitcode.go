package graceful

// ExitCoder is implemented by errors that carry an explicit process exit
// code. When shutdown is triggered by such an error, the process exits with
// that code; this lets call sites signal restart-policy codes to an outer
// process manager.
type ExitCoder interface {
	ExitCode() int
}

type exitError struct {
	err  error
	code int
}

func (e *exitError) Error() string { return e.err.Error() }

// Cause supports github.com/pkg/errors cause chains.
func (e *exitError) Cause() error { return e.err }

// Unwrap supports the standard library's error chains.
func (e *exitError) Unwrap() error { return e.err }

func (e *exitError) ExitCode() int { return e.code }

// WithExitCode annotates err with a process exit code. It returns nil if err
// is nil.
func WithExitCode(err error, code int) error {
	if err == nil {
		return nil
	}
	return &exitError{err: err, code: code}
}

// CodeOf derives the process exit code from the error shutdown was
// triggered with: 0 for no error, the error's own exit code if any error in
// its chain carries one, and 1 otherwise.
func CodeOf(err error) int {
	if err == nil {
		return 0
	}
	for e := err; e != nil; e = unwrapOnce(e) {
		if coder, ok := e.(ExitCoder); ok {
			return coder.ExitCode()
		}
	}
	return 1
}

// unwrapOnce walks one step down an error chain, supporting both pkg/errors
// style Cause and standard library style Unwrap.
func unwrapOnce(err error) error {
	switch e := err.(type) {
	case interface{ Unwrap() error }:
		return e.Unwrap()
	case interface{ Cause() error }:
		return e.Cause()
	}
	return nil
}
