package cli

import "fmt"

// Exit codes the automation contract promises: 0 success, 1 failure,
// CodeResidual when teardown finished but left reported residuals behind.
const (
	CodeFailure  = 1
	CodeResidual = 3
)

// ExitError is returned by commands that want to control the process exit
// code without necessarily printing an additional error message.
type ExitError struct {
	code    int
	message string
}

func (e *ExitError) Error() string {
	if e == nil {
		return ""
	}
	if e.message != "" {
		return e.message
	}
	return fmt.Sprintf("exit %d", e.code)
}

func (e *ExitError) Code() int {
	if e == nil {
		return CodeFailure
	}
	return e.code
}

func (e *ExitError) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}
