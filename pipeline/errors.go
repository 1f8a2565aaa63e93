package pipeline

import "fmt"

// Process exit codes.
const (
	ExitOK                = 0
	ExitFailure           = 1
	ExitUsage             = 2
	ExitPartial           = 3
	ExitSourceMissing     = 4
	ExitTableMissing      = 5
	ExitComponentsMissing = 6
	ExitLedgerUnreachable = 7
)

// Stages, in the order a run passes through them.
const (
	StageLocateSource = "locate-source"
	StageResolveTable = "resolve-table"
	StageComponents   = "components"
	StageLedger       = "ledger"
	StageRead         = "read"
	StageTrain        = "train"
	StageInfer        = "infer"
	StageAppend       = "append"
	StageReport       = "report"
)

// Error ends a run. Code is the process exit status for it.
type Error struct {
	Stage string
	Code  int
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) ExitCode() int {
	return e.Code
}

func fatal(stage string, code int, err error) *Error {
	return &Error{Stage: stage, Code: code, Err: err}
}
