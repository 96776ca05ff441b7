package pipeline

import "fmt"

// Kind classifies a failed request. It is part of the public error contract
// of the API and CLI.
type Kind string

const (
	KindValidation Kind = "ValidationFailure"
	KindExtraction Kind = "ExtractionFailure"
	KindExecution  Kind = "ExecutionFailure"
	KindModel      Kind = "ModelFailure"
)

// Stage names one step of a request, in order.
type Stage string

const (
	StageReceived     Stage = "received"
	StagePromptBuilt  Stage = "prompt_built"
	StageModelInvoked Stage = "model_invoked"
	StageExtracted    Stage = "extracted"
	StageValidated    Stage = "validated"
	StageExecuted     Stage = "executed"
	StageCompleted    Stage = "completed"
)

// Error is the terminal failure of a request. Stage is the last stage that
// completed before the failure.
type Error struct {
	Kind    Kind
	Stage   Stage
	Message string
	// SQL is the extracted statement when the failure happened after
	// extraction.
	SQL       string
	Retryable bool
	// Timeout is set when the model did not answer within its time budget.
	Timeout bool
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}
