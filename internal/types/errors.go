package types

import "errors"

// Sentinel errors for ptufix operations.
//
// The first group mirrors the failure taxonomy: everything up to ErrTimeout is
// recovered at rule or file granularity, ErrCatalog and ErrIO halt a batch.
var (
	// ErrParse indicates a document is not well-formed XML.
	ErrParse = errors.New("malformed document")

	// ErrPath indicates a path expression does not follow the supported grammar.
	ErrPath = errors.New("malformed path expression")

	// ErrMissingList indicates a condition references an unknown code list.
	ErrMissingList = errors.New("code list not found")

	// ErrCondition indicates a condition could not be evaluated.
	ErrCondition = errors.New("condition evaluation failed")

	// ErrAction indicates an action could not be applied.
	ErrAction = errors.New("action failed")

	// ErrTracker indicates a glosa record could not be stored after retry.
	ErrTracker = errors.New("glosa tracker write failed")

	// ErrTimeout indicates a document exceeded the per-file deadline.
	ErrTimeout = errors.New("file processing timed out")

	// ErrCatalog indicates the rule catalog storage failed.
	ErrCatalog = errors.New("rule catalog unavailable")

	// ErrIO indicates a disk write failed.
	ErrIO = errors.New("i/o failure")
)

var (
	// ErrAlreadyExists indicates a rule with the same id is already stored.
	ErrAlreadyExists = errors.New("rule already exists")

	// ErrRuleNotFound indicates a rule id is absent from a rule source file.
	ErrRuleNotFound = errors.New("rule not found")

	// ErrInvalidRule indicates a rule failed validation or compilation.
	ErrInvalidRule = errors.New("invalid rule")

	// ErrEncoding indicates a character encoding is unknown or cannot represent the text.
	ErrEncoding = errors.New("unsupported character encoding")

	// ErrVersionNotFound indicates a requested snapshot does not exist.
	ErrVersionNotFound = errors.New("rule file version not found")

	// ErrBatchAborted indicates a batch stopped after reaching its error budget.
	ErrBatchAborted = errors.New("batch aborted: error budget exhausted")
)

// IsFatal reports whether err must halt a batch run.
func IsFatal(err error) bool {
	return errors.Is(err, ErrCatalog) || errors.Is(err, ErrIO)
}
