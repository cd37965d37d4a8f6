package errors

import "errors"

type Category string

const (
	CategoryInvalidInput       Category = "invalid_input"
	CategorySchemaLoad         Category = "schema_load"
	CategoryExecutor           Category = "executor_failure"
	CategoryHashComputation    Category = "hash_computation"
	CategoryIOFailure          Category = "io_failure"
	CategoryStateContention    Category = "state_contention"
	CategoryReproductionFailed Category = "reproduction_failed"
	CategoryInternalFailure    Category = "internal_failure"
)

// Fatal reports whether errors of this category abort a run. Executor and
// hash failures degrade to missing evidence instead.
func (c Category) Fatal() bool {
	switch c {
	case CategoryExecutor, CategoryHashComputation:
		return false
	default:
		return true
	}
}

type classifiedError struct {
	category  Category
	code      string
	hint      string
	retryable bool
	cause     error
}

func (e *classifiedError) Error() string {
	if e.cause == nil {
		return "unknown error"
	}
	return e.cause.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.cause
}

func Wrap(cause error, category Category, code, hint string, retryable bool) error {
	if cause == nil {
		return nil
	}
	return &classifiedError{
		category:  category,
		code:      code,
		hint:      hint,
		retryable: retryable,
		cause:     cause,
	}
}

// New classifies a plain message.
func New(category Category, code, message, hint string) error {
	return Wrap(errors.New(message), category, code, hint, false)
}

func CategoryOf(err error) Category {
	if classified, ok := asClassified(err); ok {
		return classified.category
	}
	return ""
}

func CodeOf(err error) string {
	if classified, ok := asClassified(err); ok {
		return classified.code
	}
	return ""
}

func HintOf(err error) string {
	if classified, ok := asClassified(err); ok {
		return classified.hint
	}
	return ""
}

func RetryableOf(err error) bool {
	if classified, ok := asClassified(err); ok {
		return classified.retryable
	}
	return false
}

func HasCategory(err error, category Category) bool {
	return CategoryOf(err) == category
}

func asClassified(err error) (*classifiedError, bool) {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified, true
	}
	return nil, false
}
