package errors

import sterrors "errors"

var (
	ErrServiceRequired      = sterrors.New("reflow: pipeline service is required")
	ErrHandlerRequired      = sterrors.New("reflow: handler function is required")
	ErrTopicRequired        = sterrors.New("reflow: topic is required")
	ErrHandlerNameRequired  = sterrors.New("reflow: handler name is required")
	ErrPublisherRequired    = sterrors.New("reflow: publisher is required")
	ErrSourceRequired       = sterrors.New("reflow: message source is required")
	ErrSchedulerRequired    = sterrors.New("reflow: retry scheduler is required")
	ErrSinkRequired         = sterrors.New("reflow: dead-letter sink is required")
	ErrConfigRequired       = sterrors.New("reflow: config is required")
	ErrLoggerRequired       = sterrors.New("reflow: logger is required")
	ErrMessagePayloadNeeded = sterrors.New("reflow: message payload is required")
)

// ConfigValidationError wraps the individual problems found while validating a
// Config so callers can inspect them with errors.Is/As.
type ConfigValidationError struct {
	Problems []error
}

func (e *ConfigValidationError) Error() string {
	if len(e.Problems) == 0 {
		return "reflow: invalid config"
	}
	msg := "reflow: invalid config: " + e.Problems[0].Error()
	for _, p := range e.Problems[1:] {
		msg += "; " + p.Error()
	}
	return msg
}

func (e *ConfigValidationError) Unwrap() []error { return e.Problems }
