package ierr

import (
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
)

const detailsPrefix = "__json__:"

// Builder chains context onto an error. Mark must be the last call.
type Builder struct {
	err error
}

// NewError starts a builder chain.
func NewError(msg string) *Builder {
	return &Builder{err: errors.New(msg)}
}

// NewErrorf starts a builder chain with a formatted message.
func NewErrorf(format string, args ...any) *Builder {
	return &Builder{err: errors.Newf(format, args...)}
}

// WithError starts a builder chain with an existing error.
func WithError(err error) *Builder {
	return &Builder{err: err}
}

// WithMessage adds internal context.
func (b *Builder) WithMessage(msg string) *Builder {
	b.err = errors.WithMessage(b.err, msg)
	return b
}

// WithHint adds a user-facing message.
func (b *Builder) WithHint(hint string) *Builder {
	b.err = errors.WithHint(b.err, hint)
	return b
}

// WithHintf is WithHint with formatting.
func (b *Builder) WithHintf(format string, args ...any) *Builder {
	b.err = errors.WithHintf(b.err, format, args...)
	return b
}

// WithReportableDetails attaches structured details safe to return to clients.
func (b *Builder) WithReportableDetails(details map[string]any) *Builder {
	marshaled, err := json.Marshal(details)
	if err != nil {
		return b
	}
	b.err = errors.WithSafeDetails(b.err, detailsPrefix+"%s", errors.Safe(string(marshaled)))
	return b
}

// Mark tags the error with a sentinel and returns it.
func (b *Builder) Mark(reference error) error {
	b.err = errors.Mark(b.err, reference)
	return b.err
}

// Hint returns the first non-empty user-facing hint.
func Hint(err error) string {
	for _, hint := range errors.GetAllHints(err) {
		if hint = strings.TrimSpace(hint); hint != "" {
			return hint
		}
	}
	return ""
}

// Details merges reportable details and typed error figures.
func Details(err error) map[string]any {
	details := map[string]any{}
	for _, sdp := range errors.GetAllSafeDetails(err) {
		for _, payload := range sdp.SafeDetails {
			if !strings.HasPrefix(payload, detailsPrefix) {
				continue
			}
			var parsed map[string]any
			if errJSON := json.Unmarshal([]byte(payload[len(detailsPrefix):]), &parsed); errJSON == nil {
				for k, v := range parsed {
					details[k] = v
				}
			}
		}
	}
	if funds, ok := AsInsufficientFunds(err); ok {
		for k, v := range funds.Details() {
			details[k] = v
		}
	}
	if len(details) == 0 {
		return nil
	}
	return details
}

// Body is the structured error payload used by the front API.
type Body struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Hint    string         `json:"hint,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// ToBody renders err for clients. Internal errors never leak their message.
func ToBody(err error) Body {
	code := Code(err)
	body := Body{Code: code, Hint: Hint(err), Details: Details(err)}
	switch code {
	case CodeInternal:
		body.Message = "internal error"
	default:
		body.Message = err.Error()
	}
	if funds, ok := AsInsufficientFunds(err); ok {
		body.Message = funds.Error()
	}
	return body
}
