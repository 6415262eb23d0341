package ingester

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/hazyhaar/intake/delivery"
	"github.com/hazyhaar/intake/docpipe"
	"github.com/hazyhaar/intake/transform"
)

var (
	// ErrRateLimited means the client exhausted its upload quota.
	ErrRateLimited = errors.New("ingester: rate limited")
	// ErrPayloadTooLarge means the artifact exceeds the size ceiling.
	ErrPayloadTooLarge = errors.New("ingester: payload too large")
	// ErrValidationFailure means the run failed because of invalid records.
	ErrValidationFailure = errors.New("ingester: validation failure")
)

// Kind classifies why a run failed.
type Kind string

const (
	KindUnsupportedFormat      Kind = "UnsupportedFormat"
	KindFormatMismatch         Kind = "FormatMismatch"
	KindParseError             Kind = "ParseError"
	KindStructuralError        Kind = "StructuralError"
	KindNoExtractableData      Kind = "NoExtractableData"
	KindValidationFailure      Kind = "ValidationFailure"
	KindInternalTransformError Kind = "InternalTransformError"
	KindRejected               Kind = "Rejected"
	KindRetryExhausted         Kind = "RetryExhausted"
	KindRateLimited            Kind = "RateLimited"
	KindPayloadTooLarge        Kind = "PayloadTooLarge"
	KindCancelled              Kind = "Cancelled"
	KindInternal               Kind = "Internal"
)

// classes maps sentinels to kinds, most specific first.
var classes = []struct {
	err  error
	kind Kind
}{
	{ErrRateLimited, KindRateLimited},
	{ErrPayloadTooLarge, KindPayloadTooLarge},
	{delivery.ErrRejected, KindRejected},
	{delivery.ErrRetryExhausted, KindRetryExhausted},
	{context.Canceled, KindCancelled},
	{context.DeadlineExceeded, KindCancelled},
	{docpipe.ErrUnsupportedFormat, KindUnsupportedFormat},
	{docpipe.ErrFormatMismatch, KindFormatMismatch},
	{docpipe.ErrParse, KindParseError},
	{docpipe.ErrStructural, KindStructuralError},
	{docpipe.ErrNoExtractableData, KindNoExtractableData},
	{ErrValidationFailure, KindValidationFailure},
	{transform.ErrInternalTransform, KindInternalTransformError},
}

// Classify maps an error from any stage to its Kind.
func Classify(err error) Kind {
	for _, c := range classes {
		if errors.Is(err, c.err) {
			return c.kind
		}
	}
	return KindInternal
}

// IsInputError reports kinds caused by the uploaded document itself.
func (k Kind) IsInputError() bool {
	switch k {
	case KindUnsupportedFormat, KindFormatMismatch, KindParseError, KindStructuralError, KindNoExtractableData:
		return true
	}
	return false
}

// HTTPStatus is the status code an HTTP adapter answers for a failed run.
func (k Kind) HTTPStatus() int {
	if k.IsInputError() {
		return http.StatusBadRequest
	}
	switch k {
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindValidationFailure:
		return http.StatusUnprocessableEntity
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindRejected, KindRetryExhausted:
		return http.StatusBadGateway
	case KindCancelled:
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

// Stage names the pipeline step that produced a failure.
type Stage string

const (
	StageAdmission Stage = "admission"
	StageDetect    Stage = "detect"
	StageParse     Stage = "parse"
	StageValidate  Stage = "validate"
	StageTransform Stage = "transform"
	StageDeliver   Stage = "deliver"
)

// Failure describes why a run failed, in terms safe to show the uploader.
type Failure struct {
	Stage   Stage  `json:"stage"`
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// userMessage renders err for the uploader. Document errors are shown by
// their summary; parser causes, defects and platform internals only reach
// the log.
func userMessage(stage Stage, kind Kind, err error) string {
	var detail string
	var derr *docpipe.Error
	switch {
	case kind.IsInputError() && errors.As(err, &derr):
		detail = derr.Summary()
	case kind == KindValidationFailure:
		detail = err.Error()
	case kind == KindRateLimited:
		detail = "upload quota exceeded, retry later"
	case kind == KindPayloadTooLarge:
		detail = err.Error()
	case kind == KindRejected:
		detail = "the downstream platform rejected the records"
	case kind == KindRetryExhausted:
		detail = "the downstream platform is unavailable, retry later"
	case kind == KindCancelled:
		detail = "the upload was cancelled"
	default:
		detail = "internal error"
	}
	return fmt.Sprintf("%s: %s: %s", stage, kind, detail)
}
