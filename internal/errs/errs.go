// Package errs provides coded errors shared by every veil component.
package errs

import (
	"fmt"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodeNoReferenceFace    Code = "face.reference.no_face"
	CodeReferenceSetEmpty  Code = "face.reference.empty"
	CodeCorruptStore       Code = "store.encodings.corrupt"
	CodeStoreIOFailure     Code = "store.encodings.io_failure"
	CodeStoreLocked        Code = "store.encodings.locked"
	CodeUnknownIdentity    Code = "store.identity.unknown"
	CodeDimensionMismatch  Code = "matcher.dimension.mismatch"
	CodeImageDecodeFailure Code = "image.decode.failure"
	CodeImageEncodeFailure Code = "image.encode.failure"
	CodeNoFaces            Code = "redact.faces.none"
	CodeReferenceNotFound  Code = "redact.reference.not_found"
	CodeEngineStartFailure Code = "engine.start.failure"
	CodeEngineTransport    Code = "engine.transport.failure"
	CodeEngineRemote       Code = "engine.remote.failure"
	CodeConfigInvalid      Code = "config.validate.invalid_value"
	CodeCatalogFailure     Code = "catalog.database.failure"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldPath(value string) Attr {
	return Field("path", value)
}

func FieldIdentity(value string) Attr {
	return Field("identity", value)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}
	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

// With adds structured fields to an existing error chain, keeping its code.
func With(err error, fields ...Attr) error {
	if err == nil {
		return nil
	}
	return oops.Code(CodeOf(err)).With(flatten(fields)...).Wrap(err)
}

func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}
	switch code := oopsErr.Code().(type) {
	case Code:
		return code
	case string:
		return Code(code)
	default:
		return Code(fmt.Sprintf("%v", code))
	}
}

func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}
	return oopsErr.Context()
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		pairs = append(pairs, f.Key, f.Value)
	}
	return pairs
}
