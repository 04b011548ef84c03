package errs_test

import (
	stderrors "errors"
	"testing"

	"github.com/andresmejia3/veil/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIncludesCodeAndFields(t *testing.T) {
	err := errs.New(errs.CodeNoReferenceFace, "no face in reference", errs.FieldPath("ref.jpg"))

	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeNoReferenceFace))
	assert.Equal(t, "ref.jpg", errs.FieldsOf(err)["path"])
	assert.Contains(t, err.Error(), "no face in reference")
}

func TestWrapKeepsInnerError(t *testing.T) {
	inner := stderrors.New("unexpected EOF")
	err := errs.Wrap(inner, errs.CodeCorruptStore, "parse encodings", errs.FieldIdentity("alice"))

	assert.ErrorIs(t, err, inner)
	assert.Equal(t, errs.CodeCorruptStore, errs.CodeOf(err))
	assert.Equal(t, "alice", errs.FieldsOf(err)["identity"])
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, errs.Wrap(nil, errs.CodeCorruptStore, "noop"))
	assert.NoError(t, errs.With(nil, errs.FieldPath("x")))
}

func TestWithPreservesCode(t *testing.T) {
	err := errs.New(errs.CodeNoFaces, "no faces")
	err = errs.With(err, errs.FieldPath("a.jpg"))

	assert.Equal(t, errs.CodeNoFaces, errs.CodeOf(err))
	assert.Equal(t, "a.jpg", errs.FieldsOf(err)["path"])
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, errs.Code(""), errs.CodeOf(stderrors.New("plain")))
	assert.False(t, errs.HasCode(nil, errs.CodeNoFaces))
}
