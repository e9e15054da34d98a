package coreerr_test

import (
	"testing"

	stderrors "errors"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/keelos/agent/internal/coreerr"
)

func TestKindOf(t *testing.T) {
	err := coreerr.Wrap(coreerr.NotFound, "partition.IdentifyActive", nil, "no root= in cmdline")

	kind, ok := coreerr.KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, coreerr.NotFound, kind)
}

func TestErrorsIsAgainstKind(t *testing.T) {
	cause := errors.New("sgdisk: command not found")
	err := coreerr.New(coreerr.PartitionTableFailure, "partition.SwitchBoot", cause)

	assert.True(t, stderrors.Is(err, coreerr.PartitionTableFailure))
	assert.False(t, stderrors.Is(err, coreerr.Timeout))
}

func TestUnwrapReachesCause(t *testing.T) {
	cause := stderrors.New("boom")
	err := coreerr.New(coreerr.IO, "datastore.Save", cause)

	assert.Same(t, cause, stderrors.Unwrap(err))
}

func TestKindOfFalseForPlainError(t *testing.T) {
	_, ok := coreerr.KindOf(stderrors.New("plain"))
	assert.False(t, ok)
}
