package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type joinRecord struct {
	GroupID  int `validate:"min=0"`
	SensorID int `validate:"min=0"`
}

func TestValidateStructPassesValidRecord(t *testing.T) {
	require.NoError(t, ValidateStruct(joinRecord{GroupID: 0, SensorID: 3}))
}

func TestValidateStructReportsEachFailedField(t *testing.T) {
	err := ValidateStruct(joinRecord{GroupID: -1, SensorID: -2})
	require.Error(t, err)

	verr, ok := err.(*Error)
	require.True(t, ok, "expected *Error, got %T", err)
	assert.Len(t, verr.Messages(), 2)
	assert.Contains(t, verr.Error(), "groupid")
	assert.Contains(t, verr.Error(), "sensorid")
}

func TestValidateStructRejectsNonStruct(t *testing.T) {
	err := ValidateStruct(42)
	require.Error(t, err)
	assert.True(t, IsError(err))
}

func TestIsErrorRejectsOtherErrors(t *testing.T) {
	assert.False(t, IsError(assert.AnError))
	assert.False(t, IsError(nil))
}
