package core

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokengate/internal/types"
)

type checkoutForm struct {
	Plan   string `validate:"required,oneof=starter pro scale"`
	Tokens int64  `validate:"gte=0"`
}

func TestValidateStruct_Valid(t *testing.T) {
	v := NewValidator(nil)
	assert.NoError(t, v.ValidateStruct(checkoutForm{Plan: "pro", Tokens: 10}))
}

func TestValidateStruct_FailuresCarryFieldDetails(t *testing.T) {
	v := NewValidator(nil)

	err := v.ValidateStruct(checkoutForm{Plan: "enterprise", Tokens: -1})
	require.Error(t, err)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, http.StatusBadRequest, appErr.HTTPStatus())
	assert.Contains(t, appErr.Details["plan"], "must be one of")
	assert.Contains(t, appErr.Details["tokens"], "at least 0")
}

func TestValidateStruct_MissingRequired(t *testing.T) {
	v := NewValidator(nil)

	err := v.ValidateStruct(checkoutForm{})
	require.Error(t, err)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "is required", appErr.Details["plan"])
}

func TestValidateStruct_NonStructIsInternal(t *testing.T) {
	v := NewValidator(nil)

	err := v.ValidateStruct(42)
	require.Error(t, err)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeInternalUnexpected, appErr.Code)
}
