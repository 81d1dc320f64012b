package billing

import (
	"errors"

	"tokengate/internal/types"
)

func asAppError(err error) (*types.AppError, bool) {
	var appErr *types.AppError
	ok := errors.As(err, &appErr)
	return appErr, ok
}
