package auth

import "errors"

var (
	ErrInvalidInput = errors.New("auth: invalid input")
	ErrInactiveUser = errors.New("auth: user is not active")
)
