package userstore

import (
	"errors"

	"zbridge/pkg/interfaces"
)

var (
	ErrUserNotFound  = interfaces.ErrUserNotFound
	ErrInvalidField  = errors.New("invalid lookup field")
	ErrStoreClosed   = errors.New("user store is closed")
	ErrWriteTimeout  = errors.New("write operation timeout")
	ErrInvalidUser   = errors.New("user requires app, id and username")
	ErrDuplicateUser = errors.New("user already exists")
	ErrMissingDBPath = errors.New("database path cannot be empty")
)
