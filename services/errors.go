package services

import (
	"errors"
)

var (
	ErrValidation       = errors.New("validation failed")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrSessionInvalid   = errors.New("session missing, expired or already used")
	ErrNotManageable    = errors.New("role is not manageable by the bot")
)
