package domain

import "errors"

// Error classes shared across the chain, projector and transports. Callers
// wrap them with context and test with errors.Is.
var (
	ErrSignatureValidation = errors.New("signature validation failed")
	ErrDuplicateUUID       = errors.New("duplicate link uuid")
	ErrChainForked         = errors.New("previous link already has a successor")
	ErrStorage             = errors.New("storage error")
	ErrNotFound            = errors.New("not found")
	ErrAuthorization       = errors.New("binding not authorized")
	ErrArchive             = errors.New("archive upload failed")
	ErrInvalidRequest      = errors.New("invalid request")
)
