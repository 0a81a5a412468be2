package engine

import "errors"

var (
	ErrUnknownHandle     = errors.New("invalid or retired resource id")
	ErrAlreadySent       = errors.New("response already requested for resource id")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrUnsupportedScheme = errors.New("unsupported url scheme")
	ErrTooManyRedirects  = errors.New("too many redirects")
	ErrBodyTooLarge      = errors.New("response body exceeds limit")
	ErrClosed            = errors.New("engine closed")
)
