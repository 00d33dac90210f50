package credit

import "errors"

var (
	ErrNotFound        = errors.New("credit: not found")
	ErrInvalidState    = errors.New("credit: call is in an invalid state")
	ErrRaceLost        = errors.New("credit: already terminated")
	ErrDraining        = errors.New("credit: client is draining")
	ErrCreditExhausted = errors.New("credit: credit exhausted")
	ErrChannelLimit    = errors.New("credit: channel limit reached")
	ErrInvalidArgument = errors.New("credit: invalid argument")
)
