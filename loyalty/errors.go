package loyalty

import "errors"

var (
	ErrCafeNotFound       = errors.New("loyalty: cafe not found")
	ErrNoStamps           = errors.New("loyalty: no stamp balance")
	ErrCooldownActive     = errors.New("loyalty: earn cooldown active")
	ErrDailyLimitReached  = errors.New("loyalty: daily earn limit reached")
	ErrInsufficientStamps = errors.New("loyalty: insufficient stamps")
	ErrNoActiveToken      = errors.New("loyalty: no active token")
	ErrInvalidSource      = errors.New("loyalty: invalid stamp source")
	ErrPersistence        = errors.New("loyalty: persistence failure")
)

// Terminal reports whether the error is a terminal outcome for the request.
// Only persistence failures are worth an immediate caller-side retry; every
// other kind requires the user to wait, top up, or ask staff.
func Terminal(err error) bool {
	return err != nil && !errors.Is(err, ErrPersistence)
}
