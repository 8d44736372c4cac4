package portio

import "errors"

// ErrTimeout is returned when a bounded poll exhausts its retry budget.
var ErrTimeout = errors.New("poll retry budget exhausted")

// Poll calls done up to tries times and returns as soon as it reports true.
// There is no sleeping between tries; callers size the budget for the
// hardware they are waiting on.
func Poll(tries int, done func() (bool, error)) error {
	for i := 0; i < tries; i++ {
		ok, err := done()
		if err != nil {
			return err
		}

		if ok {
			return nil
		}
	}

	return ErrTimeout
}
