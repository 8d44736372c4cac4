package portio_test

import (
	"errors"
	"testing"

	"github.com/bobuhiro11/gopci/portio"
)

func TestPoll(t *testing.T) {
	t.Parallel()

	n := 0
	err := portio.Poll(10, func() (bool, error) {
		n++

		return n == 3, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if n != 3 {
		t.Fatalf("expected: %v, actual: %v", 3, n)
	}

	if err := portio.Poll(5, func() (bool, error) { return false, nil }); !errors.Is(err, portio.ErrTimeout) {
		t.Fatalf("expected: %v, actual: %v", portio.ErrTimeout, err)
	}
}
