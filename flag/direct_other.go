//go:build !(linux && amd64)

package flag

import (
	"errors"

	"github.com/bobuhiro11/gopci/portio"
)

func openDirect() (portio.Ports, error) {
	return nil, errors.New("direct port access needs linux/amd64")
}
