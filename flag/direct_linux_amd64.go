package flag

import "github.com/bobuhiro11/gopci/portio"

func openDirect() (portio.Ports, error) {
	return portio.OpenDirect()
}
