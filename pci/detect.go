package pci

import (
	"github.com/bobuhiro11/gopci/portio"
	"github.com/go-logr/logr"
)

// DetectOptions lists what Detect may try.
type DetectOptions struct {
	// BIOS, when set, is tried first and returns the PCI BIOS backend or an
	// error if no usable BIOS was found.
	BIOS func() (Backend, error)

	// Ports is probed for mechanism #1 and then #2.
	Ports portio.Ports

	Log logr.Logger
}

// Detect picks the configuration mechanism once, in order: PCI BIOS,
// mechanism #1, mechanism #2. If nothing responds the returned Config
// reports ErrNotSupported, which callers treat as "no PCI bus".
func Detect(o DetectOptions) *Config {
	if o.BIOS != nil {
		b, err := o.BIOS()
		if err == nil {
			o.Log.V(1).Info("using PCI BIOS", "backend", b.Name())

			return NewConfig(b, o.Log)
		}

		o.Log.V(1).Info("PCI BIOS not usable", "reason", err.Error())
	}

	if o.Ports != nil {
		if ProbeConf1(o.Ports) {
			o.Log.V(1).Info("using configuration mechanism #1")

			return NewConfig(NewConf1(o.Ports), o.Log)
		}

		if ProbeConf2(o.Ports) {
			o.Log.V(1).Info("using configuration mechanism #2")

			return NewConfig(NewConf2(o.Ports), o.Log)
		}
	}

	o.Log.Info("no PCI configuration mechanism found")

	return NewConfig(nil, o.Log)
}
