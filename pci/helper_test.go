package pci_test

import (
	"testing"

	"github.com/bobuhiro11/gopci/pci"
	"github.com/bobuhiro11/gopci/pcisim"
	"github.com/go-logr/logr/testr"
)

func machine(t *testing.T, topology string) *pcisim.Machine {
	t.Helper()

	tp, err := pcisim.ParseTopology([]byte(topology))
	if err != nil {
		t.Fatal(err)
	}

	m, err := tp.Build()
	if err != nil {
		t.Fatal(err)
	}

	return m
}

func conf1(t *testing.T, m *pcisim.Machine) *pci.Config {
	t.Helper()

	return pci.NewConfig(pci.NewConf1(m.Ports), testr.New(t))
}

func scan(t *testing.T, topology string) (*pcisim.Machine, *pci.Registry, uint8) {
	t.Helper()

	m := machine(t, topology)
	r, highest := pci.NewScanner(conf1(t, m), testr.New(t)).Scan()

	return m, r, highest
}
