package pci

// PeerBridge identifies a bridge whose secondary bus firmware sets up as a
// peer of the bus the bridge sits on rather than as its child. Such buses
// are scanned as roots after the main scan instead of through the bridge,
// so nothing behind them is found twice.
type PeerBridge struct {
	Vendor uint16
	Device uint16
	Name   string
}

// DefaultPeerBridges is the exception table used when a Scanner is not
// given one. There is no general rule behind it; each entry is a chipset
// known to report its second host segment through a bridge header.
var DefaultPeerBridges = []PeerBridge{
	// The CNB20LE north bridge pair shows up as a P2P bridge on bus 0 with
	// secondary/subordinate programmed to the second host bus.
	{Vendor: 0x1166, Device: 0x0005, Name: "ServerWorks CNB20LE"},
	{Vendor: 0x1166, Device: 0x0006, Name: "ServerWorks CNB20HE"},
	{Vendor: 0x1166, Device: 0x0008, Name: "ServerWorks CNB30LE"},

	// ProLiant hot-plug controllers keep the slot bus numbered by firmware.
	{Vendor: 0x0e11, Device: 0x6010, Name: "Compaq hot-plug PCI bridge"},

	// 450NX expansion bridges; each PXB is its own host segment.
	{Vendor: 0x8086, Device: 0x84cb, Name: "Intel 82454NX PXB"},
}

func isPeerBridge(table []PeerBridge, d *Device) (PeerBridge, bool) {
	for _, p := range table {
		if p.Vendor == d.VendorID && p.Device == d.DeviceID {
			return p, true
		}
	}

	return PeerBridge{}, false
}
