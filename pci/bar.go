package pci

// DecodeBAR decodes the value of one base address register. wide reports a
// 64-bit memory BAR whose upper half sits in the next register.
func DecodeBAR(l uint32) (r Resource, wide bool) {
	if l == 0 {
		return Resource{}, false
	}

	if l&BaseAddressSpace == BaseAddressSpaceIO {
		return Resource{Base: uint64(l & BaseAddressIOMask), Flags: ResourceIO}, false
	}

	r = Resource{Base: uint64(l & BaseAddressMemMask), Flags: ResourceMem}
	if l&BaseAddressMemPrefetch != 0 {
		r.Flags |= ResourcePrefetch
	}

	switch l & BaseAddressMemTypeMask {
	case BaseAddressMemType64:
		r.Flags |= ResourceMem64
		wide = true
	case BaseAddressMemType1M:
		r.Flags |= ResourceBelow1M
	}

	return r, wide
}
