package endpoint

// Host groups the addresses and names known for one target. It is built at
// resolve time and read-only afterwards.
type Host struct {
	addresses []Endpoint
	hostnames []string
}

func NewHost(addresses []Endpoint, hostnames []string) *Host {
	return &Host{
		addresses: append([]Endpoint(nil), addresses...),
		hostnames: append([]string(nil), hostnames...),
	}
}

func (h *Host) Addresses() []Endpoint {
	return append([]Endpoint(nil), h.addresses...)
}

func (h *Host) Hostnames() []string {
	return append([]string(nil), h.hostnames...)
}

// Hostname returns the primary name, if any.
func (h *Host) Hostname() (string, bool) {
	if len(h.hostnames) == 0 {
		return "", false
	}
	return h.hostnames[0], true
}

// Address returns the first resolved address, if any.
func (h *Host) Address() (Endpoint, bool) {
	if len(h.addresses) == 0 {
		return Endpoint{}, false
	}
	return h.addresses[0], true
}

// AddressStrings renders every address in resolution order.
func (h *Host) AddressStrings() []string {
	out := make([]string, 0, len(h.addresses))
	for _, a := range h.addresses {
		out = append(out, a.String())
	}
	return out
}
