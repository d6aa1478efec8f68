// Package impustore implements C2: a typed layer over kvstore (C1) that
// serializes Default-IMPU, Associated-IMPU, and IMPI→IMPUs mapping records
// to the JSON-on-wire format fixed by spec §6.1.
package impustore

// RegistrationState mirrors spec §3.1's registration_state enum.
type RegistrationState int

const (
	RegistrationStateRegistered RegistrationState = iota
	RegistrationStateUnregistered
	RegistrationStateNotRegistered
)

// ChargingAddresses carries ordered CCF/ECF address lists, spec §3.1.
type ChargingAddresses struct {
	CCFs []string `json:"ccfs"`
	ECFs []string `json:"ecfs"`
}

// wireRecord is the on-wire shape for every kind of IMPU record, per spec
// §6.1: a single JSON object whose "type" field discriminates Default vs
// Associated. Fields irrelevant to a given type are simply omitted.
type wireRecord struct {
	Type              string             `json:"type"`
	Impu              string             `json:"impu,omitempty"`
	AssociatedImpus   []string           `json:"associated_impus,omitempty"`
	Impis             []string           `json:"impis,omitempty"`
	RegistrationState *RegistrationState `json:"registration_state,omitempty"`
	ChargingAddresses *ChargingAddresses `json:"charging_addresses,omitempty"`
	ServiceProfile    string             `json:"service_profile,omitempty"`
	DefaultImpu       string             `json:"default_impu,omitempty"`
	Expiry            uint64             `json:"expiry"`

	// IMPI mapping fields (no "type" — distinguished at the API boundary by
	// which Get/Set function the caller invokes, per spec §4.2).
	Impi         string   `json:"impi,omitempty"`
	DefaultImpus []string `json:"default_impus,omitempty"`
}

// DefaultImpu represents one canonical public identity, spec §3.1.
type DefaultImpu struct {
	Impu               string
	AssociatedImpus    []string
	Impis              []string
	RegistrationState  RegistrationState
	ServiceProfileXML  string
	ChargingAddresses  ChargingAddresses
	Cas                int64
	Expiry             uint64
}

// AssociatedImpu is a pointer from a non-default public identity back to
// its Default-IMPU, spec §3.1.
type AssociatedImpu struct {
	Impu        string
	DefaultImpu string
	Cas         int64
	Expiry      uint64
}

// ImpiMapping is the set of Default-IMPUs a private identity is authorized
// for, spec §3.1.
type ImpiMapping struct {
	Impi         string
	DefaultImpus []string
	Cas          int64
	Expiry       uint64
}
