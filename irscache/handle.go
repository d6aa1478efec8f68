// Package irscache implements C3: the tri-relational Implicit Registration
// Set cache built on top of impustore (C2). It resolves Default/Associated
// IMPU records and IMPI mappings into a single IRS handle on read, and
// drives a three-phase CAS write across every replica on put/delete.
package irscache

import (
	"sort"

	"github.com/homestead/hsscache/impustore"
)

// TriState tracks an associated-IMPU or IMPI's change since the handle was
// read, per spec §4.3.2.
type TriState int

const (
	Unchanged TriState = iota
	Added
	Deleted
)

// Handle is a live, mutable view of one Implicit Registration Set, bound to
// the replica(s) it was read from. Callers mutate it via the Set*/Add*/
// Remove* methods, then pass it to Cache.Put or Cache.Delete.
type Handle struct {
	DefaultImpu       string
	RegistrationState impustore.RegistrationState
	ServiceProfileXML string
	ChargingAddresses impustore.ChargingAddresses
	Expiry            uint64

	AssociatedImpus map[string]TriState
	Impis           map[string]TriState

	// Existing is true iff this handle was produced by a store read rather
	// than synthesized for a brand-new registration.
	Existing bool
	// Refreshed is true iff the caller is reconfirming this IRS with a
	// fresh TTL (e.g. re-registration), per spec §4.3.2.
	Refreshed bool
	// Tombstone marks a handle destined for delete_irs: Phase A deletes the
	// Default-IMPU record, and treats an absent record as OK rather than
	// creating one.
	Tombstone bool

	// replicaCas holds the cas this handle last observed on a given
	// replica index (matching kvstore.Client.Replicas() order). Only the
	// origin replica is populated by a read; Phase A fetches fresh cas
	// values for every other replica.
	replicaCas map[int]int64
}

// New synthesizes a brand-new handle for an IRS that does not yet exist in
// any store, e.g. on initial registration.
func New(defaultImpu string) *Handle {
	return &Handle{
		DefaultImpu:     defaultImpu,
		AssociatedImpus: make(map[string]TriState),
		Impis:           make(map[string]TriState),
		replicaCas:      make(map[int]int64),
	}
}

func fromDefaultImpu(d *impustore.DefaultImpu, originIdx int) *Handle {
	h := &Handle{
		DefaultImpu:       d.Impu,
		RegistrationState: d.RegistrationState,
		ServiceProfileXML: d.ServiceProfileXML,
		ChargingAddresses: d.ChargingAddresses,
		Expiry:            d.Expiry,
		AssociatedImpus:   make(map[string]TriState, len(d.AssociatedImpus)),
		Impis:             make(map[string]TriState, len(d.Impis)),
		Existing:          true,
		replicaCas:        map[int]int64{originIdx: d.Cas},
	}
	for _, a := range d.AssociatedImpus {
		h.AssociatedImpus[a] = Unchanged
	}
	for _, i := range d.Impis {
		h.Impis[i] = Unchanged
	}
	return h
}

// AddAssociatedImpu marks impu as a new member of the IRS.
func (h *Handle) AddAssociatedImpu(impu string) { h.AssociatedImpus[impu] = Added }

// RemoveAssociatedImpu marks impu for removal from the IRS.
func (h *Handle) RemoveAssociatedImpu(impu string) { h.AssociatedImpus[impu] = Deleted }

// AddImpi marks impi as newly authorized for this IRS.
func (h *Handle) AddImpi(impi string) { h.Impis[impi] = Added }

// RemoveImpi marks impi for removal from this IRS.
func (h *Handle) RemoveImpi(impi string) { h.Impis[impi] = Deleted }

// Refresh sets a fresh expiry and marks the handle as refreshed, per
// spec §3.2 I4: a refreshed write never reduces expiry below its prior
// value.
func (h *Handle) Refresh(expirySeconds uint64) {
	if expirySeconds > h.Expiry {
		h.Expiry = expirySeconds
	}
	h.Refreshed = true
}

// markAllDeleted flips every tracked associated-IMPU and IMPI to Deleted,
// for delete_irs (spec §4.3.3).
func (h *Handle) markAllDeleted() {
	for k := range h.AssociatedImpus {
		h.AssociatedImpus[k] = Deleted
	}
	for k := range h.Impis {
		h.Impis[k] = Deleted
	}
}

// resolveAssociatedImpus merges the handle's tracked changes against a
// replica's current associated_impus list (nil when the record does not yet
// exist on that replica), implementing Phase A's "merge store-side fields
// the user did not touch" rule for the set-valued fields.
func (h *Handle) resolveAssociatedImpus(storeCurrent []string) []string {
	return resolveSet(h.AssociatedImpus, storeCurrent)
}

func (h *Handle) resolveImpis(storeCurrent []string) []string {
	return resolveSet(h.Impis, storeCurrent)
}

func resolveSet(tracked map[string]TriState, storeCurrent []string) []string {
	result := make(map[string]struct{}, len(tracked)+len(storeCurrent))
	if storeCurrent == nil {
		for k, state := range tracked {
			if state != Deleted {
				result[k] = struct{}{}
			}
		}
	} else {
		for _, k := range storeCurrent {
			if state, ok := tracked[k]; ok && state == Deleted {
				continue
			}
			result[k] = struct{}{}
		}
		for k, state := range tracked {
			if state == Added {
				result[k] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(result))
	for k := range result {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (h *Handle) toDefaultRecord(cas int64) *impustore.DefaultImpu {
	return &impustore.DefaultImpu{
		Impu:              h.DefaultImpu,
		RegistrationState: h.RegistrationState,
		ServiceProfileXML: h.ServiceProfileXML,
		ChargingAddresses: h.ChargingAddresses,
		Cas:               cas,
		Expiry:            h.Expiry,
	}
}

// resetAfterPut flips every Added/Deleted entry back to Unchanged, dropping
// deleted entries entirely — the handle's post-condition after a
// successful put/delete per the state-machine diagram in spec §4.3.5.
func (h *Handle) resetAfterPut() {
	for k, state := range h.AssociatedImpus {
		switch state {
		case Deleted:
			delete(h.AssociatedImpus, k)
		default:
			h.AssociatedImpus[k] = Unchanged
		}
	}
	for k, state := range h.Impis {
		switch state {
		case Deleted:
			delete(h.Impis, k)
		default:
			h.Impis[k] = Unchanged
		}
	}
	h.Existing = true
	h.Refreshed = false
	// Every Set call above invalidated whatever cas this handle held, since
	// the backend does not hand back the post-write token; the next put
	// re-fetches fresh cas per replica (Phase A step b).
	h.replicaCas = make(map[int]int64)
}
