package impustore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/homestead/hsscache/core"
	"github.com/homestead/hsscache/kvstore"
)

// Store is C2: a typed, JSON-on-wire layer over a single kvstore.Store
// replica. irscache drives one Store per replica (local + each remote).
type Store struct {
	backend kvstore.Store
	logger  core.Logger
}

// New wraps a kvstore.Store replica. logger may be nil.
func New(backend kvstore.Store, logger core.Logger) *Store {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("cache/impustore")
	}
	return &Store{backend: backend, logger: logger}
}

// GetImpu fetches the record at impu and decodes it as either a
// DefaultImpu or an AssociatedImpu, matching spec §4.2's
// "get_impu(impu) → DefaultImpu | AssociatedImpu | NOT_FOUND".
func (s *Store) GetImpu(ctx context.Context, impu string) (*DefaultImpu, *AssociatedImpu, error) {
	rec, ok, err := s.backend.Get(ctx, impu)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, core.NewError("impustore.GetImpu", core.NotFound, impu, core.ErrNotFound)
	}

	var w wireRecord
	if err := json.Unmarshal(rec.Value, &w); err != nil {
		return nil, nil, core.NewError("impustore.GetImpu", core.Unknown, impu, fmt.Errorf("decoding record: %w", err))
	}

	switch w.Type {
	case "default":
		regState := RegistrationStateRegistered
		if w.RegistrationState != nil {
			regState = *w.RegistrationState
		}
		charging := ChargingAddresses{}
		if w.ChargingAddresses != nil {
			charging = *w.ChargingAddresses
		}
		return &DefaultImpu{
			Impu:              w.Impu,
			AssociatedImpus:   w.AssociatedImpus,
			Impis:             w.Impis,
			RegistrationState: regState,
			ServiceProfileXML: w.ServiceProfile,
			ChargingAddresses: charging,
			Cas:               rec.Cas,
			Expiry:            w.Expiry,
		}, nil, nil
	case "associated":
		return nil, &AssociatedImpu{
			Impu:        w.Impu,
			DefaultImpu: w.DefaultImpu,
			Cas:         rec.Cas,
			Expiry:      w.Expiry,
		}, nil
	default:
		return nil, nil, core.NewError("impustore.GetImpu", core.Unknown, impu, fmt.Errorf("unrecognized record type %q", w.Type))
	}
}

func encodeDefault(d *DefaultImpu) ([]byte, error) {
	regState := d.RegistrationState
	return json.Marshal(wireRecord{
		Type:              "default",
		Impu:              d.Impu,
		AssociatedImpus:   d.AssociatedImpus,
		Impis:             d.Impis,
		RegistrationState: &regState,
		ChargingAddresses: &d.ChargingAddresses,
		ServiceProfile:    d.ServiceProfileXML,
		Expiry:            d.Expiry,
	})
}

func encodeAssociated(a *AssociatedImpu) ([]byte, error) {
	return json.Marshal(wireRecord{
		Type:        "associated",
		Impu:        a.Impu,
		DefaultImpu: a.DefaultImpu,
		Expiry:      a.Expiry,
	})
}

func expiryTime(epochSeconds uint64) time.Time {
	if epochSeconds == 0 {
		return time.Time{}
	}
	return time.Unix(int64(epochSeconds), 0)
}

// AddImpu creates a new Default-IMPU record, failing with
// core.ErrDataContention if the key already exists.
func (s *Store) AddImpu(ctx context.Context, d *DefaultImpu) error {
	data, err := encodeDefault(d)
	if err != nil {
		return err
	}
	return s.backend.Add(ctx, d.Impu, data, expiryTime(d.Expiry))
}

// SetImpu replaces a Default-IMPU record conditional on d.Cas.
func (s *Store) SetImpu(ctx context.Context, d *DefaultImpu) error {
	data, err := encodeDefault(d)
	if err != nil {
		return err
	}
	return s.backend.Set(ctx, d.Impu, data, d.Cas, expiryTime(d.Expiry))
}

// SetAssociatedImpu creates or replaces an Associated-IMPU record
// conditional on a.Cas.
func (s *Store) SetAssociatedImpu(ctx context.Context, a *AssociatedImpu) error {
	data, err := encodeAssociated(a)
	if err != nil {
		return err
	}
	return s.backend.Set(ctx, a.Impu, data, a.Cas, expiryTime(a.Expiry))
}

// SetImpuWithoutCas blindly overwrites the Associated-IMPU pointer at
// a.Impu. Reserved for the Associated-IMPU pointer path (spec §4.2): a lost
// update here merely re-adds the same pointer, so CAS safety is not needed.
func (s *Store) SetImpuWithoutCas(ctx context.Context, a *AssociatedImpu) error {
	data, err := encodeAssociated(a)
	if err != nil {
		return err
	}
	if err := s.backend.Add(ctx, a.Impu, data, expiryTime(a.Expiry)); err == nil {
		return nil
	}
	// Already exists: read its current cas and blind-overwrite through Set.
	rec, ok, err := s.backend.Get(ctx, a.Impu)
	if err != nil {
		return err
	}
	if !ok {
		return s.backend.Add(ctx, a.Impu, data, expiryTime(a.Expiry))
	}
	return s.backend.Set(ctx, a.Impu, data, rec.Cas, expiryTime(a.Expiry))
}

// DeleteImpu removes the record at impu conditional on cas.
func (s *Store) DeleteImpu(ctx context.Context, impu string, cas int64) error {
	return s.backend.Delete(ctx, impu, cas)
}

// GetImpiMapping fetches the set of Default-IMPUs a private identity is
// authorized for.
func (s *Store) GetImpiMapping(ctx context.Context, impi string) (*ImpiMapping, error) {
	rec, ok, err := s.backend.Get(ctx, impi)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, core.NewError("impustore.GetImpiMapping", core.NotFound, impi, core.ErrNotFound)
	}
	var w wireRecord
	if err := json.Unmarshal(rec.Value, &w); err != nil {
		return nil, core.NewError("impustore.GetImpiMapping", core.Unknown, impi, fmt.Errorf("decoding mapping: %w", err))
	}
	return &ImpiMapping{Impi: w.Impi, DefaultImpus: w.DefaultImpus, Cas: rec.Cas, Expiry: w.Expiry}, nil
}

func encodeMapping(m *ImpiMapping) ([]byte, error) {
	return json.Marshal(wireRecord{Impi: m.Impi, DefaultImpus: m.DefaultImpus, Expiry: m.Expiry})
}

// AddImpiMapping creates a new mapping, failing with core.ErrDataContention
// if it already exists.
func (s *Store) AddImpiMapping(ctx context.Context, m *ImpiMapping) error {
	data, err := encodeMapping(m)
	if err != nil {
		return err
	}
	return s.backend.Add(ctx, m.Impi, data, expiryTime(m.Expiry))
}

// SetImpiMapping replaces a mapping conditional on m.Cas.
func (s *Store) SetImpiMapping(ctx context.Context, m *ImpiMapping) error {
	data, err := encodeMapping(m)
	if err != nil {
		return err
	}
	return s.backend.Set(ctx, m.Impi, data, m.Cas, expiryTime(m.Expiry))
}

// DeleteImpiMapping removes the mapping at impi conditional on cas.
func (s *Store) DeleteImpiMapping(ctx context.Context, impi string, cas int64) error {
	return s.backend.Delete(ctx, impi, cas)
}
