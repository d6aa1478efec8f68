package impustore

import (
	"context"
	"testing"

	"github.com/homestead/hsscache/core"
	"github.com/homestead/hsscache/kvstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddGetDefaultImpuRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New(kvstore.NewFakeStore(), nil)

	d := &DefaultImpu{
		Impu:              "sip:alice@example.com",
		AssociatedImpus:   []string{"sip:alice2@example.com"},
		Impis:             []string{"alice@example.com"},
		RegistrationState: RegistrationStateRegistered,
		ServiceProfileXML: "<IMSSubscription/>",
		ChargingAddresses: ChargingAddresses{CCFs: []string{"ccf1"}, ECFs: []string{"ecf1"}},
		Expiry:            4102444800,
	}
	require.NoError(t, s.AddImpu(ctx, d))

	got, assoc, err := s.GetImpu(ctx, d.Impu)
	require.NoError(t, err)
	require.Nil(t, assoc)
	require.NotNil(t, got)
	assert.Equal(t, d.AssociatedImpus, got.AssociatedImpus)
	assert.Equal(t, d.ServiceProfileXML, got.ServiceProfileXML)
	assert.Equal(t, d.ChargingAddresses, got.ChargingAddresses)
	assert.NotZero(t, got.Cas)
}

func TestSetImpuRequiresMatchingCas(t *testing.T) {
	ctx := context.Background()
	s := New(kvstore.NewFakeStore(), nil)

	d := &DefaultImpu{Impu: "sip:bob@example.com", Expiry: 4102444800}
	require.NoError(t, s.AddImpu(ctx, d))

	got, _, err := s.GetImpu(ctx, d.Impu)
	require.NoError(t, err)

	got.ServiceProfileXML = "<updated/>"
	require.NoError(t, s.SetImpu(ctx, got))

	got.Cas = 999999
	err = s.SetImpu(ctx, got)
	assert.ErrorIs(t, err, core.ErrDataContention)
}

func TestGetImpuReturnsAssociated(t *testing.T) {
	ctx := context.Background()
	s := New(kvstore.NewFakeStore(), nil)

	a := &AssociatedImpu{Impu: "sip:alice2@example.com", DefaultImpu: "sip:alice@example.com", Expiry: 4102444800}
	require.NoError(t, s.SetImpuWithoutCas(ctx, a))

	def, assoc, err := s.GetImpu(ctx, a.Impu)
	require.NoError(t, err)
	assert.Nil(t, def)
	require.NotNil(t, assoc)
	assert.Equal(t, a.DefaultImpu, assoc.DefaultImpu)
}

func TestSetImpuWithoutCasIsBlindOverwrite(t *testing.T) {
	ctx := context.Background()
	s := New(kvstore.NewFakeStore(), nil)

	a := &AssociatedImpu{Impu: "sip:x@example.com", DefaultImpu: "sip:a@example.com", Expiry: 4102444800}
	require.NoError(t, s.SetImpuWithoutCas(ctx, a))
	// Re-pointing the same pointer must succeed even without tracking cas.
	a.DefaultImpu = "sip:b@example.com"
	require.NoError(t, s.SetImpuWithoutCas(ctx, a))

	_, assoc, err := s.GetImpu(ctx, a.Impu)
	require.NoError(t, err)
	assert.Equal(t, "sip:b@example.com", assoc.DefaultImpu)
}

func TestImpiMappingRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New(kvstore.NewFakeStore(), nil)

	m := &ImpiMapping{Impi: "alice@example.com", DefaultImpus: []string{"sip:alice@example.com"}, Expiry: 4102444800}
	require.NoError(t, s.AddImpiMapping(ctx, m))

	got, err := s.GetImpiMapping(ctx, m.Impi)
	require.NoError(t, err)
	assert.Equal(t, m.DefaultImpus, got.DefaultImpus)

	got.DefaultImpus = append(got.DefaultImpus, "sip:alice2@example.com")
	require.NoError(t, s.SetImpiMapping(ctx, got))

	got2, err := s.GetImpiMapping(ctx, m.Impi)
	require.NoError(t, err)
	assert.Len(t, got2.DefaultImpus, 2)
}

func TestGetImpuNotFound(t *testing.T) {
	s := New(kvstore.NewFakeStore(), nil)
	_, _, err := s.GetImpu(context.Background(), "sip:missing@example.com")
	assert.ErrorIs(t, err, core.ErrNotFound)
}
