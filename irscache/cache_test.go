package irscache

import (
	"context"
	"testing"

	"github.com/homestead/hsscache/impustore"
	"github.com/homestead/hsscache/kvstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache() *Cache {
	local := kvstore.NewFakeStore()
	remote := kvstore.NewFakeStore()
	kv := kvstore.NewClient(local, []kvstore.Store{remote}, nil)
	return NewCache(kv, DefaultConfig(), nil, nil)
}

// S1: initial registration.
func TestPutInitialRegistration(t *testing.T) {
	ctx := context.Background()
	c := newTestCache()

	h := New("sip:alice@ex.com")
	h.RegistrationState = impustore.RegistrationStateRegistered
	h.Expiry = 4102444800
	h.AddImpi("alice@ex.com")
	h.AddAssociatedImpu("tel:+1")

	require.NoError(t, c.Put(ctx, h))

	got, err := c.GetIrsForImpu(ctx, "sip:alice@ex.com")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"tel:+1"}, keysOf(got.AssociatedImpus))
	assert.Contains(t, got.Impis, "alice@ex.com")

	// Both associated pointers and the IMPI mapping must resolve.
	gotAssoc, err := c.GetIrsForImpu(ctx, "tel:+1")
	require.NoError(t, err)
	assert.Equal(t, "sip:alice@ex.com", gotAssoc.DefaultImpu)

	byImpi := c.GetIrsForImpis(ctx, []string{"alice@ex.com"})
	require.Len(t, byImpi, 1)
	assert.Equal(t, "sip:alice@ex.com", byImpi[0].DefaultImpu)
}

// S2: re-registration with a new binding.
func TestPutReRegistrationAddsBinding(t *testing.T) {
	ctx := context.Background()
	c := newTestCache()

	h := New("sip:alice@ex.com")
	h.Expiry = 4102444800
	h.AddImpi("alice@ex.com")
	h.AddAssociatedImpu("tel:+1")
	require.NoError(t, c.Put(ctx, h))

	h2, err := c.GetIrsForImpu(ctx, "sip:alice@ex.com")
	require.NoError(t, err)
	h2.Refresh(4102448400)
	h2.AddImpi("bob@ex.com")
	require.NoError(t, c.Put(ctx, h2))

	h3, err := c.GetIrsForImpu(ctx, "sip:alice@ex.com")
	require.NoError(t, err)
	assert.Contains(t, h3.Impis, "alice@ex.com")
	assert.Contains(t, h3.Impis, "bob@ex.com")
	assert.Contains(t, h3.AssociatedImpus, "tel:+1")
}

// S3: deregistration of a whole IRS.
func TestDeleteRemovesEverything(t *testing.T) {
	ctx := context.Background()
	c := newTestCache()

	h := New("sip:alice@ex.com")
	h.Expiry = 4102444800
	h.AddImpi("alice@ex.com")
	h.AddAssociatedImpu("tel:+1")
	require.NoError(t, c.Put(ctx, h))

	h2, err := c.GetIrsForImpu(ctx, "sip:alice@ex.com")
	require.NoError(t, err)
	require.NoError(t, c.Delete(ctx, h2))

	_, err = c.GetIrsForImpu(ctx, "sip:alice@ex.com")
	assert.Error(t, err)
	_, err = c.GetIrsForImpu(ctx, "tel:+1")
	assert.Error(t, err)

	// Idempotent second delete.
	h3 := New("sip:alice@ex.com")
	h3.Existing = false
	require.NoError(t, c.Delete(ctx, h3))
}

// S4: associated -> default resolution.
func TestGetIrsForImpuResolvesAssociated(t *testing.T) {
	ctx := context.Background()
	c := newTestCache()

	h := New("sip:alice@ex.com")
	h.Expiry = 4102444800
	h.AddAssociatedImpu("tel:+1")
	require.NoError(t, c.Put(ctx, h))

	got, err := c.GetIrsForImpu(ctx, "tel:+1")
	require.NoError(t, err)
	assert.Equal(t, "sip:alice@ex.com", got.DefaultImpu)
}

// S5: broken back-pointer must yield NOT_FOUND, not a partial IRS.
func TestGetIrsForImpuBrokenBackPointer(t *testing.T) {
	ctx := context.Background()
	local := kvstore.NewFakeStore()
	kv := kvstore.NewClient(local, nil, nil)
	c := NewCache(kv, DefaultConfig(), nil, nil)

	store := impustore.New(local, nil)
	require.NoError(t, store.SetImpuWithoutCas(ctx, &impustore.AssociatedImpu{
		Impu: "tel:+1", DefaultImpu: "sip:alice@ex.com", Expiry: 4102444800,
	}))

	_, err := c.GetIrsForImpu(ctx, "tel:+1")
	assert.Error(t, err)
}

// RTR naming several registration sets: DeleteAll tears down every handle
// it's given, even when one of them has nothing left to delete.
func TestDeleteAllRemovesEveryRegistrationSet(t *testing.T) {
	ctx := context.Background()
	c := newTestCache()

	alice := New("sip:alice@ex.com")
	alice.Expiry = 4102444800
	alice.AddImpi("alice@ex.com")
	require.NoError(t, c.Put(ctx, alice))

	bob := New("sip:bob@ex.com")
	bob.Expiry = 4102444800
	bob.AddImpi("bob@ex.com")
	require.NoError(t, c.Put(ctx, bob))

	h1, err := c.GetIrsForImpu(ctx, "sip:alice@ex.com")
	require.NoError(t, err)
	h2, err := c.GetIrsForImpu(ctx, "sip:bob@ex.com")
	require.NoError(t, err)

	require.NoError(t, c.DeleteAll(ctx, []*Handle{h1, h2}))

	_, err = c.GetIrsForImpu(ctx, "sip:alice@ex.com")
	assert.Error(t, err)
	_, err = c.GetIrsForImpu(ctx, "sip:bob@ex.com")
	assert.Error(t, err)
}

func keysOf(m map[string]TriState) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
