package irscache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/homestead/hsscache/core"
	"github.com/homestead/hsscache/impustore"
	"github.com/homestead/hsscache/kvstore"
	"github.com/homestead/hsscache/stats"
)

// Cache is C3, wiring one impustore.Store per replica (local + geo-redundant
// remotes) behind read/write operations that act on whole IRS handles.
type Cache struct {
	kv       *kvstore.Client
	replicas []*impustore.Store
	cfg      Config
	logger   core.Logger
	recorder *stats.Recorder
}

// NewCache builds a Cache over kv's replica set. logger and recorder may be
// nil.
func NewCache(kv *kvstore.Client, cfg Config, logger core.Logger, recorder *stats.Recorder) *Cache {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("cache/irscache")
	}
	raw := kv.Replicas()
	replicas := make([]*impustore.Store, 0, len(raw))
	for _, r := range raw {
		replicas = append(replicas, impustore.New(r, logger))
	}
	return &Cache{kv: kv, replicas: replicas, cfg: cfg, logger: logger, recorder: recorder}
}

func (c *Cache) recordLatency(ctx context.Context, op string, start time.Time) {
	if c.recorder != nil {
		c.recorder.CacheLatencyUs(ctx, op, float64(time.Since(start).Microseconds()))
	}
}

// getImpuGR performs a GR read of the raw record at key across replicas in
// order, returning the decoded Default or Associated record along with the
// index of the replica it was found on.
func (c *Cache) getImpuGR(ctx context.Context, key string) (*impustore.DefaultImpu, *impustore.AssociatedImpu, int, error) {
	var lastErr error
	for idx, replica := range c.replicas {
		def, assoc, err := replica.GetImpu(ctx, key)
		if err != nil {
			if core.IsNotFound(err) {
				continue
			}
			lastErr = err
			c.logger.WarnWithContext(ctx, "replica read failed during GR read", map[string]interface{}{
				"key": key, "replica": idx, "error": err.Error(),
			})
			continue
		}
		return def, assoc, idx, nil
	}
	if lastErr != nil {
		return nil, nil, 0, lastErr
	}
	return nil, nil, 0, core.NewError("irscache.getImpuGR", core.NotFound, key, core.ErrNotFound)
}

// GetIrsForImpu implements spec §4.3.1's get_irs_for_impu.
func (c *Cache) GetIrsForImpu(ctx context.Context, impu string) (*Handle, error) {
	start := time.Now()
	defer c.recordLatency(ctx, "get_irs_for_impu", start)

	def, assoc, idx, err := c.getImpuGR(ctx, impu)
	if err != nil {
		return nil, err
	}
	if def != nil {
		return fromDefaultImpu(def, idx), nil
	}

	// assoc != nil: one-hop dereference within the replica we found the
	// pointer on, then validate the back-pointer (spec §4.3.1 steps 2-3).
	resolved, resolvedAssoc, err := c.replicas[idx].GetImpu(ctx, assoc.DefaultImpu)
	if err != nil {
		if core.IsNotFound(err) {
			return nil, core.NewError("irscache.GetIrsForImpu", core.NotFound, impu, core.ErrNotFound)
		}
		return nil, err
	}
	if resolvedAssoc != nil || resolved == nil {
		// Pointer-to-pointer, or otherwise malformed: never surface a
		// partial IRS.
		return nil, core.NewError("irscache.GetIrsForImpu", core.NotFound, impu, core.ErrNotFound)
	}
	if !containsString(resolved.AssociatedImpus, impu) {
		// Broken back-pointer (spec scenario S5): the default record no
		// longer lists us. Return NOT_FOUND, never a partial IRS.
		return nil, core.NewError("irscache.GetIrsForImpu", core.NotFound, impu, core.ErrNotFound)
	}
	return fromDefaultImpu(resolved, idx), nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// GetIrsForImpis implements spec §4.3.1's get_irs_for_impis: GR-read each
// IMPI's mapping, then resolve every default IMPU it names. Per spec §9's
// resolution of the accumulating-vs-first-OK ambiguity, this accumulates
// every successful resolution rather than stopping at the first; failures
// on individual IMPIs (or individual default IMPUs within a mapping) are
// logged and skipped, never aborting the batch.
func (c *Cache) GetIrsForImpis(ctx context.Context, impis []string) []*Handle {
	start := time.Now()
	defer c.recordLatency(ctx, "get_irs_for_impis", start)

	seen := make(map[string]struct{})
	var handles []*Handle
	for _, impi := range impis {
		mapping, _, idx, err := c.getMappingGR(ctx, impi)
		if err != nil {
			c.logger.WarnWithContext(ctx, "impi mapping read failed", map[string]interface{}{"impi": impi, "error": err.Error()})
			continue
		}
		_ = idx
		for _, defaultImpu := range mapping.DefaultImpus {
			if _, dup := seen[defaultImpu]; dup {
				continue
			}
			h, err := c.GetIrsForImpu(ctx, defaultImpu)
			if err != nil {
				c.logger.WarnWithContext(ctx, "default impu resolution failed", map[string]interface{}{"impu": defaultImpu, "error": err.Error()})
				continue
			}
			seen[defaultImpu] = struct{}{}
			handles = append(handles, h)
		}
	}
	return handles
}

// GetIrsForImpus is the IMPU-keyed analog of GetIrsForImpis: resolve a batch
// of IMPUs, accumulating every success and skipping failures individually
// (the same accumulating semantics, per spec §9).
func (c *Cache) GetIrsForImpus(ctx context.Context, impus []string) []*Handle {
	start := time.Now()
	defer c.recordLatency(ctx, "get_irs_for_impus", start)

	seen := make(map[string]struct{})
	var handles []*Handle
	for _, impu := range impus {
		h, err := c.GetIrsForImpu(ctx, impu)
		if err != nil {
			c.logger.WarnWithContext(ctx, "impu resolution failed", map[string]interface{}{"impu": impu, "error": err.Error()})
			continue
		}
		if _, dup := seen[h.DefaultImpu]; dup {
			continue
		}
		seen[h.DefaultImpu] = struct{}{}
		handles = append(handles, h)
	}
	return handles
}

func (c *Cache) getMappingGR(ctx context.Context, impi string) (*impustore.ImpiMapping, int64, int, error) {
	var lastErr error
	for idx, replica := range c.replicas {
		m, err := replica.GetImpiMapping(ctx, impi)
		if err != nil {
			if core.IsNotFound(err) {
				continue
			}
			lastErr = err
			continue
		}
		return m, m.Cas, idx, nil
	}
	if lastErr != nil {
		return nil, 0, 0, lastErr
	}
	return nil, 0, 0, core.NewError("irscache.getMappingGR", core.NotFound, impi, core.ErrNotFound)
}

// Put implements spec §4.3.2: iterate every replica (local first), running
// Phase A/B/C on each. Local-replica Phase A failure is fatal and surfaced;
// remote-replica failures are logged and best-effort (spec §4.3.4).
func (c *Cache) Put(ctx context.Context, h *Handle) error {
	start := time.Now()
	defer c.recordLatency(ctx, "put_irs", start)

	if h.DefaultImpu == "" {
		return core.NewError("irscache.Put", core.InvalidRequest, "", core.ErrInvalidRequest)
	}

	for idx := range c.replicas {
		if err := c.putPhaseA(ctx, h, idx); err != nil {
			if idx == 0 {
				return fmt.Errorf("irscache.Put: local replica: %w", err)
			}
			c.logger.WarnWithContext(ctx, "remote phase A failed, will self-heal on next read", map[string]interface{}{
				"impu": h.DefaultImpu, "replica": idx, "error": err.Error(),
			})
			continue
		}
		c.putPhaseB(ctx, h, idx)
		c.putPhaseC(ctx, h, idx)
	}

	h.resetAfterPut()
	return nil
}

// Delete implements spec §4.3.3: a put with every associated IMPU and IMPI
// marked Deleted and refreshed forced true.
func (c *Cache) Delete(ctx context.Context, h *Handle) error {
	h.markAllDeleted()
	h.Refreshed = true
	h.Tombstone = true
	return c.Put(ctx, h)
}

// DeleteAll deletes several registration sets in one call, grounded on the
// original cache's delete_implicit_registration_sets: used for an RTR that
// names more than one IRS to tear down at once. Each handle is deleted
// independently; one failing does not stop the rest, since a partially
// successful RTR should still clear whatever it could.
func (c *Cache) DeleteAll(ctx context.Context, handles []*Handle) error {
	var firstErr error
	for _, h := range handles {
		if err := c.Delete(ctx, h); err != nil {
			c.logger.WarnWithContext(ctx, "batch irs delete failed for one registration set", map[string]interface{}{
				"impu": h.DefaultImpu, "error": err.Error(),
			})
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// putPhaseA drives the Default-IMPU record loop on one replica, per
// spec §4.3.2 Phase A.
func (c *Cache) putPhaseA(ctx context.Context, h *Handle, idx int) error {
	store := c.replicas[idx]
	maxRetries := c.cfg.maxRetries()

	for attempt := 0; attempt < maxRetries; attempt++ {
		if h.Tombstone {
			def, _, err := store.GetImpu(ctx, h.DefaultImpu)
			if err == nil && def != nil {
				err = store.DeleteImpu(ctx, h.DefaultImpu, def.Cas)
			}
			if errors.Is(err, core.ErrDataContention) {
				continue
			}
			if err != nil && !core.IsNotFound(err) {
				return err
			}
			return nil
		}
		if h.Existing {
			if cas, ok := h.replicaCas[idx]; ok {
				record := h.toDefaultRecord(cas)
				record.AssociatedImpus = h.resolveAssociatedImpus(nil)
				record.Impis = h.resolveImpis(nil)
				err := store.SetImpu(ctx, record)
				if err == nil {
					return nil
				}
				delete(h.replicaCas, idx)
				if errors.Is(err, core.ErrDataContention) {
					continue
				}
				return err
			}
		}

		def, assoc, err := store.GetImpu(ctx, h.DefaultImpu)
		absent := err != nil && core.IsNotFound(err)
		if err != nil && !absent {
			return err
		}

		switch {
		case absent:
			if h.Tombstone {
				return nil
			}
			record := h.toDefaultRecord(0)
			record.AssociatedImpus = h.resolveAssociatedImpus(nil)
			record.Impis = h.resolveImpis(nil)
			err := store.AddImpu(ctx, record)
			if err == nil {
				return nil
			}
			if errors.Is(err, core.ErrDataContention) {
				continue
			}
			return err

		case def != nil:
			record := h.toDefaultRecord(def.Cas)
			record.AssociatedImpus = h.resolveAssociatedImpus(def.AssociatedImpus)
			record.Impis = h.resolveImpis(def.Impis)
			err := store.SetImpu(ctx, record)
			if err == nil {
				return nil
			}
			if errors.Is(err, core.ErrDataContention) {
				continue
			}
			return err

		case assoc != nil:
			if !h.Refreshed {
				return core.NewError("irscache.putPhaseA", core.Forbidden, h.DefaultImpu,
					fmt.Errorf("key holds an associated-impu pointer"))
			}
			record := h.toDefaultRecord(assoc.Cas)
			record.AssociatedImpus = h.resolveAssociatedImpus(nil)
			record.Impis = h.resolveImpis(nil)
			err := store.SetImpu(ctx, record)
			if err == nil {
				return nil
			}
			if errors.Is(err, core.ErrDataContention) {
				continue
			}
			return err
		}
	}
	return core.NewError("irscache.putPhaseA", core.Unknown, h.DefaultImpu, core.ErrMaxRetriesExceeded)
}

// putPhaseB drives the Associated-IMPU pointer updates on one replica.
// Failures are logged, never rolled back or surfaced: Phase A is
// authoritative and a subsequent read self-heals (spec §4.3.2 Phase B).
func (c *Cache) putPhaseB(ctx context.Context, h *Handle, idx int) {
	store := c.replicas[idx]
	for impu, state := range h.AssociatedImpus {
		switch {
		case state == Added || (state == Unchanged && h.Refreshed):
			err := store.SetImpuWithoutCas(ctx, &impustore.AssociatedImpu{
				Impu: impu, DefaultImpu: h.DefaultImpu, Expiry: h.Expiry,
			})
			if err != nil {
				c.logger.WarnWithContext(ctx, "phase B pointer set failed", map[string]interface{}{
					"impu": impu, "replica": idx, "error": err.Error(),
				})
			}

		case state == Deleted:
			def, assoc, err := store.GetImpu(ctx, impu)
			if err != nil {
				if !core.IsNotFound(err) {
					c.logger.WarnWithContext(ctx, "phase B pointer read failed", map[string]interface{}{
						"impu": impu, "replica": idx, "error": err.Error(),
					})
				}
				continue
			}
			if def != nil || assoc == nil || assoc.DefaultImpu != h.DefaultImpu {
				continue
			}
			if err := store.DeleteImpu(ctx, impu, assoc.Cas); err != nil {
				c.logger.WarnWithContext(ctx, "phase B pointer delete failed", map[string]interface{}{
					"impu": impu, "replica": idx, "error": err.Error(),
				})
			}
		}
	}
}

// putPhaseC drives the IMPI mapping updates on one replica, per
// spec §4.3.2 Phase C.
func (c *Cache) putPhaseC(ctx context.Context, h *Handle, idx int) {
	store := c.replicas[idx]
	maxRetries := c.cfg.maxRetries()

	for impi, state := range h.Impis {
		switch state {
		case Deleted:
			for attempt := 0; attempt < maxRetries; attempt++ {
				m, err := store.GetImpiMapping(ctx, impi)
				if err != nil {
					if !core.IsNotFound(err) {
						c.logger.WarnWithContext(ctx, "phase C mapping read failed", map[string]interface{}{"impi": impi, "error": err.Error()})
					}
					break
				}
				m.DefaultImpus = removeString(m.DefaultImpus, h.DefaultImpu)
				var werr error
				if len(m.DefaultImpus) == 0 {
					werr = store.DeleteImpiMapping(ctx, impi, m.Cas)
				} else {
					werr = store.SetImpiMapping(ctx, m)
				}
				if werr == nil {
					break
				}
				if !errors.Is(werr, core.ErrDataContention) {
					c.logger.WarnWithContext(ctx, "phase C mapping write failed", map[string]interface{}{"impi": impi, "error": werr.Error()})
					break
				}
			}

		case Unchanged:
			if !h.Refreshed {
				continue
			}
			for attempt := 0; attempt < maxRetries; attempt++ {
				m, err := store.GetImpiMapping(ctx, impi)
				if err != nil {
					if core.IsNotFound(err) {
						// Heal I3: the mapping should exist but doesn't.
						addErr := store.AddImpiMapping(ctx, &impustore.ImpiMapping{
							Impi: impi, DefaultImpus: []string{h.DefaultImpu}, Expiry: h.Expiry,
						})
						if addErr != nil && !errors.Is(addErr, core.ErrDataContention) {
							c.logger.WarnWithContext(ctx, "phase C mapping heal failed", map[string]interface{}{"impi": impi, "error": addErr.Error()})
						}
						break
					}
					c.logger.WarnWithContext(ctx, "phase C mapping read failed", map[string]interface{}{"impi": impi, "error": err.Error()})
					break
				}
				m.Expiry = h.Expiry
				if !containsString(m.DefaultImpus, h.DefaultImpu) {
					m.DefaultImpus = append(m.DefaultImpus, h.DefaultImpu)
				}
				werr := store.SetImpiMapping(ctx, m)
				if werr == nil {
					break
				}
				if !errors.Is(werr, core.ErrDataContention) {
					c.logger.WarnWithContext(ctx, "phase C mapping write failed", map[string]interface{}{"impi": impi, "error": werr.Error()})
					break
				}
			}

		case Added:
			err := store.AddImpiMapping(ctx, &impustore.ImpiMapping{
				Impi: impi, DefaultImpus: []string{h.DefaultImpu}, Expiry: h.Expiry,
			})
			if err == nil {
				continue
			}
			if !errors.Is(err, core.ErrDataContention) {
				c.logger.WarnWithContext(ctx, "phase C mapping add failed", map[string]interface{}{"impi": impi, "error": err.Error()})
				continue
			}
			for attempt := 0; attempt < maxRetries; attempt++ {
				m, err := store.GetImpiMapping(ctx, impi)
				if err != nil {
					c.logger.WarnWithContext(ctx, "phase C mapping read failed", map[string]interface{}{"impi": impi, "error": err.Error()})
					break
				}
				if !containsString(m.DefaultImpus, h.DefaultImpu) {
					m.DefaultImpus = append(m.DefaultImpus, h.DefaultImpu)
				}
				m.Expiry = h.Expiry
				werr := store.SetImpiMapping(ctx, m)
				if werr == nil {
					break
				}
				if !errors.Is(werr, core.ErrDataContention) {
					c.logger.WarnWithContext(ctx, "phase C mapping write failed", map[string]interface{}{"impi": impi, "error": werr.Error()})
					break
				}
			}
		}
	}
}

func removeString(list []string, s string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
