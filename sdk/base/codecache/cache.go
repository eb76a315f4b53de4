// Package codecache is the content addressed store of behavior code. It
// answers which candidate hashes are not resident and accepts bulk uploads of
// the missing ones, so a given hash is transferred at most once per stage.
package codecache

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/gaspardpetit/stagebridge/core/logx"
	"github.com/gaspardpetit/stagebridge/sdk/api/bridge"
	"github.com/gaspardpetit/stagebridge/sdk/base/metrics"
)

// Cache fronts a Store with the get/send code entry protocol.
type Cache struct {
	store Store
}

// New returns a Cache over store; a nil store uses a MemoryStore.
func New(store Store) *Cache {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Cache{store: store}
}

// Missing returns, sorted, the names whose hash is not resident.
func (c *Cache) Missing(ctx context.Context, candidates map[string]string) ([]string, error) {
	hashes := make([]string, 0, len(candidates))
	for _, h := range candidates {
		hashes = append(hashes, h)
	}
	have, err := c.store.Has(ctx, hashes)
	if err != nil {
		return nil, err
	}
	missing := []string{}
	for name, h := range candidates {
		metrics.RecordCodeLookup(have[h])
		if !have[h] {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing, nil
}

// Put stores every entry of the bundle under the hash of its content and
// returns how many were new. A declared hash that does not match the content,
// or a hash already bound to different bytes, is a protocol violation; the
// bundle is validated before anything is written.
func (c *Cache) Put(ctx context.Context, entries []bridge.CodeEntry) (int, error) {
	norm := make([]bridge.CodeEntry, 0, len(entries))
	for _, e := range entries {
		if e.Name == "" {
			return 0, fmt.Errorf("%w: code entry without a name", bridge.ErrProtocolViolation)
		}
		h := bridge.HashCode(e.Code)
		if e.Hash != "" && e.Hash != h {
			return 0, fmt.Errorf("%w: %s declared %s but content hashes to %s", bridge.ErrProtocolViolation, e.Name, e.Hash, h)
		}
		norm = append(norm, bridge.CodeEntry{Name: e.Name, Hash: h, Code: e.Code})
	}
	stored := 0
	for _, e := range norm {
		cur, ok, err := c.store.PutIfAbsent(ctx, e)
		if err != nil {
			return stored, err
		}
		if !ok {
			if !bytes.Equal(cur.Code, e.Code) {
				logx.Log.Error().Str("hash", e.Hash).Str("name", e.Name).Msg("code hash collision")
				return stored, fmt.Errorf("%w: %s", bridge.ErrHashMismatch, e.Hash)
			}
			continue
		}
		stored++
		metrics.AddCodeStored(len(e.Code))
		logx.Log.Info().Str("hash", e.Hash).Str("name", e.Name).Int("bytes", len(e.Code)).Msg("code stored")
	}
	return stored, nil
}

// Resolve returns the resident entry for hash or ErrCodeResolution.
func (c *Cache) Resolve(ctx context.Context, hash string) (bridge.CodeEntry, error) {
	e, ok, err := c.store.Get(ctx, hash)
	if err != nil {
		return bridge.CodeEntry{}, fmt.Errorf("%w: %s: %v", bridge.ErrCodeResolution, hash, err)
	}
	if !ok {
		return bridge.CodeEntry{}, fmt.Errorf("%w: %s is not resident", bridge.ErrCodeResolution, hash)
	}
	return e, nil
}
