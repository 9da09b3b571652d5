// Package identity provides stable identifiers for credentials.
//
// A credential is referenced from the outside by an accessor (a file path
// for OAuth credentials, a raw key string for API keys). The registry maps
// every accessor to a stable ID that survives file renames and never leaks
// key material:
//
//   - OAuth credentials: the email address found in the credential file
//   - API keys: a truncated SHA-256 hash of the key
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// stableIDHashLen is the number of hex characters kept from the SHA-256
// digest. Short enough to read in logs, long enough to avoid collisions in
// any realistic pool.
const stableIDHashLen = 12

// accessorCacheSize bounds the accessor info cache. OAuth stable-ID lookups
// read a file from disk; the cache keeps that to one read per accessor.
const accessorCacheSize = 1024

// Info describes one registered credential.
type Info struct {
	Accessor    string `json:"-"`
	StableID    string `json:"stable_id"`
	Provider    string `json:"provider"`
	Tier        string `json:"tier,omitempty"`
	Priority    int    `json:"priority"`
	DisplayName string `json:"display_name,omitempty"`
}

// DefaultPriority is assigned to credentials with no configured priority.
const DefaultPriority = 999

// Registry maps credential accessors to stable IDs and back.
//
// Invariant: an accessor maps to exactly one stable ID for its lifetime. A
// stable ID may be rebound to a new accessor (file rename) but never split.
// Safe for concurrent use.
type Registry struct {
	mu           sync.RWMutex
	cache        *lru.Cache[string, *Info]
	idToAccessor map[string]string
	logger       *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	cache, _ := lru.New[string, *Info](accessorCacheSize)
	return &Registry{
		cache:        cache,
		idToAccessor: map[string]string{},
		logger:       logger,
	}
}

// StableID returns the stable ID for an accessor, computing and registering
// it on first use. Repeated calls with the same accessor return the same ID.
func (r *Registry) StableID(accessor, provider string) string {
	r.mu.RLock()
	if info, ok := r.cache.Get(accessor); ok {
		r.mu.RUnlock()
		return info.StableID
	}
	r.mu.RUnlock()

	var stableID string
	if isOAuthPath(accessor) {
		stableID = r.oauthStableID(accessor)
	} else {
		stableID = hashContent(accessor)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another goroutine may have raced us here; keep its registration.
	if info, ok := r.cache.Get(accessor); ok {
		return info.StableID
	}

	r.cache.Add(accessor, &Info{
		Accessor: accessor,
		StableID: stableID,
		Provider: provider,
		Priority: DefaultPriority,
	})
	r.idToAccessor[stableID] = accessor
	return stableID
}

// Lookup returns the registered info for an accessor, registering it first
// if needed.
func (r *Registry) Lookup(accessor, provider string) *Info {
	r.StableID(accessor, provider)
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, _ := r.cache.Get(accessor)
	return info
}

// Accessor returns the current accessor for a stable ID, or "" if unknown.
func (r *Registry) Accessor(stableID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.idToAccessor[stableID]
}

// Rebind points a stable ID at a new accessor. Used when an OAuth credential
// file has been moved or renamed.
func (r *Registry) Rebind(stableID, newAccessor string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.idToAccessor[stableID]; ok {
		if info, found := r.cache.Get(old); found {
			r.cache.Remove(old)
			info.Accessor = newAccessor
			r.cache.Add(newAccessor, info)
		}
	}
	r.idToAccessor[stableID] = newAccessor
}

// SetMetadata updates tier, priority, and display name for an accessor.
// Zero values leave the corresponding field untouched.
func (r *Registry) SetMetadata(accessor, provider, tier string, priority int, displayName string) {
	info := r.Lookup(accessor, provider)
	r.mu.Lock()
	defer r.mu.Unlock()
	if tier != "" {
		info.Tier = tier
	}
	if priority > 0 {
		info.Priority = priority
	}
	if displayName != "" {
		info.DisplayName = displayName
	}
}

// StableIDs returns all registered stable IDs.
func (r *Registry) StableIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.idToAccessor))
	for id := range r.idToAccessor {
		ids = append(ids, id)
	}
	return ids
}

// AccessorIndex returns a copy of the stable-ID -> accessor map for
// persistence.
func (r *Registry) AccessorIndex() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	index := make(map[string]string, len(r.idToAccessor))
	for id, accessor := range r.idToAccessor {
		index[id] = accessor
	}
	return index
}

// LoadAccessorIndex restores the stable-ID -> accessor map from a
// persisted snapshot. Existing registrations win over the snapshot.
func (r *Registry) LoadAccessorIndex(index map[string]string, provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for stableID, accessor := range index {
		if _, exists := r.idToAccessor[stableID]; exists {
			continue
		}
		r.idToAccessor[stableID] = accessor
		r.cache.Add(accessor, &Info{
			Accessor: accessor,
			StableID: stableID,
			Provider: provider,
			Priority: DefaultPriority,
		})
	}
}

// Forget removes an accessor and its stable-ID binding. Called when a
// credential is removed from configuration.
func (r *Registry) Forget(accessor string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.cache.Get(accessor); ok {
		delete(r.idToAccessor, info.StableID)
		r.cache.Remove(accessor)
	}
}

// oauthStableID extracts the email from an OAuth credential file, falling
// back to a content hash and finally a path hash.
func (r *Registry) oauthStableID(accessor string) string {
	data, err := os.ReadFile(accessor)
	if err != nil {
		r.logger.Warn("Failed to read OAuth credential, using path hash",
			"credential", Mask(accessor), "err", err)
		return hashContent(accessor)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		r.logger.Warn("OAuth credential is not valid JSON, using content hash",
			"credential", Mask(accessor))
		return hashContent(string(data))
	}

	if meta, ok := doc["_proxy_metadata"]; ok {
		var m struct {
			Email string `json:"email"`
		}
		if json.Unmarshal(meta, &m) == nil && m.Email != "" {
			return m.Email
		}
	}

	for _, field := range []string{"email", "client_email", "account"} {
		if raw, ok := doc[field]; ok {
			var s string
			if json.Unmarshal(raw, &s) == nil && s != "" {
				return s
			}
		}
	}

	r.logger.Debug("No email found in OAuth credential, using content hash",
		"credential", Mask(accessor))
	return hashContent(string(data))
}

// isOAuthPath reports whether an accessor looks like an OAuth credential
// file rather than a raw API key.
func isOAuthPath(accessor string) bool {
	if strings.HasSuffix(accessor, ".json") {
		return true
	}
	return strings.ContainsAny(accessor, `/\`)
}

func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])[:stableIDHashLen]
}

// String implements fmt.Stringer without exposing accessors.
func (r *Registry) String() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fmt.Sprintf("identity.Registry(%d credentials)", len(r.idToAccessor))
}
