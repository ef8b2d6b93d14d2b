package extensions

import "sync"

// Bag is the per-request sink lifecycle hooks and governors write
// response metadata into. It is created empty when a request starts,
// read once at response assembly, then discarded; it is never shared
// across requests.
type Bag struct {
	mu      sync.Mutex
	entries map[string]any
}

func NewBag() *Bag {
	return &Bag{entries: make(map[string]any)}
}

// Set stores value under key, replacing any previous value.
func (b *Bag) Set(key string, value any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[key] = value
}

// Merge combines value into the existing entry: when both are maps the
// merge recurses, otherwise the new value replaces the old one.
func (b *Bag) Merge(key string, value any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	old, ok := b.entries[key].(map[string]any)
	next, nok := value.(map[string]any)
	if !ok || !nok {
		b.entries[key] = value
		return
	}
	b.entries[key] = mergeMaps(old, next)
}

// MergeAll merges every entry of values into the bag.
func (b *Bag) MergeAll(values map[string]any) {
	for k, v := range values {
		b.Merge(k, v)
	}
}

// Len returns the number of top-level entries.
func (b *Bag) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Snapshot returns a copy of the accumulated entries.
func (b *Bag) Snapshot() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]any, len(b.entries))
	for k, v := range b.entries {
		out[k] = v
	}
	return out
}

// mergeMaps returns a fresh map so neither input is mutated in place.
func mergeMaps(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		if dm, ok := out[k].(map[string]any); ok {
			if sm, ok := v.(map[string]any); ok {
				out[k] = mergeMaps(dm, sm)
				continue
			}
		}
		out[k] = v
	}
	return out
}
