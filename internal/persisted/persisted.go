package persisted

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	eventbus "github.com/graphgate/graphgate/internal/eventbus"
	events "github.com/graphgate/graphgate/internal/events"
	graphql "github.com/graphgate/graphgate/internal/graphql"
)

// SupportedVersion is the only persistedQuery protocol version served.
const SupportedVersion = 1

// Hash returns the hex-encoded sha256 of the query text, the key format
// the protocol exchanges.
func Hash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

type Options struct {
	// ValidateHashes recomputes the hash of newly registered text and
	// rejects registrations whose claimed hash disagrees.
	ValidateHashes bool

	// AllowRegistration permits storing unknown queries through the
	// protocol. Disabled for safelist deployments, where only
	// pre-loaded queries may run.
	AllowRegistration bool
}

type Option func(*Options)

func WithoutHashValidation() Option { return func(o *Options) { o.ValidateHashes = false } }
func WithoutRegistration() Option   { return func(o *Options) { o.AllowRegistration = false } }

// Handler implements the hash-first request protocol on top of a Store.
type Handler struct {
	store Store
	opt   Options
}

func NewHandler(store Store, opts ...Option) *Handler {
	o := Options{ValidateHashes: true, AllowRegistration: true}
	for _, f := range opts {
		f(&o)
	}
	return &Handler{store: store, opt: o}
}

// Resolve applies the protocol to req. Requests without a
// persistedQuery extension pass through unchanged. Hash hits return a
// copy of the request carrying the stored text. Unknown hashes either
// fail (no text supplied, or registration disabled) or register the
// supplied text and proceed. A non-nil error short-circuits the request
// to a structured response without parse/validate/execute running.
func (h *Handler) Resolve(ctx context.Context, req *graphql.Request) (*graphql.Request, *graphql.Error) {
	ext, ok := persistedExtension(req)
	if !ok {
		return req, nil
	}

	if ext.version != SupportedVersion {
		eventbus.Publish(ctx, events.PersistedRejected{Hash: ext.hash, Code: graphql.CodePersistedQueryVersionNotSupported})
		err := graphql.Errorf(graphql.CodePersistedQueryVersionNotSupported, "PersistedQueryNotSupported")
		err.Extensions["version"] = ext.version
		return nil, err
	}

	if text, ok := h.store.Get(ext.hash); ok {
		eventbus.Publish(ctx, events.PersistedHit{Hash: ext.hash})
		return req.WithQuery(text), nil
	}
	eventbus.Publish(ctx, events.PersistedMiss{Hash: ext.hash})

	if req.Query == "" {
		return nil, graphql.Errorf(graphql.CodePersistedQueryNotFound, "PersistedQueryNotFound")
	}

	if !h.opt.AllowRegistration {
		eventbus.Publish(ctx, events.PersistedRejected{Hash: ext.hash, Code: graphql.CodePersistedQueryNotAllowed})
		return nil, graphql.Errorf(graphql.CodePersistedQueryNotAllowed, "PersistedQueryNotAllowed")
	}

	if h.opt.ValidateHashes {
		if computed := Hash(req.Query); computed != ext.hash {
			eventbus.Publish(ctx, events.PersistedRejected{Hash: ext.hash, Code: graphql.CodePersistedQueryHashMismatch})
			err := graphql.Errorf(graphql.CodePersistedQueryHashMismatch, "provided sha256 hash does not match query")
			err.Extensions["provided"] = ext.hash
			err.Extensions["computed"] = computed
			return nil, err
		}
	}

	h.store.Set(ext.hash, req.Query)
	eventbus.Publish(ctx, events.PersistedRegistered{Hash: ext.hash, Size: len(req.Query)})
	return req, nil
}

type persistedQuery struct {
	version int
	hash    string
}

func persistedExtension(req *graphql.Request) (persistedQuery, bool) {
	if req.Extensions == nil {
		return persistedQuery{}, false
	}
	raw, ok := req.Extensions["persistedQuery"]
	if !ok {
		return persistedQuery{}, false
	}
	fields, ok := raw.(map[string]any)
	if !ok {
		return persistedQuery{}, false
	}
	var pq persistedQuery
	switch v := fields["version"].(type) {
	case int:
		pq.version = v
	case float64:
		pq.version = int(v)
	}
	pq.hash, _ = fields["sha256Hash"].(string)
	return pq, true
}
