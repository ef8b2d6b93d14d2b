package events

// PersistedHit is emitted when a hash-first request finds its text.
type PersistedHit struct {
	Hash string
}

// PersistedMiss is emitted when a hash has no stored text.
type PersistedMiss struct {
	Hash string
}

// PersistedRegistered is emitted when a query text is stored.
type PersistedRegistered struct {
	Hash string
	Size int
}

// PersistedRejected is emitted when the protocol refuses a request;
// Code is the machine-readable error code sent to the client.
type PersistedRejected struct {
	Hash string
	Code string
}
