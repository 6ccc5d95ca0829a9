package metadata

// Header keys carried by every relay message.
const (
	// KeyMessageID mirrors the Watermill message UUID so it survives transports
	// that rewrite message ids.
	KeyMessageID = "message_id"
	// KeyCorrelationID ties a response back to the request that produced it.
	KeyCorrelationID = "correlation_id"
	// KeyClientID duplicates the envelope client id for log and broker-side routing.
	KeyClientID = "client_id"
	// KeyKind is "request" or "response".
	KeyKind = "relay_kind"
)

const (
	KindRequest  = "request"
	KindResponse = "response"
)

// Metadata represents the headers carried alongside an envelope.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// CorrelationID returns the correlation header or "".
func (m Metadata) CorrelationID() string { return m[KeyCorrelationID] }

// ClientID returns the client header or "".
func (m Metadata) ClientID() string { return m[KeyClientID] }

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
