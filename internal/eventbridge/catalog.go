package eventbridge

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// CatalogEntry describes one well-known domain event type: what it means,
// the payload shape callers are expected to send, and a generator that
// fabricates a realistic payload for "send event by type only" requests.
type CatalogEntry struct {
	EventType   string
	Description string
	// Schema maps payload field names to a human-readable type hint.
	Schema map[string]string
	// Generate fabricates a plausible payload for this event type.
	Generate func() map[string]any
}

// Catalog is the registry of well-known domain event types.
type Catalog struct {
	entries map[string]CatalogEntry
}

// NewCatalog builds the default domain event catalog.
func NewCatalog() *Catalog {
	c := &Catalog{entries: map[string]CatalogEntry{}}
	for _, e := range defaultEntries() {
		c.entries[e.EventType] = e
	}
	return c
}

// Register adds or replaces a catalog entry.
func (c *Catalog) Register(e CatalogEntry) {
	c.entries[e.EventType] = e
}

// Lookup returns the entry for eventType, if known.
func (c *Catalog) Lookup(eventType string) (CatalogEntry, bool) {
	e, ok := c.entries[eventType]
	return e, ok
}

// Known returns every registered event type, sorted for stable listings.
func (c *Catalog) Known() []string {
	out := make([]string, 0, len(c.entries))
	for t := range c.entries {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// PayloadFor returns a payload for eventType: the caller's payload when
// non-nil, otherwise a generated one for known types, otherwise an empty
// map.
func (c *Catalog) PayloadFor(eventType string, payload map[string]any) map[string]any {
	if payload != nil {
		return payload
	}
	if e, ok := c.entries[eventType]; ok && e.Generate != nil {
		return e.Generate()
	}
	return map[string]any{}
}

func defaultEntries() []CatalogEntry {
	return []CatalogEntry{
		{
			EventType:   "BackgroundCheckCompleted",
			Description: "A background screening for the subject has finished.",
			Schema:      map[string]string{"passed": "bool", "provider": "string", "referenceId": "string"},
			Generate: func() map[string]any {
				return map[string]any{"passed": true, "provider": "acme-screening", "referenceId": uuid.NewString()}
			},
		},
		{
			EventType:   "OfferSigned",
			Description: "The candidate or counterparty signed the offer document.",
			Schema:      map[string]string{"documentId": "string", "signedAt": "timestamp"},
			Generate: func() map[string]any {
				return map[string]any{"documentId": uuid.NewString(), "signedAt": time.Now().Format(time.RFC3339)}
			},
		},
		{
			EventType:   "DocumentUploaded",
			Description: "A required document was uploaded to the case file.",
			Schema:      map[string]string{"documentId": "string", "documentType": "string", "sizeBytes": "int"},
			Generate: func() map[string]any {
				return map[string]any{"documentId": uuid.NewString(), "documentType": "IDENTITY_PROOF", "sizeBytes": 482133}
			},
		},
		{
			EventType:   "PaymentReceived",
			Description: "An expected payment cleared.",
			Schema:      map[string]string{"amount": "number", "currency": "string", "reference": "string"},
			Generate: func() map[string]any {
				return map[string]any{"amount": 1250.00, "currency": "EUR", "reference": uuid.NewString()}
			},
		},
		{
			EventType:   "ApprovalGranted",
			Description: "A reviewer approved the pending decision.",
			Schema:      map[string]string{"approver": "string", "level": "string"},
			Generate: func() map[string]any {
				return map[string]any{"approver": "reviewer@example.com", "level": "L2"}
			},
		},
		{
			EventType:   "SLABreached",
			Description: "A service-level deadline on the instance elapsed without resolution.",
			Schema:      map[string]string{"obligation": "string", "dueAt": "timestamp"},
			Generate: func() map[string]any {
				return map[string]any{"obligation": "RESPONSE_TIME", "dueAt": time.Now().Format(time.RFC3339)}
			},
		},
	}
}
