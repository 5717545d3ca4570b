package main

import "strings"

const (
	eventConnected    = "connected"
	eventEntryCreated = "entry.created"
	eventEntryUpdated = "entry.updated"
	eventEntryDeleted = "entry.deleted"
)

// envelope is the message unit fanned out to stream subscribers. Envelopes
// are immutable once constructed.
type envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// entryTombstone is the payload for deletions: just enough for a client to
// drop the entry from its view.
type entryTombstone struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

func connectedEvent() envelope {
	return envelope{Type: eventConnected}
}

func entryCreatedEvent(e entryDTO) envelope {
	return envelope{Type: eventEntryCreated, Payload: e}
}

func entryUpdatedEvent(e entryDTO) envelope {
	return envelope{Type: eventEntryUpdated, Payload: e}
}

func entryDeletedEvent(id, entryType string) envelope {
	return envelope{Type: eventEntryDeleted, Payload: entryTombstone{
		ID:   id,
		Type: strings.ToLower(entryType),
	}}
}
