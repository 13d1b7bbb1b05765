package events

import "time"

// EventType identifies the kind of event being published.
type EventType string

const (
	RepositoryCreated   EventType = "repository.created"
	RepositoryUpdated   EventType = "repository.updated"
	RepositoryDeleted   EventType = "repository.deleted"
	RepositoryCompacted EventType = "repository.compacted"

	// Health transitions observed by a reconciliation run.
	RepositoryDown      EventType = "repository.down"
	RepositoryRecovered EventType = "repository.recovered"

	ReconciliationCompleted EventType = "reconciliation.completed"
)

// Event is the payload published through the bus.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	// OwnerID scopes the event to one user. Nil means every user may see it.
	OwnerID        *int           `json:"ownerId,omitempty"`
	RepositoryID   *int           `json:"repositoryId,omitempty"`
	RepositoryName string         `json:"repositoryName,omitempty"`
	Message        string         `json:"message,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
}

// VisibleTo reports whether userID may receive e.
func (e Event) VisibleTo(userID int) bool {
	return e.OwnerID == nil || *e.OwnerID == userID
}

// ForRepository fills the repository scoping fields of an event.
func ForRepository(t EventType, id, ownerID int, name string) Event {
	return Event{
		Type:           t,
		OwnerID:        &ownerID,
		RepositoryID:   &id,
		RepositoryName: name,
	}
}
