// Package provider defines the event representation that webhook providers
// forward to the poller trigger loop.
package provider

import (
	"fmt"

	"go.uber.org/zap"
)

// Event describes a source-code change that was announced by a hosting
// provider via webhook.
type Event struct {
	JSON     []byte
	Provider string

	// Github hook fields, if the value is not available they are empty
	// strings.
	DeliveryID string
	EventType  string
	Owner      string
	Repository string
	Branch     string
	CommitID   string
}

func (e *Event) String() string {
	return fmt.Sprintf("%s (deliveryID: %s)", e.EventType, e.DeliveryID)
}

func (e *Event) LogFields() []zap.Field {
	fields := make([]zap.Field, 0, 5) // cap == max. size of fields we append

	if e.DeliveryID != "" {
		fields = append(fields, zap.String("github.delivery_id", e.DeliveryID))
	}

	if e.Owner != "" {
		fields = append(fields, zap.String("github.owner", e.Owner))
	}

	if e.Repository != "" {
		fields = append(fields, zap.String("github.repository", e.Repository))
	}

	if e.Branch != "" {
		fields = append(fields, zap.String("github.branch", e.Branch))
	}

	if e.CommitID != "" {
		fields = append(fields, zap.String("github.commit_id", e.CommitID))
	}

	return fields
}
