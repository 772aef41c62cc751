package kurrentdb

import (
	"github.com/google/uuid"
	"github.com/serbia-gov/messagelog/internal/shared/types"
)

// eventID derives a stable event id so a republished event is deduplicated
// by the server.
func eventID(eventType, key string) uuid.UUID {
	id, err := uuid.Parse(types.NewDeterministicID(eventType, key).String())
	if err != nil {
		return uuid.New()
	}
	return id
}
