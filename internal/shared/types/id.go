package types

import (
	"database/sql/driver"
	"fmt"

	"github.com/google/uuid"
)

// namespace roots every deterministic id of the message log.
var namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:messagelog"))

// ID is a UUID in its canonical string form. Archive units and published
// events are identified by it.
type ID string

// NewID generates a new random ID
func NewID() ID {
	return ID(uuid.New().String())
}

// NewDeterministicID derives a version 5 UUID from kind and name, so the
// same pair always yields the same ID.
func NewDeterministicID(kind, name string) ID {
	return ID(uuid.NewSHA1(namespace, []byte(kind+":"+name)).String())
}

// ParseID validates s as a UUID.
func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid ID: %w", err)
	}
	return ID(u.String()), nil
}

func (id ID) String() string {
	return string(id)
}

func (id ID) IsZero() bool {
	return id == ""
}

// Short returns the first eight characters, used in archive file names.
func (id ID) Short() string {
	if len(id) < 8 {
		return string(id)
	}
	return string(id[:8])
}

// Value stores the zero ID as NULL.
func (id ID) Value() (driver.Value, error) {
	if id.IsZero() {
		return nil, nil
	}
	return string(id), nil
}

// Scan implements sql.Scanner.
func (id *ID) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*id = ""
	case string:
		*id = ID(v)
	case []byte:
		*id = ID(string(v))
	default:
		return fmt.Errorf("cannot scan %T into ID", value)
	}
	return nil
}
