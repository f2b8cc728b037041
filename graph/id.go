package graph

import (
	"database/sql/driver"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// ID identifies nodes, lineages, workspaces and change sets. IDs are ULIDs:
// globally unique, sortable by creation time, and never reused.
type ID ulid.ULID

// NewID returns a fresh ID. It is safe for concurrent use.
func NewID() ID {
	return ID(ulid.Make())
}

// ParseID parses the 26-character Crockford form.
func ParseID(s string) (ID, error) {
	u, err := ulid.ParseStrict(s)
	if err != nil {
		return ID{}, fmt.Errorf("parsing id %q: %w", s, err)
	}
	return ID(u), nil
}

// MustParseID is ParseID for constants and tests.
func MustParseID(s string) ID {
	id, err := ParseID(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (id ID) String() string { return ulid.ULID(id).String() }

func (id ID) IsZero() bool { return id == ID{} }

// Compare orders IDs by creation time, then by entropy.
func (id ID) Compare(other ID) int {
	return ulid.ULID(id).Compare(ulid.ULID(other))
}

func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Value stores the id as TEXT. The zero id is stored as NULL.
func (id ID) Value() (driver.Value, error) {
	if id.IsZero() {
		return nil, nil
	}
	return id.String(), nil
}

func (id *ID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*id = ID{}
		return nil
	case string:
		return id.UnmarshalText([]byte(v))
	case []byte:
		return id.UnmarshalText(v)
	default:
		return fmt.Errorf("id: cannot scan %T", src)
	}
}

func compareIDs(a, b ID) int { return a.Compare(b) }
