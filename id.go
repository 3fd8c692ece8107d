package msgq

import "github.com/xraph/msgq/id"

// ID is the identifier type for msgq entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
