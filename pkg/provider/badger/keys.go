package badger

import (
	"github.com/google/uuid"
)

// Database Key Namespace Design
// ==============================
//
// Resources are identified by random UUIDs so a rename only rewrites one
// child entry, however large the moved subtree is.
//
// Data Type        Prefix   Key Format                  Value Type
// ==================================================================
// Node             "n:"     n:<uuid>                    record (JSON)
// File Content     "d:"     d:<uuid>                    raw bytes
// Children Map     "c:"     c:<parentUUID>:<childName>  childUUID (bytes)
// Root Pointer     "cfg:"   cfg:root                    rootUUID (bytes)
//
// Listing a folder is a prefix scan over "c:<parentUUID>:", which yields
// children sorted by name.

const (
	prefixNode  = "n:"
	prefixData  = "d:"
	prefixChild = "c:"
	keyRoot     = "cfg:root"
)

func keyNode(id uuid.UUID) []byte {
	return []byte(prefixNode + id.String())
}

func keyData(id uuid.UUID) []byte {
	return []byte(prefixData + id.String())
}

func childPrefix(parent uuid.UUID) string {
	return prefixChild + parent.String() + ":"
}

func keyChild(parent uuid.UUID, name string) []byte {
	return []byte(childPrefix(parent) + name)
}
