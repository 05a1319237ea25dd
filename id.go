// Document identifier generation and validation.
//
// Two formats are supported, selectable per database or per collection:
// MongoDB-style ids (24 lowercase hex characters from 12 random bytes) and
// UUIDv4. Validation is format-only; it never consults storage.
package docudb

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"

	"github.com/google/uuid"
)

// ID type constants for Config.IDType and CollectionOptions.IDType.
const (
	IDTypeMongo = "mongo"
	IDTypeUUID  = "uuid"
)

var (
	mongoIDPattern = regexp.MustCompile(`^[0-9a-f]{24}$`)
	uuidPattern    = regexp.MustCompile(`(?i)^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
)

// generateID produces a new identifier of the given type. Unknown types
// fall back to the mongo format.
func generateID(idType string) string {
	if idType == IDTypeUUID {
		return uuid.NewString()
	}
	var b [12]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// IsValidMongoID reports whether s is a 24-character lowercase hex id.
func IsValidMongoID(s string) bool {
	return mongoIDPattern.MatchString(s)
}

// IsValidUUID reports whether s is a well-formed UUIDv4: version nibble 4
// and variant nibble in {8, 9, a, b}. Case-insensitive.
func IsValidUUID(s string) bool {
	return uuidPattern.MatchString(s)
}

// isValidID accepts either supported format.
func isValidID(s string) bool {
	return IsValidMongoID(s) || IsValidUUID(s)
}
