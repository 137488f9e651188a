package utils

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// Entity ID prefixes. IDs sort lexicographically by creation time, which the
// repositories rely on for stable pagination.
const (
	PrefixWithdrawal    = "wd"
	PrefixRebalancing   = "rb"
	PrefixCompliance    = "cc"
	PrefixVaultTransfer = "vt"
)

// GenerateID returns "<prefix>_<ULID>".
func GenerateID(prefix string) string {
	id := ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(rand.Reader, 0))
	return prefix + "_" + id.String()
}
