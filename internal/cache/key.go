package cache

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"

	"zbridge/pkg/types"
)

// Partitions keep anonymous keys disjoint from every authenticated key
// even if all identity fields happen to be empty.
const (
	partitionAnonymous     = "anonymous"
	partitionAuthenticated = "authenticated"
)

// keyDomain separates cache keys from any other BLAKE3 use in the process.
var keyDomain = [32]byte{
	'z', 'b', 'r', 'i', 'd', 'g', 'e', '.', 'c', 'a', 'c', 'h', 'e', '.',
	'k', 'e', 'y', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// deriveKey hashes the length-prefixed parts. Length prefixes make
// ("ab","c") and ("a","bc") hash differently.
func deriveKey(parts ...string) string {
	hasher, err := blake3.NewKeyed(keyDomain[:])
	if err != nil {
		panic("cache: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	var length [8]byte
	for _, p := range parts {
		binary.BigEndian.PutUint64(length[:], uint64(len(p)))
		hasher.Write(length[:])
		hasher.Write([]byte(p))
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

// canonicalArgs renders arguments deterministically. encoding/json sorts
// map keys at every depth.
func canonicalArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		// fmt also prints maps in key order
		return fmt.Sprintf("!%v", args)
	}
	return string(data)
}

func keyParts(command string, args map[string]any, uc *types.UserContext) []string {
	if uc == nil {
		return []string{partitionAnonymous, "", "", "", "", "", command, canonicalArgs(args)}
	}
	return []string{
		partitionAuthenticated,
		uc.UserID,
		uc.InternalUserID,
		uc.AppName,
		uc.Role,
		uc.AuthContext,
		command,
		canonicalArgs(args),
	}
}
