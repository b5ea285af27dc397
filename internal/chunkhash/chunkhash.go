// Package chunkhash provides the named digest functions used to fingerprint
// chunks. A digest is the lowercase hex encoding of the hash sum.
package chunkhash

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/xxh3"
	"golang.org/x/crypto/blake2b"
)

// Default is the algorithm used when none is configured.
const Default = "sha512"

// Func computes the digest of a chunk. It must be safe for concurrent use.
type Func func(data []byte) string

var algorithms = map[string]Func{
	"sha512": func(b []byte) string {
		sum := sha512.Sum512(b)
		return hex.EncodeToString(sum[:])
	},
	"sha256": func(b []byte) string {
		sum := sha256.Sum256(b)
		return hex.EncodeToString(sum[:])
	},
	"sha1": func(b []byte) string {
		sum := sha1.Sum(b)
		return hex.EncodeToString(sum[:])
	},
	"blake2b-256": func(b []byte) string {
		sum := blake2b.Sum256(b)
		return hex.EncodeToString(sum[:])
	},
	"blake2b-512": func(b []byte) string {
		sum := blake2b.Sum512(b)
		return hex.EncodeToString(sum[:])
	},
	"xxh64": func(b []byte) string {
		return hex64(xxhash.Sum64(b))
	},
	"xxh3": func(b []byte) string {
		return hex64(xxh3.Hash(b))
	},
}

func hex64(v uint64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return hex.EncodeToString(buf[:])
}

// Lookup returns the digest function registered under name.
func Lookup(name string) (Func, error) {
	fn, ok := algorithms[name]
	if !ok {
		return nil, fmt.Errorf("unknown hash function %q: must be one of %v", name, Names())
	}
	return fn, nil
}

// Names lists the available algorithms in sorted order.
func Names() []string {
	names := make([]string, 0, len(algorithms))
	for n := range algorithms {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
