// PHC codec for Argon2id hashes, e.g. `$argon2id$v=19$m=65536,t=3,p=4$
// <salt>$<hash>`. golang.org/x/crypto/argon2 only exposes the raw
// key-derivation function (IDKey); it does not encode or decode the
// PHC string form, and no package in the retrieval pack does either,
// so this small codec is hand-written over the standard library
// (encoding/base64 + strconv) — see DESIGN.md.
package auth

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Argon2Params are the cost parameters encoded in a PHC string.
type Argon2Params struct {
	Memory  uint32 // KiB
	Time    uint32
	Threads uint8
}

// DefaultArgon2Params match the library defaults used across the
// ecosystem: 64 MiB, 3 iterations, 4 lanes.
var DefaultArgon2Params = Argon2Params{Memory: 64 * 1024, Time: 3, Threads: 4}

// phcHash holds a fully decoded PHC string.
type phcHash struct {
	Params Argon2Params
	Salt   []byte
	Hash   []byte
}

var errMalformedHash = fmt.Errorf("auth: malformed password hash")

// parsePHC parses a `$argon2id$v=19$m=...,t=...,p=...$salt$hash`
// string.
func parsePHC(s string) (*phcHash, error) {
	parts := strings.Split(s, "$")
	// ["", "argon2id", "v=19", "m=...,t=...,p=...", "<salt>", "<hash>"]
	if len(parts) != 6 || parts[0] != "" {
		return nil, errMalformedHash
	}
	if parts[1] != "argon2id" {
		return nil, fmt.Errorf("auth: unsupported hash algorithm %q", parts[1])
	}
	if parts[2] != "v=19" {
		return nil, fmt.Errorf("auth: unsupported hash version %q", parts[2])
	}

	params, err := parseParams(parts[3])
	if err != nil {
		return nil, err
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, fmt.Errorf("%w: bad salt encoding: %v", errMalformedHash, err)
	}

	hash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return nil, fmt.Errorf("%w: bad hash encoding: %v", errMalformedHash, err)
	}

	return &phcHash{Params: params, Salt: salt, Hash: hash}, nil
}

func parseParams(s string) (Argon2Params, error) {
	var params Argon2Params
	for _, kv := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return params, fmt.Errorf("%w: bad parameter %q", errMalformedHash, kv)
		}
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return params, fmt.Errorf("%w: bad parameter value %q", errMalformedHash, kv)
		}
		switch k {
		case "m":
			params.Memory = uint32(n)
		case "t":
			params.Time = uint32(n)
		case "p":
			params.Threads = uint8(n)
		default:
			return params, fmt.Errorf("%w: unknown parameter %q", errMalformedHash, k)
		}
	}
	if params.Memory == 0 || params.Time == 0 || params.Threads == 0 {
		return params, fmt.Errorf("%w: missing parameter in %q", errMalformedHash, s)
	}
	return params, nil
}

// encodePHC renders an Argon2id hash back to its PHC string form.
func encodePHC(h *phcHash) string {
	return fmt.Sprintf("$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		h.Params.Memory, h.Params.Time, h.Params.Threads,
		base64.RawStdEncoding.EncodeToString(h.Salt),
		base64.RawStdEncoding.EncodeToString(h.Hash),
	)
}
