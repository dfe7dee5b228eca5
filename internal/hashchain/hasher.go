// Package hashchain computes the fixed-width digests that link ledger events.
//
// The default Rolling hasher is an integrity checksum for tamper evidence on a
// single device. It is not a cryptographic primitive and must not be presented
// as one.
package hashchain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/fieldcrew/rigshift/internal/domain"
)

// DigestLen is the width of every digest in hex characters.
const DigestLen = 64

// CodeLen is the width of the operator-visible verification code.
const CodeLen = 8

// Genesis is the previous digest of the first event in a ledger.
var Genesis = strings.Repeat("0", DigestLen)

// Hasher produces a digest from canonical content chained to the previous digest.
type Hasher interface {
	Name() string
	Digest(content, previousDigest string) string
}

// Rolling folds each code point into a 32-bit accumulator:
// acc = (acc << 5) - acc + cp, wrapping in int32.
type Rolling struct{}

// Name returns the algorithm name used in configuration.
func (Rolling) Name() string { return "rolling" }

// Digest folds content then previousDigest and renders the accumulator as
// two's-complement hex left-padded to DigestLen.
func (Rolling) Digest(content, previousDigest string) string {
	var acc int32
	for _, r := range content {
		acc = (acc << 5) - acc + int32(r)
	}
	for _, r := range previousDigest {
		acc = (acc << 5) - acc + int32(r)
	}
	return pad(fmt.Sprintf("%x", uint32(acc)))
}

// SHA256 is the drop-in cryptographic digest. The 0x00 separator keeps the
// content/previous boundary unambiguous.
type SHA256 struct{}

// Name returns the algorithm name used in configuration.
func (SHA256) Name() string { return "sha256" }

// Digest returns hex(SHA-256(content || 0x00 || previousDigest)).
func (SHA256) Digest(content, previousDigest string) string {
	h := sha256.New()
	h.Write([]byte(content))
	h.Write([]byte{0x00})
	h.Write([]byte(previousDigest))
	return hex.EncodeToString(h.Sum(nil))
}

// ByName resolves a configured algorithm name. Empty selects Rolling.
func ByName(name string) (Hasher, error) {
	switch name {
	case "", "rolling":
		return Rolling{}, nil
	case "sha256":
		return SHA256{}, nil
	default:
		return nil, domain.NewEngineError(domain.ErrConfigInvalid.Code,
			fmt.Sprintf("unknown hash algorithm %q", name))
	}
}

// VerificationCode returns the first CodeLen characters of digest, upper-cased.
// It returns "" for a digest shorter than CodeLen.
func VerificationCode(digest string) string {
	if len(digest) < CodeLen {
		return ""
	}
	return strings.ToUpper(digest[:CodeLen])
}

func pad(h string) string {
	if len(h) >= DigestLen {
		return h[len(h)-DigestLen:]
	}
	return strings.Repeat("0", DigestLen-len(h)) + h
}
