// Package hashchain builds and replays the append-only digest chain that
// links every logged message signature to the one before it.
//
// For a batch of records with signature digests d[0..n-1] and a seed s:
//
//	step[-1] = s
//	step[i]  = H(step[i-1] || d[i])
//
// The last step is the batch root submitted to the time-stamping authority,
// and it becomes the seed of the next batch.
package hashchain

import (
	"bytes"
	"crypto"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"
	"strings"
)

// Algorithm identifies the digest function used for the chain.
type Algorithm string

const (
	SHA256 Algorithm = "SHA-256"
	SHA384 Algorithm = "SHA-384"
	SHA512 Algorithm = "SHA-512"
)

// DefaultAlgorithm is used when no algorithm is configured.
const DefaultAlgorithm = SHA256

var (
	ErrUnsupportedAlgorithm = errors.New("unsupported digest algorithm")
	ErrEmptyBatch           = errors.New("hash chain batch is empty")
	ErrSeedLength           = errors.New("seed length does not match digest size")
	ErrDigestLength         = errors.New("record digest length does not match digest size")
)

// BrokenLinkError reports the first position at which a replayed chain
// diverges from the stored step hashes.
type BrokenLinkError struct {
	Position int
	Expected []byte
	Actual   []byte
}

func (e *BrokenLinkError) Error() string {
	return fmt.Sprintf("hash chain broken at position %d: expected %x, got %x", e.Position, e.Expected, e.Actual)
}

// ParseAlgorithm accepts the canonical names as well as the common spellings
// without a dash ("sha256").
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "")) {
	case "", "SHA256":
		return SHA256, nil
	case "SHA384":
		return SHA384, nil
	case "SHA512":
		return SHA512, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, s)
}

// Hash returns the crypto.Hash identifier of the algorithm.
func (a Algorithm) Hash() (crypto.Hash, error) {
	switch a {
	case SHA256:
		return crypto.SHA256, nil
	case SHA384:
		return crypto.SHA384, nil
	case SHA512:
		return crypto.SHA512, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, string(a))
}

func (a Algorithm) newHash() (hash.Hash, error) {
	switch a {
	case SHA256:
		return sha256.New(), nil
	case SHA384:
		return sha512.New384(), nil
	case SHA512:
		return sha512.New(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, string(a))
}

// Size returns the digest size in bytes, or 0 for an unknown algorithm.
func (a Algorithm) Size() int {
	h, err := a.Hash()
	if err != nil {
		return 0
	}
	return h.Size()
}

// Digest hashes data with the given algorithm.
func Digest(alg Algorithm, data []byte) ([]byte, error) {
	h, err := alg.newHash()
	if err != nil {
		return nil, err
	}
	h.Write(data)
	return h.Sum(nil), nil
}

// Seed returns the fixed value the very first record of a gateway chains to:
// an all-zero digest of the algorithm's size.
func Seed(alg Algorithm) []byte {
	return make([]byte, alg.Size())
}

// Link computes H(prev || digest).
func Link(alg Algorithm, prev, digest []byte) ([]byte, error) {
	h, err := alg.newHash()
	if err != nil {
		return nil, err
	}
	h.Write(prev)
	h.Write(digest)
	return h.Sum(nil), nil
}

// Result is the outcome of building one batch.
type Result struct {
	Algorithm Algorithm
	Seed      []byte
	Steps     [][]byte
	Root      []byte
}

// Build computes the step hashes for digests in order, starting from seed.
// It is deterministic: building a batch in one call or record by record
// (feeding each root back in as the next seed) yields the same steps.
func Build(alg Algorithm, seed []byte, digests [][]byte) (*Result, error) {
	size := alg.Size()
	if size == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, string(alg))
	}
	if len(digests) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(seed) != size {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrSeedLength, len(seed), size)
	}

	steps := make([][]byte, len(digests))
	prev := seed
	for i, d := range digests {
		if len(d) != size {
			return nil, fmt.Errorf("%w at position %d", ErrDigestLength, i)
		}
		step, err := Link(alg, prev, d)
		if err != nil {
			return nil, err
		}
		steps[i] = step
		prev = step
	}

	return &Result{
		Algorithm: alg,
		Seed:      append([]byte(nil), seed...),
		Steps:     steps,
		Root:      steps[len(steps)-1],
	}, nil
}

// BuildFromSignatures digests each signature and builds the chain over them.
func BuildFromSignatures(alg Algorithm, seed []byte, signatures [][]byte) (*Result, error) {
	digests := make([][]byte, len(signatures))
	for i, sig := range signatures {
		d, err := Digest(alg, sig)
		if err != nil {
			return nil, err
		}
		digests[i] = d
	}
	return Build(alg, seed, digests)
}

// Verify replays the chain from seed over digests and compares each step with
// the stored one. It returns a *BrokenLinkError for the first mismatch.
func Verify(alg Algorithm, seed []byte, digests, steps [][]byte) error {
	if len(digests) != len(steps) {
		return fmt.Errorf("hash chain length mismatch: %d digests, %d steps", len(digests), len(steps))
	}
	res, err := Build(alg, seed, digests)
	if err != nil {
		return err
	}
	for i := range res.Steps {
		if !bytes.Equal(res.Steps[i], steps[i]) {
			return &BrokenLinkError{Position: i, Expected: res.Steps[i], Actual: steps[i]}
		}
	}
	return nil
}
