// Package verify computes streaming digests of completed downloads and
// compares them against expected values. A mismatch is a normal outcome for
// the caller to route, not an error.
package verify

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/fetchq/fetchq/internal/queue"
)

// copyChunk bounds how many bytes are hashed between cancellation checks.
const copyChunk = 256 * 1024

type algorithm struct {
	constructor func() hash.Hash
	weak        bool
}

var algorithms = map[string]algorithm{
	"sha256": {constructor: sha256.New},
	"sha512": {constructor: sha512.New},
	"sha1":   {constructor: sha1.New, weak: true},
	"md5":    {constructor: md5.New, weak: true},
}

// Supported reports whether the named digest algorithm is available.
func Supported(name string) bool {
	_, ok := algorithms[strings.ToLower(name)]
	return ok
}

// Weak reports whether the named algorithm is kept only for backward
// compatibility. Callers should warn when accepting one.
func Weak(name string) bool {
	return algorithms[strings.ToLower(name)].weak
}

// Result is the outcome of a verification run.
type Result struct {
	OK          bool
	ComputedHex string
}

// File streams the file at path through the named digest and compares the
// result to the expected hex, case-insensitively. The file is never loaded
// whole. Only I/O and unknown-algorithm failures are errors.
func File(ctx context.Context, path string, cs *queue.Checksum) (Result, error) {
	alg, ok := algorithms[strings.ToLower(cs.Algorithm)]
	if !ok {
		return Result{}, fmt.Errorf("unsupported checksum algorithm %q", cs.Algorithm)
	}

	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("opening file for verification: %w", err)
	}
	defer f.Close()

	h := alg.constructor()

	for {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		_, err := io.CopyN(h, f, copyChunk)
		if err == io.EOF {
			break
		}

		if err != nil {
			return Result{}, fmt.Errorf("hashing file: %w", err)
		}
	}

	computed := hex.EncodeToString(h.Sum(nil))

	return Result{
		OK:          strings.EqualFold(computed, cs.ExpectedHex),
		ComputedHex: computed,
	}, nil
}

// ParseSpec parses an "algorithm:hex" checksum string, as found in
// manifests and command arguments.
func ParseSpec(spec string) (*queue.Checksum, error) {
	alg, hexDigest, found := strings.Cut(spec, ":")
	if !found || alg == "" || hexDigest == "" {
		return nil, fmt.Errorf("malformed checksum spec %q, expected algorithm:hex", spec)
	}

	alg = strings.ToLower(alg)
	if !Supported(alg) {
		return nil, fmt.Errorf("unsupported checksum algorithm %q", alg)
	}

	if _, err := hex.DecodeString(hexDigest); err != nil {
		return nil, fmt.Errorf("checksum for %s is not valid hex: %w", alg, err)
	}

	return &queue.Checksum{Algorithm: alg, ExpectedHex: strings.ToLower(hexDigest)}, nil
}
