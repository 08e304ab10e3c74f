// Package chunklist reads and authenticates chunklist manifests and verifies
// files against them.
package chunklist

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/vertextoedge/installer-fetch/internal/domain"
)

// Manifest layout constants
const (
	HeaderSize    = 0x24
	ChunkSize     = 0x24
	Magic         = "CNKL"
	FileVersion   = 1
	ChunkMethod   = 1
	SignatureRSA  = 1
	SignatureHash = 2

	rsaSignatureSize  = 256
	hashSignatureSize = sha256.Size
)

// Header is the fixed manifest header.
type Header struct {
	Magic           [4]byte
	HeaderSize      uint32
	FileVersion     uint8
	ChunkMethod     uint8
	SignatureMethod uint8
	ChunkCount      uint64
	ChunkOffset     uint64
	SignatureOffset uint64
}

// Chunk is one manifest record: a slice length and its SHA-256.
type Chunk struct {
	Size uint32
	Hash [32]byte
}

// Option configures a Reader
type Option func(*Reader)

// WithPublicKey replaces the default signing key.
func WithPublicKey(key *PublicKey) Option {
	return func(r *Reader) {
		r.key = key
	}
}

// Reader iterates over the chunks of a manifest. The signature is checked
// once the last chunk has been read; Next returns false and Err reports the
// failure if it does not verify.
//
//	r, err := chunklist.Open(path)
//	...
//	for r.Next() {
//		c := r.Chunk()
//	}
//	if err := r.Err(); err != nil { ... }
type Reader struct {
	br     *bufio.Reader
	closer io.Closer
	key    *PublicKey

	header Header
	digest hash.Hash

	read  uint64
	chunk Chunk
	err   error
	done  bool
}

// Open opens a manifest file and validates its header.
func Open(path string, opts ...Option) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open chunklist: %w", err)
	}

	r, err := NewReader(f, opts...)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// NewReader reads and validates the manifest header from src.
func NewReader(src io.Reader, opts ...Option) (*Reader, error) {
	r := &Reader{
		br:     bufio.NewReader(src),
		key:    AppleEFIROMPublicKey(),
		digest: sha256.New(),
	}
	for _, opt := range opts {
		opt(r)
	}

	var raw [HeaderSize]byte
	if _, err := io.ReadFull(r.br, raw[:]); err != nil {
		return nil, malformed("header too short", err)
	}
	r.digest.Write(raw[:])

	h, err := parseHeader(raw)
	if err != nil {
		return nil, err
	}
	r.header = h
	return r, nil
}

func parseHeader(raw [HeaderSize]byte) (Header, error) {
	var h Header
	copy(h.Magic[:], raw[0:4])
	h.HeaderSize = binary.LittleEndian.Uint32(raw[4:8])
	h.FileVersion = raw[8]
	h.ChunkMethod = raw[9]
	h.SignatureMethod = raw[10]
	// raw[11] is padding
	h.ChunkCount = binary.LittleEndian.Uint64(raw[12:20])
	h.ChunkOffset = binary.LittleEndian.Uint64(raw[20:28])
	h.SignatureOffset = binary.LittleEndian.Uint64(raw[28:36])

	switch {
	case string(h.Magic[:]) != Magic:
		return h, malformed(fmt.Sprintf("wrong magic %q", h.Magic[:]), nil)
	case h.HeaderSize != HeaderSize:
		return h, malformed(fmt.Sprintf("wrong header size %d", h.HeaderSize), nil)
	case h.FileVersion != FileVersion:
		return h, malformed(fmt.Sprintf("unsupported file version %d", h.FileVersion), nil)
	case h.ChunkMethod != ChunkMethod:
		return h, malformed(fmt.Sprintf("unsupported chunk method %d", h.ChunkMethod), nil)
	case h.SignatureMethod != SignatureRSA && h.SignatureMethod != SignatureHash:
		return h, malformed(fmt.Sprintf("unsupported signature method %d", h.SignatureMethod), nil)
	case h.ChunkCount == 0:
		return h, malformed("invalid chunk count 0", nil)
	case h.ChunkOffset != HeaderSize:
		return h, malformed(fmt.Sprintf("wrong chunk offset %d", h.ChunkOffset), nil)
	case h.ChunkCount > (1<<63)/ChunkSize || h.SignatureOffset != h.ChunkOffset+ChunkSize*h.ChunkCount:
		return h, malformed(fmt.Sprintf("wrong signature offset %d", h.SignatureOffset), nil)
	}
	return h, nil
}

// Header returns the validated manifest header.
func (r *Reader) Header() Header {
	return r.header
}

// Next advances to the next chunk. After the last chunk it verifies the
// signature and returns false.
func (r *Reader) Next() bool {
	if r.done {
		return false
	}

	if r.read == r.header.ChunkCount {
		r.done = true
		r.err = r.verifySignature()
		return false
	}

	var raw [ChunkSize]byte
	if _, err := io.ReadFull(r.br, raw[:]); err != nil {
		r.fail(malformed(fmt.Sprintf("chunk %d truncated", r.read), err))
		return false
	}
	r.digest.Write(raw[:])

	r.chunk.Size = binary.LittleEndian.Uint32(raw[0:4])
	copy(r.chunk.Hash[:], raw[4:])
	r.read++
	return true
}

// Chunk returns the chunk read by the last successful call to Next.
func (r *Reader) Chunk() Chunk {
	return r.chunk
}

// Index returns the zero-based index of the current chunk.
func (r *Reader) Index() int {
	return int(r.read) - 1
}

// Err returns the first error encountered, including signature failures.
func (r *Reader) Err() error {
	return r.err
}

// Close releases the underlying file when the Reader was created by Open.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.closer = nil
	return err
}

func (r *Reader) fail(err error) {
	r.done = true
	r.err = err
}

func (r *Reader) verifySignature() error {
	sum := r.digest.Sum(nil)

	switch r.header.SignatureMethod {
	case SignatureRSA:
		var sig [rsaSignatureSize]byte
		if _, err := io.ReadFull(r.br, sig[:]); err != nil {
			return malformed("signature truncated", err)
		}
		if err := r.key.verifyLittleEndian(sig[:], sum); err != nil {
			return err
		}

	case SignatureHash:
		var stored [hashSignatureSize]byte
		if _, err := io.ReadFull(r.br, stored[:]); err != nil {
			return malformed("signature truncated", err)
		}
		if string(stored[:]) != string(sum) {
			return domain.ErrDigestMismatch
		}
		// A bare digest proves nothing about the origin.
		return domain.ErrUnsignedManifest
	}

	if _, err := r.br.ReadByte(); err != io.EOF {
		if err != nil {
			return malformed("reading past signature", err)
		}
		return malformed("extra data after signature", nil)
	}
	return nil
}

// ReadAll reads every chunk of the manifest at path and verifies its
// signature.
func ReadAll(path string, opts ...Option) (Header, []Chunk, error) {
	r, err := Open(path, opts...)
	if err != nil {
		return Header{}, nil, err
	}
	defer r.Close()

	chunks := make([]Chunk, 0, min(r.header.ChunkCount, 1<<16))
	for r.Next() {
		chunks = append(chunks, r.Chunk())
	}
	if err := r.Err(); err != nil {
		return r.header, nil, err
	}
	return r.header, chunks, nil
}

func malformed(msg string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: %s", domain.ErrMalformedManifest, msg)
	}
	if errors.Is(cause, io.ErrUnexpectedEOF) || errors.Is(cause, io.EOF) {
		return fmt.Errorf("%w: %s", domain.ErrMalformedManifest, msg)
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrMalformedManifest, msg, cause)
}
