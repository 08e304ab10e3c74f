package chunklist

import (
	"bytes"
	"crypto/rsa"
	"crypto/sha256"
	"math/big"

	"github.com/vertextoedge/installer-fetch/internal/domain"
)

const appleEFIROMModulus = "C3E748CAD9CD384329E10E25A91E43E1A762FF529ADE578C935BDDF9B13F2179" +
	"D4855E6FC89E9E29CA12517D17DFA1EDCE0BEBF0EA7B461FFE61D94E2BDF72C1" +
	"96F89ACD3536B644064014DAE25A15DB6BB0852ECBD120916318D1CCDEA3C84C" +
	"92ED743FC176D0BACA920D3FCF3158AFF731F88CE0623182A8ED67E650515F75" +
	"745909F07D415F55FC15A35654D118C55A462D37A3ACDA08612F3F3F6571761E" +
	"FCCBCC299AEE99B3A4FD6212CCFFF5EF37A2C334E871191F7E1C31960E010A54" +
	"E86FA3F62E6D6905E1CD57732410A3EB0C6B4DEFDABE9F59BF1618758C751CD5" +
	"6CEF851D1C0EAA1C558E37AC108DA9089863D20E2E7E4BF475EC66FE6B3EFDCF"

const defaultExponent = 0x10001

// DER prefix of DigestInfo for SHA-256.
var sha256DigestInfo = []byte{
	0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01,
	0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20,
}

// PublicKey is an RSA public key used to authenticate manifests.
type PublicKey struct {
	N *big.Int
	E int
}

// AppleEFIROMPublicKey returns the vendor key manifests are signed with.
func AppleEFIROMPublicKey() *PublicKey {
	n, ok := new(big.Int).SetString(appleEFIROMModulus, 16)
	if !ok {
		panic("chunklist: bad built-in modulus")
	}
	return &PublicKey{N: n, E: defaultExponent}
}

// PublicKeyFromRSA adapts a crypto/rsa key.
func PublicKeyFromRSA(key *rsa.PublicKey) *PublicKey {
	return &PublicKey{N: new(big.Int).Set(key.N), E: key.E}
}

// Size returns the modulus length in bytes.
func (k *PublicKey) Size() int {
	return (k.N.BitLen() + 7) / 8
}

// VerifyDigest checks a big-endian signature over a SHA-256 digest using
// raw exponentiation and an EMSA-PKCS1-v1_5 comparison.
func (k *PublicKey) VerifyDigest(sig, digest []byte) error {
	if len(digest) != sha256.Size {
		return domain.ErrSignatureMismatch
	}

	s := new(big.Int).SetBytes(sig)
	if s.Cmp(k.N) >= 0 {
		return domain.ErrSignatureMismatch
	}

	size := k.Size()
	want, ok := encodePKCS1v15(size, digest)
	if !ok {
		return domain.ErrSignatureMismatch
	}

	m := new(big.Int).Exp(s, big.NewInt(int64(k.E)), k.N)
	got := m.FillBytes(make([]byte, size))
	if !bytes.Equal(got, want) {
		return domain.ErrSignatureMismatch
	}
	return nil
}

// verifyLittleEndian checks a signature stored least significant byte
// first, as manifests carry it.
func (k *PublicKey) verifyLittleEndian(sig, digest []byte) error {
	be := make([]byte, len(sig))
	for i, b := range sig {
		be[len(sig)-1-i] = b
	}
	return k.VerifyDigest(be, digest)
}

// encodePKCS1v15 builds 00 01 FF..FF 00 || DigestInfo || digest for a
// modulus of size bytes.
func encodePKCS1v15(size int, digest []byte) ([]byte, bool) {
	tLen := len(sha256DigestInfo) + len(digest)
	if size < tLen+11 {
		return nil, false
	}

	em := make([]byte, size)
	em[1] = 0x01
	for i := 2; i < size-tLen-1; i++ {
		em[i] = 0xff
	}
	copy(em[size-tLen:], sha256DigestInfo)
	copy(em[size-len(digest):], digest)
	return em, true
}
