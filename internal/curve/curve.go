// Package curve implements the secp256k1 scalar and point arithmetic shared
// by the FROST signer and the ROAST session driver, plus the BIP-340
// tagged-hash constructions that both depend on.
//
// The group operations are backed by github.com/btcsuite/btcd/btcec/v2's
// S256 curve, which satisfies elliptic.Curve: ScalarBaseMult, ScalarMult,
// Add and IsOnCurve all take and return affine coordinates as *big.Int.
package curve

import (
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
)

// Secp256k1 is the curve used throughout itcoin-fbft: every replica's
// signing key, the group public key and every FROST nonce commitment are
// points on this curve.
var Secp256k1 = &Curve{elliptic.Curve(btcec.S256())}

// Curve wraps a stdlib-compatible elliptic curve implementation with the
// point/scalar helpers the FROST and ROAST protocols are written against.
type Curve struct {
	impl elliptic.Curve
}

// Point is an affine secp256k1 point. The identity element is represented
// as {0, 0}, which does not lie on the curve.
type Point struct {
	X *big.Int
	Y *big.Int
}

// Identity returns the point-at-infinity sentinel.
func (c *Curve) Identity() *Point {
	return &Point{big.NewInt(0), big.NewInt(0)}
}

// IsIdentity reports whether p is the identity sentinel.
func (p *Point) IsIdentity() bool {
	return p.X.Sign() == 0 && p.Y.Sign() == 0
}

// N returns the order of the group generated by the base point.
func (c *Curve) N() *big.Int {
	return new(big.Int).Set(c.impl.Params().N)
}

// P returns the field modulus.
func (c *Curve) P() *big.Int {
	return new(big.Int).Set(c.impl.Params().P)
}

// BasePoint returns the curve generator G.
func (c *Curve) BasePoint() *Point {
	params := c.impl.Params()
	return &Point{new(big.Int).Set(params.Gx), new(big.Int).Set(params.Gy)}
}

// EcBaseMul returns k*G.
func (c *Curve) EcBaseMul(k *big.Int) *Point {
	kMod := new(big.Int).Mod(k, c.N())
	x, y := c.impl.ScalarBaseMult(kMod.Bytes())
	return &Point{x, y}
}

// EcMul returns k*P.
func (c *Curve) EcMul(p *Point, k *big.Int) *Point {
	if p.IsIdentity() {
		return c.Identity()
	}
	kMod := new(big.Int).Mod(k, c.N())
	x, y := c.impl.ScalarMult(p.X, p.Y, kMod.Bytes())
	return &Point{x, y}
}

// EcAdd returns a+b.
func (c *Curve) EcAdd(a, b *Point) *Point {
	if a.IsIdentity() {
		return &Point{new(big.Int).Set(b.X), new(big.Int).Set(b.Y)}
	}
	if b.IsIdentity() {
		return &Point{new(big.Int).Set(a.X), new(big.Int).Set(a.Y)}
	}
	x, y := c.impl.Add(a.X, a.Y, b.X, b.Y)
	return &Point{x, y}
}

// EcNeg returns -a.
func (c *Curve) EcNeg(a *Point) *Point {
	if a.IsIdentity() {
		return c.Identity()
	}
	return &Point{new(big.Int).Set(a.X), new(big.Int).Sub(c.P(), a.Y)}
}

// EcSub returns a-b.
func (c *Curve) EcSub(a, b *Point) *Point {
	return c.EcAdd(a, c.EcNeg(b))
}

// IsOnCurve reports whether p is a valid, non-identity curve point.
func (c *Curve) IsOnCurve(p *Point) bool {
	if p == nil || p.X == nil || p.Y == nil {
		return false
	}
	return c.impl.IsOnCurve(p.X, p.Y)
}

// HasEvenY reports whether p's Y coordinate is even, per BIP-340.
func HasEvenY(p *Point) bool {
	return p.Y.Bit(0) == 0
}

// Equal compares two points by affine coordinate.
func (p *Point) Equal(q *Point) bool {
	return p.X.Cmp(q.X) == 0 && p.Y.Cmp(q.Y) == 0
}

func (p *Point) String() string {
	if p.IsIdentity() {
		return "Point{identity}"
	}
	return fmt.Sprintf("Point{%x}", XOnlyBytes(p))
}

// SampleScalar returns a cryptographically random scalar in [1, N).
func SampleScalar() (*big.Int, error) {
	n := Secp256k1.N()
	for {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return nil, fmt.Errorf("sampling scalar: %w", err)
		}
		s := new(big.Int).SetBytes(b)
		if s.Sign() != 0 && s.Cmp(n) < 0 {
			return s, nil
		}
	}
}

// ScalarFromBytes32 reduces a 32-byte big-endian encoding modulo N.
func ScalarFromBytes32(b [32]byte) *big.Int {
	s := new(big.Int).SetBytes(b[:])
	return s.Mod(s, Secp256k1.N())
}

// ScalarToBytes32 serializes a scalar as a 32-byte big-endian array.
func ScalarToBytes32(s *big.Int) [32]byte {
	var out [32]byte
	s.FillBytes(out[:])
	return out
}

// CompressedBytes serializes p using the standard 33-byte SEC1 compressed
// encoding (0x02/0x03 prefix || X).
func CompressedBytes(p *Point) []byte {
	return elliptic.MarshalCompressed(Secp256k1.impl, p.X, p.Y)
}

// ParseCompressed parses a 33-byte SEC1-compressed point.
func ParseCompressed(b []byte) (*Point, error) {
	if len(b) != 33 {
		return nil, fmt.Errorf("curve: invalid compressed point encoding")
	}
	pub, err := btcec.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("curve: invalid compressed point encoding")
	}
	return &Point{pub.X(), pub.Y()}, nil
}

// XOnlyBytes returns the BIP-340 x-only 32-byte encoding of p's X coordinate.
func XOnlyBytes(p *Point) [32]byte {
	var out [32]byte
	p.X.FillBytes(out[:])
	return out
}

// LiftX implements BIP-340's lift_x(x): the even-Y point on the curve whose
// X coordinate is x, or an error if none exists.
func LiftX(x *big.Int) (*Point, error) {
	p := Secp256k1.P()
	if x.Cmp(p) >= 0 {
		return nil, fmt.Errorf("curve: x exceeds field size")
	}

	c := new(big.Int).Exp(x, big.NewInt(3), p)
	c.Add(c, big.NewInt(7))
	c.Mod(c, p)

	exp := new(big.Int).Add(p, big.NewInt(1))
	exp.Div(exp, big.NewInt(4))
	y := new(big.Int).Exp(c, exp, p)

	y2 := new(big.Int).Exp(y, big.NewInt(2), p)
	if c.Cmp(y2) != 0 {
		return nil, fmt.Errorf("curve: no point on curve for given x")
	}

	if y.Bit(0) != 0 {
		y.Sub(p, y)
	}
	return &Point{x, y}, nil
}

// ParseXOnlyEven parses a 32-byte x-only encoding into its even-Y point.
func ParseXOnlyEven(b []byte) (*Point, error) {
	x := new(big.Int).SetBytes(b)
	return LiftX(x)
}
