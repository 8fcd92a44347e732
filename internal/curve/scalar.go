package curve

import "math/big"

// AddScalars returns (a+b) mod N.
func AddScalars(a, b *big.Int) *big.Int {
	return new(big.Int).Mod(new(big.Int).Add(a, b), Secp256k1.N())
}

// NegScalar returns (-a) mod N.
func NegScalar(a *big.Int) *big.Int {
	return new(big.Int).Mod(new(big.Int).Neg(a), Secp256k1.N())
}

// MulScalars returns (a*b) mod N.
func MulScalars(a, b *big.Int) *big.Int {
	return new(big.Int).Mod(new(big.Int).Mul(a, b), Secp256k1.N())
}

// InverseScalar returns a^-1 mod N.
func InverseScalar(a *big.Int) *big.Int {
	return new(big.Int).ModInverse(a, Secp256k1.N())
}

// ScalarFromUint32 lifts a small integer into the scalar field, used for
// the signer-index arguments of Lagrange interpolation.
func ScalarFromUint32(i uint32) *big.Int {
	return new(big.Int).Mod(new(big.Int).SetUint64(uint64(i)), Secp256k1.N())
}

// IsZeroScalar reports whether a is the zero element.
func IsZeroScalar(a *big.Int) bool {
	return a.Sign() == 0
}
