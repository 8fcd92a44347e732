package blockchain

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// The naive (non-threshold) wallet backend signs blocks the BIP-325 way:
// each replica's chain node signs the signet "to_sign" transaction and the
// resulting partial signatures are combined over PSBT into the witness
// that becomes the signet solution. The transaction pair construction
// follows BIP-325's to_spend/to_sign recipe; the challenge script is the
// multisig script from bitcoin.conf rather than the single group key the
// ROAST backend signs for.

// ErrNoPartialSignatures is returned when a PSBT combine round has nothing
// to merge.
var ErrNoPartialSignatures = errors.New("blockchain: no partial signatures to combine")

// signetToSpend builds BIP-325's virtual to_spend transaction for a block
// digest: a single never-valid input committing to the digest, and one
// output paying the challenge script.
func signetToSpend(blockDigest [32]byte, challenge []byte) (*wire.MsgTx, error) {
	commitScript, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(blockDigest[:]).
		Script()
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(0)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{}, Index: 0xffffffff},
		SignatureScript:  commitScript,
		Sequence:         0,
	})
	tx.AddTxOut(&wire.TxOut{Value: 0, PkScript: challenge})
	return tx, nil
}

// SignetSpendPSBT builds the unsigned to_sign PSBT for a candidate block,
// base64-encoded for the node wallet's walletprocesspsbt/analyzepsbt
// round trip.
func (c *Chain) SignetSpendPSBT(block []byte) (string, error) {
	digest, err := BlockDigest(block)
	if err != nil {
		return "", err
	}

	toSpend, err := signetToSpend(digest, c.signetChallenge)
	if err != nil {
		return "", fmt.Errorf("blockchain: building to_spend: %w", err)
	}
	spendHash := toSpend.TxHash()

	opReturn, err := txscript.NewScriptBuilder().AddOp(txscript.OP_RETURN).Script()
	if err != nil {
		return "", err
	}

	packet, err := psbt.New(
		[]*wire.OutPoint{{Hash: spendHash, Index: 0}},
		[]*wire.TxOut{{Value: 0, PkScript: opReturn}},
		0, 0, []uint32{0},
	)
	if err != nil {
		return "", fmt.Errorf("blockchain: building to_sign psbt: %w", err)
	}
	packet.Inputs[0].WitnessUtxo = toSpend.TxOut[0]
	packet.Inputs[0].WitnessScript = c.signetChallenge

	return packet.B64Encode()
}

// CombinePSBTSignatures merges the partial signatures of several signed
// copies of the same to_sign PSBT and assembles the signet solution: the
// (empty) scriptSig followed by the serialized witness stack satisfying
// the challenge.
func CombinePSBTSignatures(signed []string) ([]byte, error) {
	if len(signed) == 0 {
		return nil, ErrNoPartialSignatures
	}

	base, err := psbt.NewFromRawBytes(bytes.NewReader([]byte(signed[0])), true)
	if err != nil {
		return nil, fmt.Errorf("blockchain: parsing psbt: %w", err)
	}
	for _, other := range signed[1:] {
		packet, err := psbt.NewFromRawBytes(bytes.NewReader([]byte(other)), true)
		if err != nil {
			return nil, fmt.Errorf("blockchain: parsing psbt: %w", err)
		}
		for _, sig := range packet.Inputs[0].PartialSigs {
			base.Inputs[0].PartialSigs = append(base.Inputs[0].PartialSigs, sig)
		}
	}
	if len(base.Inputs[0].PartialSigs) == 0 {
		return nil, ErrNoPartialSignatures
	}

	// Multisig witness: the CHECKMULTISIG dummy, each signature, then the
	// challenge script itself.
	witness := wire.TxWitness{{}}
	for _, sig := range base.Inputs[0].PartialSigs {
		witness = append(witness, sig.Signature)
	}
	witness = append(witness, base.Inputs[0].WitnessScript)

	var buf bytes.Buffer
	if err := wire.WriteVarInt(&buf, 0, uint64(0)); err != nil { // empty scriptSig
		return nil, err
	}
	var wbuf bytes.Buffer
	if err := wire.WriteVarInt(&wbuf, 0, uint64(len(witness))); err != nil {
		return nil, err
	}
	for _, item := range witness {
		if err := wire.WriteVarBytes(&wbuf, 0, item); err != nil {
			return nil, err
		}
	}
	return append(buf.Bytes(), wbuf.Bytes()...), nil
}
