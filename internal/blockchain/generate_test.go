package blockchain

import (
	"bytes"
	"encoding/hex"
	"testing"

	btcdchain "github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func testTemplate() *btcjson.GetBlockTemplateResult {
	value := int64(50_0000_0000)
	return &btcjson.GetBlockTemplateResult{
		Version:       0x20000000,
		PreviousHash:  "000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f",
		Height:        1,
		CoinbaseValue: &value,
		Bits:          "207fffff",
		MinTime:       1,
		CurTime:       60,
	}
}

func testChallenge(t *testing.T) []byte {
	t.Helper()
	challenge, err := hex.DecodeString("512079be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798")
	require.NoError(t, err)
	return challenge
}

func TestAssembleSignetBlockShape(t *testing.T) {
	block, err := assembleSignetBlock(testTemplate(), 60, testChallenge(t))
	require.NoError(t, err)

	require.Len(t, block.Transactions, 1)
	coinbase := block.Transactions[0]

	// Reward output, witness commitment, signet solution slot.
	require.Len(t, coinbase.TxOut, 3)
	require.Equal(t, int64(50_0000_0000), coinbase.TxOut[0].Value)

	commit := coinbase.TxOut[1].PkScript
	require.Equal(t, byte(txscript.OP_RETURN), commit[0])
	require.Equal(t, witnessCommitmentHeader, commit[2:6])

	slot := coinbase.TxOut[2].PkScript
	require.Equal(t, byte(txscript.OP_RETURN), slot[0])
	require.Equal(t, signetHeader, slot[len(slot)-5:len(slot)-1])
	require.Equal(t, byte(emptySolutionPrefix), slot[len(slot)-1])

	// Header committed to the transaction set and the requested time.
	root, err := computeMerkleRoot(block)
	require.NoError(t, err)
	require.Equal(t, root, block.Header.MerkleRoot)
	require.Equal(t, int64(60), block.Header.Timestamp.Unix())

	// The ground nonce satisfies the (trivial signet) target.
	hash := block.Header.BlockHash()
	target := btcdchain.CompactToBig(block.Header.Bits)
	require.True(t, btcdchain.HashToBig(&hash).Cmp(target) <= 0)
}

func TestAssembleSignetBlockRejectsEarlyTimestamp(t *testing.T) {
	tmpl := testTemplate()
	tmpl.MinTime = 100
	_, err := assembleSignetBlock(tmpl, 60, testChallenge(t))
	require.Error(t, err)
}

func TestBip34HeightScript(t *testing.T) {
	small, err := bip34HeightScript(5)
	require.NoError(t, err)
	require.Equal(t, byte(txscript.OP_5), small[0])
	require.GreaterOrEqual(t, len(small), 2, "coinbase scriptSig floor")

	big, err := bip34HeightScript(500_000)
	require.NoError(t, err)
	require.Equal(t, byte(3), big[0], "minimal push of a 3-byte height")
}

func TestInsertSignetSolutionRoundTrip(t *testing.T) {
	block, err := assembleSignetBlock(testTemplate(), 60, testChallenge(t))
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, block.Serialize(&buf))
	raw := buf.Bytes()

	readTime, err := BlockTime(raw)
	require.NoError(t, err)
	require.Equal(t, uint32(60), readTime)

	solution := make([]byte, 64)
	for i := range solution {
		solution[i] = byte(i)
	}
	solved, err := InsertSignetSolution(raw, solution)
	require.NoError(t, err)

	var decoded wire.MsgBlock
	require.NoError(t, decoded.Deserialize(bytes.NewReader(solved)))
	coinbase := decoded.Transactions[0]
	script := coinbase.TxOut[len(coinbase.TxOut)-1].PkScript
	tail := script[len(script)-69:]
	require.Equal(t, signetHeader, tail[:4])
	require.Equal(t, byte(0x40), tail[4])
	require.Equal(t, solution, tail[5:])

	// The header is byte-identical to the pre-solution block's: the
	// Merkle root still commits to the stripped form a validator
	// reconstructs, and the ground nonce stays valid.
	require.Equal(t, block.Header, decoded.Header)

	// Stripping the solution back out of the coinbase recovers the tx
	// set the header's root was computed over.
	var stripped wire.MsgBlock
	require.NoError(t, stripped.Deserialize(bytes.NewReader(solved)))
	strippedCoinbase := stripped.Transactions[0]
	strippedLast := strippedCoinbase.TxOut[len(strippedCoinbase.TxOut)-1]
	slot := append([]byte{}, strippedLast.PkScript[:len(strippedLast.PkScript)-69]...)
	slot = append(slot, signetHeader...)
	strippedLast.PkScript = append(slot, emptySolutionPrefix)
	root, err := computeMerkleRoot(&stripped)
	require.NoError(t, err)
	require.Equal(t, root, decoded.Header.MerkleRoot)

	// A second insertion finds no empty slot.
	_, err = InsertSignetSolution(solved, solution)
	require.ErrorIs(t, err, ErrNoSolutionSlot)
}

func TestSubmitBlockToleratesDuplicateResponses(t *testing.T) {
	require.True(t, isDuplicateOrInconclusive(errForTest("block already present: duplicate")))
	require.True(t, isDuplicateOrInconclusive(errForTest("submit result: INCONCLUSIVE")))
	require.False(t, isDuplicateOrInconclusive(errForTest("bad-txnmrklroot")))
}

type errForTest string

func (e errForTest) Error() string { return string(e) }
