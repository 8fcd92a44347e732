package config

import (
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
)

func testPubKeyHex(t *testing.T, compressed bool) string {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	if compressed {
		return hex.EncodeToString(priv.PubKey().SerializeCompressed())
	}
	return hex.EncodeToString(priv.PubKey().SerializeCompressed()[1:])
}

func writeMinerConf(t *testing.T, dir, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "miner.conf.json"), []byte(body), 0o600))
}

func writeBitcoinConf(t *testing.T, dir, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bitcoin.conf"), []byte(body), 0o600))
}

func minerConfBody(t *testing.T) string {
	return `{
		"id": 1,
		"genesis_block_hash": "` + "00" + hex.EncodeToString(make([]byte, 31)) + `",
		"genesis_block_timestamp": 0,
		"target_block_time": 60,
		"fbft_replica_set": [
			{"id": 0, "host": "10.0.0.1", "port": 3000, "p2pkh": "mfn", "pubkey": "` + testPubKeyHex(t, true) + `"},
			{"id": 1, "host": "10.0.0.2", "port": 3000, "p2pkh": "mfo", "pubkey": "` + testPubKeyHex(t, false) + `"},
			{"id": 2, "host": "10.0.0.3", "port": 3000, "p2pkh": "mfp", "pubkey": "` + testPubKeyHex(t, true) + `"},
			{"id": 3, "host": "10.0.0.4", "port": 3000, "p2pkh": "mfq", "pubkey": "` + testPubKeyHex(t, true) + `"}
		]
	}`
}

func TestLoadMinerAcceptsBothPubKeyEncodings(t *testing.T) {
	dir := t.TempDir()
	writeMinerConf(t, dir, minerConfBody(t))

	m, err := LoadMiner(dir)
	require.NoError(t, err)
	require.Equal(t, uint32(4), m.N())
	require.Equal(t, uint32(1), m.Self().ID)

	keys, err := m.PubKeys()
	require.NoError(t, err)
	require.Len(t, keys, 4)
}

func TestLoadMinerRejectsBadShapes(t *testing.T) {
	good := minerConfBody(t)

	cases := map[string]string{
		"empty replica set":  `{"id":0,"genesis_block_hash":"` + hex.EncodeToString(make([]byte, 32)) + `","target_block_time":60,"fbft_replica_set":[]}`,
		"not json":           `{`,
		"zero block time":    `{"id":0,"genesis_block_hash":"` + hex.EncodeToString(make([]byte, 32)) + `","target_block_time":0,"fbft_replica_set":[{"id":0,"host":"h","port":1,"p2pkh":"a","pubkey":"` + testPubKeyHex(t, true) + `"}]}`,
		"truncated pubkey":   `{"id":0,"genesis_block_hash":"` + hex.EncodeToString(make([]byte, 32)) + `","target_block_time":60,"fbft_replica_set":[{"id":0,"host":"h","port":1,"p2pkh":"a","pubkey":"abcd"}]}`,
	}
	for name, body := range cases {
		dir := t.TempDir()
		writeMinerConf(t, dir, body)
		_, err := LoadMiner(dir)
		require.Error(t, err, name)
		if name != "not json" {
			require.ErrorIs(t, err, ErrConfigInvalid, name)
		}
	}

	// Sanity: the template itself still loads.
	dir := t.TempDir()
	writeMinerConf(t, dir, good)
	_, err := LoadMiner(dir)
	require.NoError(t, err)
}

func TestLoadNodeParsesChallengeAndEndpoints(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	xonly := hex.EncodeToString(priv.PubKey().SerializeCompressed()[1:])

	dir := t.TempDir()
	writeBitcoinConf(t, dir, `
# itcoin signet node
[signet]
rpcport=38332
rpcuser=itcoin
rpcpassword=secret
signetchallenge=5120`+xonly+`
zmqpubitcoinblock=tcp://127.0.0.1:29010
`)

	n, err := LoadNode(dir)
	require.NoError(t, err)
	require.Equal(t, uint16(38332), n.RPCPort)
	require.Equal(t, "itcoin", n.RPCUser)
	require.Empty(t, n.CookiePath, "cookie auth only without rpcuser/rpcpassword")
	require.Equal(t, "tcp://127.0.0.1:29010", n.ZMQBlockEndpoint)
	require.Len(t, n.SignetChallenge, 34)
	require.NotNil(t, n.GroupPublicKey)
}

func TestLoadNodeFallsBackToCookie(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	xonly := hex.EncodeToString(priv.PubKey().SerializeCompressed()[1:])

	dir := t.TempDir()
	writeBitcoinConf(t, dir, `rpcport=38332
signetchallenge=5120`+xonly+`
zmqpubitcoinblock=tcp://127.0.0.1:29010
`)

	n, err := LoadNode(dir)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, ".cookie"), n.CookiePath)
}

func TestLoadNodeRejectsForeignChallenge(t *testing.T) {
	dir := t.TempDir()
	writeBitcoinConf(t, dir, `rpcport=38332
signetchallenge=0014ffffffffffffffffffffffffffffffffffffffff
zmqpubitcoinblock=tcp://127.0.0.1:29010
`)

	_, err := LoadNode(dir)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrConfigInvalid))
}
