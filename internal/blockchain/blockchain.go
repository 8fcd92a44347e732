// Package blockchain is the thin adapter around the local chain node's
// JSON-RPC surface: block generation, validity testing, and submission,
// plus the signet-specific assembly steps performed around that surface
// (coinbase height and reward, witness commitment, signet solution slot,
// nonce grind).
package blockchain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/rs/zerolog"
)

// ErrRPC wraps any non-tolerated failure from the chain node.
var ErrRPC = errors.New("blockchain: rpc call failed")

// Chain wraps a single RPC client to the local chain node, serialized by
// a per-client lock.
type Chain struct {
	mu     sync.Mutex
	client *rpcclient.Client
	log    zerolog.Logger

	signetChallenge []byte // the full challenge script from bitcoin.conf's signetchallenge
}

// New wraps an already-connected rpcclient.Client. Connection parameters
// (rpcport, rpcuser/rpcpassword or cookie) come from bitcoin.conf, loaded
// by internal/config; this package only consumes the constructed client.
func New(client *rpcclient.Client, signetChallenge []byte, log zerolog.Logger) *Chain {
	return &Chain{client: client, signetChallenge: signetChallenge, log: log.With().Str("component", "blockchain").Logger()}
}

// GenerateBlock builds the candidate block for a primary's PrePrepare at
// the given request timestamp: it requests a template from the node,
// assembles the signet-flavoured body around it, and returns the raw
// serialized block with a placeholder signet solution still unfilled.
// The wallet's FinalizeBlock replaces that placeholder with the real
// aggregate signature once one is available.
func (c *Chain) GenerateBlock(timestamp uint32) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tmpl, err := c.client.GetBlockTemplate(&btcjson.TemplateRequest{Mode: "template"})
	if err != nil {
		return nil, fmt.Errorf("%w: getblocktemplate: %v", ErrRPC, err)
	}

	block, err := assembleSignetBlock(tmpl, timestamp, c.signetChallenge)
	if err != nil {
		return nil, fmt.Errorf("blockchain: assembling block: %w", err)
	}

	var buf bytes.Buffer
	if err := block.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("blockchain: serializing block: %w", err)
	}
	return buf.Bytes(), nil
}

// TestBlockValidity calls testblockvalidity, optionally asking the node
// to skip the signet-challenge check: a PRE_PREPARE is validated with
// checkSignet off since the aggregate signature does not exist yet at
// that point in the protocol. The itcoin chain node's testblockvalidity
// takes this as a second boolean parameter beyond upstream Bitcoin
// Core's signature, so it is issued as a raw request rather than through
// a typed rpcclient method.
func (c *Chain) TestBlockValidity(height uint64, block []byte, checkSignet bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	hexBlock, err := blockToHex(block)
	if err != nil {
		c.log.Error().Err(err).Uint64("height", height).Msg("encoding candidate block for validity test")
		return false
	}

	params := []json.RawMessage{
		mustMarshal(hexBlock),
		mustMarshal(checkSignet),
	}
	if _, err := c.client.RawRequest("testblockvalidity", params); err != nil {
		c.log.Warn().Err(err).Uint64("height", height).Bool("check_signet", checkSignet).Msg("block failed testblockvalidity")
		return false
	}
	return true
}

// SubmitBlock submits the finalized (signature-bearing) block. An
// "already present" or "inconclusive" response is tolerated as a warning
// rather than propagated as an error, since every replica in the quorum
// submits the same height.
func (c *Chain) SubmitBlock(height uint64, block []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg, err := decodeBlock(block)
	if err != nil {
		return fmt.Errorf("blockchain: decoding block to submit: %w", err)
	}

	err = c.client.SubmitBlock(btcutil.NewBlock(msg), nil)
	if err == nil {
		return nil
	}
	if isDuplicateOrInconclusive(err) {
		c.log.Warn().Err(err).Uint64("height", height).Msg("submitblock: duplicate or inconclusive, tolerated")
		return nil
	}
	return fmt.Errorf("%w: submitblock: %v", ErrRPC, err)
}

func isDuplicateOrInconclusive(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate") || strings.Contains(msg, "inconclusive")
}

func decodeBlock(raw []byte) (*wire.MsgBlock, error) {
	msg := &wire.MsgBlock{}
	if err := msg.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return msg, nil
}

func blockToHex(raw []byte) (string, error) {
	msg, err := decodeBlock(raw)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := msg.Serialize(&buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", buf.Bytes()), nil
}

func mustMarshal(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// Hash re-exports chainhash.Hash so callers (e.g. internal/netbus's
// new-block notification decoder) don't need their own chaincfg/chainhash
// import purely for this type alias.
type Hash = chainhash.Hash
