// Package config loads and validates the replica's two configuration
// files: <datadir>/miner.conf.json (the cluster definition) and
// <datadir>/bitcoin.conf (the local chain node's RPC and ZMQ endpoints,
// plus the signet challenge the group public key is carried in).
package config

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// ErrConfigInvalid is the fatal startup error kind: any malformed config,
// challenge or port wraps it.
var ErrConfigInvalid = errors.New("config: invalid configuration")

const (
	minerConfFileName   = "miner.conf.json"
	bitcoinConfFileName = "bitcoin.conf"

	// taprootChallengePrefix is the leading OP_1 OP_PUSHBYTES_32 of a
	// key-path signet challenge; the group public key is the challenge
	// with this prefix stripped.
	taprootChallengePrefix = "5120"
)

// Replica describes one cluster member in the replica set.
type Replica struct {
	ID     uint32 `json:"id"`
	Host   string `json:"host"`
	Port   uint16 `json:"port"`
	P2PKH  string `json:"p2pkh"`
	PubKey string `json:"pubkey"`
}

// Miner is the decoded miner.conf.json.
type Miner struct {
	ID                          uint32    `json:"id"`
	GenesisBlockHash            string    `json:"genesis_block_hash"`
	GenesisBlockTimestamp       uint32    `json:"genesis_block_timestamp"`
	TargetBlockTime             float64   `json:"target_block_time"`
	SnifferDishConnectionString string    `json:"sniffer_dish_connection_string,omitempty"`
	ReplicaSet                  []Replica `json:"fbft_replica_set"`
}

// Node carries the chain-node connection parameters parsed out of
// bitcoin.conf.
type Node struct {
	RPCPort     uint16
	RPCUser     string
	RPCPassword string
	CookiePath  string

	SignetChallenge []byte
	GroupPublicKey  *btcec.PublicKey

	ZMQBlockEndpoint string
}

// LoadMiner reads and validates <datadir>/miner.conf.json.
func LoadMiner(datadir string) (*Miner, error) {
	raw, err := os.ReadFile(filepath.Join(datadir, minerConfFileName))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrConfigInvalid, minerConfFileName, err)
	}
	var m Miner
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", ErrConfigInvalid, minerConfFileName, err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Miner) validate() error {
	if len(m.ReplicaSet) == 0 {
		return fmt.Errorf("%w: empty fbft_replica_set", ErrConfigInvalid)
	}
	if m.TargetBlockTime <= 0 {
		return fmt.Errorf("%w: target_block_time must be positive, got %v", ErrConfigInvalid, m.TargetBlockTime)
	}
	if _, err := hex.DecodeString(m.GenesisBlockHash); err != nil || len(m.GenesisBlockHash) != 64 {
		return fmt.Errorf("%w: genesis_block_hash is not a 32-byte hex string", ErrConfigInvalid)
	}

	seen := make(map[uint32]bool, len(m.ReplicaSet))
	foundSelf := false
	for i, r := range m.ReplicaSet {
		if r.ID != uint32(i) {
			return fmt.Errorf("%w: fbft_replica_set must be ordered by id, entry %d has id %d", ErrConfigInvalid, i, r.ID)
		}
		if seen[r.ID] {
			return fmt.Errorf("%w: duplicate replica id %d", ErrConfigInvalid, r.ID)
		}
		seen[r.ID] = true
		if r.ID == m.ID {
			foundSelf = true
		}
		if r.Host == "" || r.Port == 0 {
			return fmt.Errorf("%w: replica %d has no host/port", ErrConfigInvalid, r.ID)
		}
		if _, err := r.ParsePubKey(); err != nil {
			return fmt.Errorf("%w: replica %d pubkey: %v", ErrConfigInvalid, r.ID, err)
		}
	}
	if !foundSelf {
		return fmt.Errorf("%w: own id %d is not in fbft_replica_set", ErrConfigInvalid, m.ID)
	}
	return nil
}

// N returns the cluster size.
func (m *Miner) N() uint32 { return uint32(len(m.ReplicaSet)) }

// Self returns this replica's own entry in the replica set.
func (m *Miner) Self() Replica { return m.ReplicaSet[m.ID] }

// ParsePubKey decodes a replica's identity key, accepting either the
// 33-byte compressed or the 32-byte x-only hex encoding.
func (r Replica) ParsePubKey() (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(r.PubKey)
	if err != nil {
		return nil, fmt.Errorf("not valid hex: %v", err)
	}
	switch len(raw) {
	case 33:
		return btcec.ParsePubKey(raw)
	case 32:
		return schnorr.ParsePubKey(raw)
	default:
		return nil, fmt.Errorf("pubkey must be 33 or 32 bytes, got %d", len(raw))
	}
}

// PubKeys returns every replica's parsed identity key, indexed by id.
func (m *Miner) PubKeys() (map[uint32]*btcec.PublicKey, error) {
	out := make(map[uint32]*btcec.PublicKey, len(m.ReplicaSet))
	for _, r := range m.ReplicaSet {
		pub, err := r.ParsePubKey()
		if err != nil {
			return nil, fmt.Errorf("%w: replica %d pubkey: %v", ErrConfigInvalid, r.ID, err)
		}
		out[r.ID] = pub
	}
	return out, nil
}

// LoadNode reads and validates <datadir>/bitcoin.conf.
func LoadNode(datadir string) (*Node, error) {
	file, err := os.Open(filepath.Join(datadir, bitcoinConfFileName))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrConfigInvalid, bitcoinConfFileName, err)
	}
	defer file.Close()

	values, err := parseKeyValues(file)
	if err != nil {
		return nil, err
	}
	return nodeFromValues(datadir, values)
}

// parseKeyValues reads bitcoin.conf's key=value lines, ignoring comments,
// section headers, and keys repeated later in the file (first value wins,
// as in Bitcoin Core).
func parseKeyValues(file *os.File) (map[string]string, error) {
	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "[") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		if _, exists := values[key]; !exists {
			values[key] = strings.TrimSpace(value)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading bitcoin.conf: %v", ErrConfigInvalid, err)
	}
	return values, nil
}

func nodeFromValues(datadir string, values map[string]string) (*Node, error) {
	n := &Node{}

	port := values["rpcport"]
	if port == "" {
		return nil, fmt.Errorf("%w: bitcoin.conf is missing rpcport", ErrConfigInvalid)
	}
	var parsed int
	if _, err := fmt.Sscanf(port, "%d", &parsed); err != nil || parsed <= 0 || parsed > 65535 {
		return nil, fmt.Errorf("%w: invalid rpcport %q", ErrConfigInvalid, port)
	}
	n.RPCPort = uint16(parsed)

	n.RPCUser = values["rpcuser"]
	n.RPCPassword = values["rpcpassword"]
	if n.RPCUser == "" || n.RPCPassword == "" {
		n.CookiePath = filepath.Join(datadir, ".cookie")
	}

	challenge := values["signetchallenge"]
	if challenge == "" {
		return nil, fmt.Errorf("%w: bitcoin.conf is missing signetchallenge", ErrConfigInvalid)
	}
	if !strings.HasPrefix(challenge, taprootChallengePrefix) {
		return nil, fmt.Errorf("%w: signetchallenge does not start with %s", ErrConfigInvalid, taprootChallengePrefix)
	}
	raw, err := hex.DecodeString(challenge)
	if err != nil {
		return nil, fmt.Errorf("%w: signetchallenge is not valid hex: %v", ErrConfigInvalid, err)
	}
	n.SignetChallenge = raw

	keyBytes := raw[len(taprootChallengePrefix)/2:]
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("%w: signetchallenge key is %d bytes, want 32", ErrConfigInvalid, len(keyBytes))
	}
	groupKey, err := schnorr.ParsePubKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: signetchallenge key: %v", ErrConfigInvalid, err)
	}
	n.GroupPublicKey = groupKey

	n.ZMQBlockEndpoint = values["zmqpubitcoinblock"]
	if n.ZMQBlockEndpoint == "" {
		return nil, fmt.Errorf("%w: bitcoin.conf is missing zmqpubitcoinblock", ErrConfigInvalid)
	}
	return n, nil
}
