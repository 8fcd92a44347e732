// Package store implements the replica's single durable artifact: an
// append-only log of FBFT facts (requests, sent and received messages,
// view transitions, checkpoints, reply times) sufficient to resume a
// replica deterministically from the same datadir. Facts are JSON lines;
// when an operator configures log encryption, each line is sealed with an
// ECDH-derived symmetric key before it reaches disk.
package store

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/itcoin-fbft/fbft/internal/message"
)

const factsFileName = "fbft_facts.log"

// Kind discriminates the fact records in the log.
type Kind string

const (
	KindRequest    Kind = "request"
	KindMessageIn  Kind = "message_in"
	KindMessageOut Kind = "message_out"
	KindView       Kind = "view"
	KindCheckpoint Kind = "checkpoint"
	KindReplyTime  Kind = "reply_time"
)

// Cipher seals and opens individual log lines; ephemeral.SymmetricEcdhKey
// satisfies it. A nil Cipher stores plaintext.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// Fact is one log record. Exactly one of the payload fields is set,
// according to Kind.
type Fact struct {
	Kind Kind `json:"kind"`

	RequestGenesis   uint32  `json:"request_genesis,omitempty"`
	RequestInterval  float64 `json:"request_interval,omitempty"`
	RequestTimestamp uint32  `json:"request_timestamp,omitempty"`

	Message *message.Message `json:"message,omitempty"`

	View uint64 `json:"view,omitempty"`

	CheckpointHeight uint64 `json:"checkpoint_height,omitempty"`
	CheckpointDigest string  `json:"checkpoint_digest,omitempty"`

	ReplyTime uint64 `json:"reply_time,omitempty"`
}

// Store is the append-only fact log. It is single-writer: exactly one
// replica process owns a datadir at a time.
type Store struct {
	file   *os.File
	writer *bufio.Writer
	cipher Cipher
	log    zerolog.Logger
}

// Open opens (or creates) the fact log under dir. With reset set, any
// existing log is discarded first, per the replica's -reset flag.
func Open(dir string, reset bool, cipher Cipher, log zerolog.Logger) (*Store, error) {
	path := filepath.Join(dir, factsFileName)
	if reset {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("store: resetting fact log: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("store: opening fact log: %w", err)
	}
	return &Store{
		file:   file,
		writer: bufio.NewWriter(file),
		cipher: cipher,
		log:    log.With().Str("component", "store").Logger(),
	}, nil
}

// Append writes one fact and syncs it to disk before returning, so a
// crashed replica never resumes from a log missing a fact it acted on.
func (s *Store) Append(f Fact) error {
	line, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("store: encoding fact: %w", err)
	}
	if s.cipher != nil {
		sealed, err := s.cipher.Encrypt(line)
		if err != nil {
			return fmt.Errorf("store: sealing fact: %w", err)
		}
		line = []byte(base64.StdEncoding.EncodeToString(sealed))
	}
	if _, err := s.writer.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("store: appending fact: %w", err)
	}
	if err := s.writer.Flush(); err != nil {
		return err
	}
	return s.file.Sync()
}

// AppendRequest records a synthesized request.
func (s *Store) AppendRequest(genesis uint32, interval float64, timestamp uint32) error {
	return s.Append(Fact{Kind: KindRequest, RequestGenesis: genesis, RequestInterval: interval, RequestTimestamp: timestamp})
}

// AppendMessage records one sent or received message.
func (s *Store) AppendMessage(kind Kind, m *message.Message) error {
	return s.Append(Fact{Kind: kind, Message: m})
}

// AppendView records a view transition.
func (s *Store) AppendView(v uint64) error {
	return s.Append(Fact{Kind: KindView, View: v})
}

// AppendCheckpoint records an advanced low-water mark.
func (s *Store) AppendCheckpoint(height uint64, digest message.Digest) error {
	return s.Append(Fact{Kind: KindCheckpoint, CheckpointHeight: height, CheckpointDigest: digest.String()})
}

// AppendReplyTime records the last reply time.
func (s *Store) AppendReplyTime(t uint64) error {
	return s.Append(Fact{Kind: KindReplyTime, ReplyTime: t})
}

// Replay feeds every stored fact, oldest first, to fn. A fact that fails
// to decode aborts the replay: a half-readable log is corruption, not
// something to silently skip past.
func (s *Store) Replay(fn func(Fact) error) error {
	if _, err := s.file.Seek(0, 0); err != nil {
		return fmt.Errorf("store: rewinding fact log: %w", err)
	}
	scanner := bufio.NewScanner(s.file)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<26)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if s.cipher != nil {
			sealed, err := base64.StdEncoding.DecodeString(string(line))
			if err != nil {
				return fmt.Errorf("store: fact %d is not valid base64: %w", lineNo, err)
			}
			line, err = s.cipher.Decrypt(sealed)
			if err != nil {
				return fmt.Errorf("store: opening fact %d: %w", lineNo, err)
			}
		}
		var f Fact
		if err := json.Unmarshal(line, &f); err != nil {
			return fmt.Errorf("store: decoding fact %d: %w", lineNo, err)
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("store: reading fact log: %w", err)
	}
	if _, err := s.file.Seek(0, 2); err != nil {
		return fmt.Errorf("store: seeking to log end: %w", err)
	}
	return nil
}

// Close flushes and closes the log.
func (s *Store) Close() error {
	if err := s.writer.Flush(); err != nil {
		return err
	}
	return s.file.Close()
}
