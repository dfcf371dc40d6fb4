// Copyright (C) 2024-2026, DuxNet, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package auth issues node identities and verifies HMAC-signed messages. The
// canonical signing form is JSON with sorted keys followed by a unix-second
// timestamp; encoding/json already emits map keys sorted, so marshaling the
// payload map is the canonical encoding.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/duxnet/duxnetd/database"
	"github.com/duxnet/duxnetd/errs"
	"github.com/duxnet/duxnetd/ids"
	"github.com/duxnet/duxnetd/utils/timer/mockable"
)

const (
	SecretLen = 32

	DefaultSignatureTTL    = 300 * time.Second
	DefaultMaxAuthAttempts = 5
	DefaultAuthWindow      = 300 * time.Second
)

var (
	ErrUnknownNode      = errors.New("unknown node identity")
	ErrBadSignature     = errors.New("signature mismatch")
	ErrExpiredTimestamp = errors.New("timestamp outside allowed window")
	ErrRateLimited      = errors.New("too many failed authentications")
	ErrInsufficientAuth = errors.New("insufficient authentication level")
	ErrUnknownOperation = errors.New("unknown operation")
)

// Level orders the authentication strengths a node can hold.
type Level uint8

const (
	LevelNone Level = iota
	LevelBasic
	LevelSigned
	LevelVerified
)

func (l Level) String() string {
	switch l {
	case LevelBasic:
		return "basic"
	case LevelSigned:
		return "signed"
	case LevelVerified:
		return "verified"
	default:
		return "none"
	}
}

// Identity is the stored secret material for one node. The secret never
// appears in any response; callers receive it exactly once, at issuance.
type identity struct {
	NodeID       ids.NodeID `json:"node_id"`
	Secret       []byte     `json:"secret"`
	Level        Level      `json:"level"`
	CreatedAt    time.Time  `json:"created_at"`
	LastVerified time.Time  `json:"last_verified"`
}

// Config tunes signature freshness and the failure rate limit.
type Config struct {
	SignatureTTL    time.Duration
	MaxAuthAttempts int
	AuthWindow      time.Duration
}

// Authenticator issues per-node HMAC secrets and verifies signed messages
// with replay and rate-limit protection.
type Authenticator struct {
	clock  mockable.Clock
	config Config

	lock       sync.RWMutex
	identities map[ids.NodeID]*identity
	db         database.Database
	limiter    *failureLimiter
}

func New(config Config, db database.Database) (*Authenticator, error) {
	if config.SignatureTTL == 0 {
		config.SignatureTTL = DefaultSignatureTTL
	}
	if config.MaxAuthAttempts == 0 {
		config.MaxAuthAttempts = DefaultMaxAuthAttempts
	}
	if config.AuthWindow == 0 {
		config.AuthWindow = DefaultAuthWindow
	}
	a := &Authenticator{
		config:     config,
		identities: make(map[ids.NodeID]*identity),
		db:         db,
		limiter:    newFailureLimiter(config.MaxAuthAttempts, config.AuthWindow),
	}
	if err := a.load(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Authenticator) load() error {
	if a.db == nil {
		return nil
	}
	it := a.db.NewIterator()
	defer it.Release()
	for it.Next() {
		id := &identity{}
		if err := json.Unmarshal(it.Value(), id); err != nil {
			return errs.Wrap(errs.Internal, err)
		}
		a.identities[id.NodeID] = id
	}
	return it.Error()
}

func (a *Authenticator) persist(id *identity) error {
	if a.db == nil {
		return nil
	}
	bytes, err := json.Marshal(id)
	if err != nil {
		return errs.Wrap(errs.Internal, err)
	}
	return errs.Wrap(errs.Internal, a.db.Put([]byte(id.NodeID), bytes))
}

// Issue mints a fresh 32-byte secret for [nodeID] at [level] and returns it.
// Re-issuing rotates the secret.
func (a *Authenticator) Issue(nodeID ids.NodeID, level Level) ([]byte, error) {
	secret := make([]byte, SecretLen)
	if _, err := rand.Read(secret); err != nil {
		return nil, errs.Wrap(errs.Internal, err)
	}

	a.lock.Lock()
	defer a.lock.Unlock()

	id := &identity{
		NodeID:    nodeID,
		Secret:    secret,
		Level:     level,
		CreatedAt: a.clock.Time(),
	}
	if err := a.persist(id); err != nil {
		return nil, err
	}
	a.identities[nodeID] = id
	return secret, nil
}

// Revoke removes the identity of [nodeID] entirely.
func (a *Authenticator) Revoke(nodeID ids.NodeID) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	if _, ok := a.identities[nodeID]; !ok {
		return errs.WithField(errs.Auth, "node_id", ErrUnknownNode)
	}
	delete(a.identities, nodeID)
	a.limiter.Reset(nodeID)
	if a.db != nil {
		return errs.Wrap(errs.Internal, a.db.Delete([]byte(nodeID)))
	}
	return nil
}

// Level reports the authentication level of [nodeID]; LevelNone if unknown.
func (a *Authenticator) Level(nodeID ids.NodeID) Level {
	a.lock.RLock()
	defer a.lock.RUnlock()

	if id, ok := a.identities[nodeID]; ok {
		return id.Level
	}
	return LevelNone
}

// CanonicalMessage is JSON(payload, sorted keys) || timestamp, the byte
// string both signer and verifier MAC over.
func CanonicalMessage(payload map[string]interface{}, timestamp int64) ([]byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return append(encoded, []byte(strconv.FormatInt(timestamp, 10))...), nil
}

// Sign computes the base64 HMAC-SHA256 signature of [payload] at [timestamp]
// under [secret]. Exposed for clients and tests; the daemon only verifies.
func Sign(payload map[string]interface{}, timestamp int64, secret []byte) (string, error) {
	message, err := CanonicalMessage(payload, timestamp)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(message)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks [signature] over [payload] at [timestamp] for [nodeID].
// Order matters: a rate-limit-suspended node is rejected before its
// signature is examined, so the sixth rapid failure is rejected even when it
// would otherwise verify.
func (a *Authenticator) Verify(nodeID ids.NodeID, payload map[string]interface{}, timestamp int64, signature string) error {
	now := a.clock.Time()

	if a.limiter.Suspended(nodeID, now) {
		return errs.WithField(errs.Auth, "node_id", ErrRateLimited)
	}

	a.lock.RLock()
	id, known := a.identities[nodeID]
	a.lock.RUnlock()
	if !known {
		a.limiter.RecordFailure(nodeID, now)
		return errs.WithField(errs.Auth, "node_id", ErrUnknownNode)
	}

	skew := now.Unix() - timestamp
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(a.config.SignatureTTL/time.Second) {
		a.limiter.RecordFailure(nodeID, now)
		return errs.WithField(errs.Auth, "timestamp", ErrExpiredTimestamp)
	}

	want, err := Sign(payload, timestamp, id.Secret)
	if err != nil {
		return errs.Wrap(errs.Internal, err)
	}
	if !hmac.Equal([]byte(want), []byte(signature)) {
		a.limiter.RecordFailure(nodeID, now)
		return errs.WithField(errs.Auth, "signature", ErrBadSignature)
	}

	a.limiter.Reset(nodeID)

	a.lock.Lock()
	id.LastVerified = now
	err = a.persist(id)
	a.lock.Unlock()
	return err
}

// Authorize enforces the operation → minimum level map.
func (a *Authenticator) Authorize(nodeID ids.NodeID, operation string) error {
	var required Level
	switch operation {
	case "register", "update", "delete":
		required = LevelSigned
	case "query", "list":
		required = LevelBasic
	case "admin":
		required = LevelVerified
	default:
		return errs.WithField(errs.Validation, "operation", fmt.Errorf("%w: %q", ErrUnknownOperation, operation))
	}

	if level := a.Level(nodeID); level < required {
		return errs.WithField(errs.Auth, "node_id",
			fmt.Errorf("%w: have %s, need %s", ErrInsufficientAuth, level, required))
	}
	return nil
}
