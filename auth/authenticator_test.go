// Copyright (C) 2024-2026, DuxNet, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/duxnet/duxnetd/database/memdb"
	"github.com/duxnet/duxnetd/errs"
	"github.com/duxnet/duxnetd/ids"
)

func newTestAuthenticator(t *testing.T) (*Authenticator, time.Time) {
	require := require.New(t)

	a, err := New(Config{}, memdb.New())
	require.NoError(err)

	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	a.clock.Set(now)
	return a, now
}

func TestIssueAndVerify(t *testing.T) {
	require := require.New(t)
	a, now := newTestAuthenticator(t)

	nodeID := ids.GenerateTestNodeID()
	secret, err := a.Issue(nodeID, LevelSigned)
	require.NoError(err)
	require.Len(secret, SecretLen)

	payload := map[string]interface{}{
		"action":    "release",
		"escrow_id": "e-1",
	}
	timestamp := now.Unix()
	signature, err := Sign(payload, timestamp, secret)
	require.NoError(err)

	require.NoError(a.Verify(nodeID, payload, timestamp, signature))
	require.Equal(LevelSigned, a.Level(nodeID))
}

func TestVerifyUnknownNode(t *testing.T) {
	require := require.New(t)
	a, now := newTestAuthenticator(t)

	err := a.Verify(ids.GenerateTestNodeID(), nil, now.Unix(), "sig")
	require.ErrorIs(err, ErrUnknownNode)
	require.True(errs.IsKind(err, errs.Auth))
}

func TestVerifyTimestampWindow(t *testing.T) {
	require := require.New(t)
	a, now := newTestAuthenticator(t)

	nodeID := ids.GenerateTestNodeID()
	secret, err := a.Issue(nodeID, LevelSigned)
	require.NoError(err)

	payload := map[string]interface{}{"k": "v"}

	// Exactly at the TTL boundary is accepted.
	timestamp := now.Add(-DefaultSignatureTTL).Unix()
	signature, err := Sign(payload, timestamp, secret)
	require.NoError(err)
	require.NoError(a.Verify(nodeID, payload, timestamp, signature))

	// One second past it is not.
	timestamp = now.Add(-DefaultSignatureTTL - time.Second).Unix()
	signature, err = Sign(payload, timestamp, secret)
	require.NoError(err)
	err = a.Verify(nodeID, payload, timestamp, signature)
	require.ErrorIs(err, ErrExpiredTimestamp)
}

func TestVerifyTamperedPayload(t *testing.T) {
	require := require.New(t)
	a, now := newTestAuthenticator(t)

	nodeID := ids.GenerateTestNodeID()
	secret, err := a.Issue(nodeID, LevelSigned)
	require.NoError(err)

	timestamp := now.Unix()
	signature, err := Sign(map[string]interface{}{"amount": 100}, timestamp, secret)
	require.NoError(err)

	err = a.Verify(nodeID, map[string]interface{}{"amount": 200}, timestamp, signature)
	require.ErrorIs(err, ErrBadSignature)
}

func TestRateLimitSuspension(t *testing.T) {
	require := require.New(t)
	a, now := newTestAuthenticator(t)

	nodeID := ids.GenerateTestNodeID()
	secret, err := a.Issue(nodeID, LevelSigned)
	require.NoError(err)

	payload := map[string]interface{}{"k": "v"}
	timestamp := now.Unix()
	good, err := Sign(payload, timestamp, secret)
	require.NoError(err)

	for i := 0; i < DefaultMaxAuthAttempts; i++ {
		err = a.Verify(nodeID, payload, timestamp, "bad")
		require.ErrorIs(err, ErrBadSignature)
	}

	// Suspended: even a valid signature is rejected until the window slides.
	err = a.Verify(nodeID, payload, timestamp, good)
	require.ErrorIs(err, ErrRateLimited)

	a.clock.Set(now.Add(DefaultAuthWindow + time.Second))
	timestamp = a.clock.Time().Unix()
	good, err = Sign(payload, timestamp, secret)
	require.NoError(err)
	require.NoError(a.Verify(nodeID, payload, timestamp, good))
}

func TestSuccessResetsFailures(t *testing.T) {
	require := require.New(t)
	a, now := newTestAuthenticator(t)

	nodeID := ids.GenerateTestNodeID()
	secret, err := a.Issue(nodeID, LevelSigned)
	require.NoError(err)

	payload := map[string]interface{}{"k": "v"}
	timestamp := now.Unix()
	good, err := Sign(payload, timestamp, secret)
	require.NoError(err)

	for i := 0; i < DefaultMaxAuthAttempts-1; i++ {
		require.Error(a.Verify(nodeID, payload, timestamp, "bad"))
	}
	require.NoError(a.Verify(nodeID, payload, timestamp, good))

	// The counter restarted, so another run of failures is tolerated.
	for i := 0; i < DefaultMaxAuthAttempts-1; i++ {
		err = a.Verify(nodeID, payload, timestamp, "bad")
		require.ErrorIs(err, ErrBadSignature)
	}
	require.NoError(a.Verify(nodeID, payload, timestamp, good))
}

func TestReissueRotatesSecret(t *testing.T) {
	require := require.New(t)
	a, now := newTestAuthenticator(t)

	nodeID := ids.GenerateTestNodeID()
	oldSecret, err := a.Issue(nodeID, LevelSigned)
	require.NoError(err)
	_, err = a.Issue(nodeID, LevelSigned)
	require.NoError(err)

	payload := map[string]interface{}{"k": "v"}
	timestamp := now.Unix()
	signature, err := Sign(payload, timestamp, oldSecret)
	require.NoError(err)

	err = a.Verify(nodeID, payload, timestamp, signature)
	require.ErrorIs(err, ErrBadSignature)
}

func TestAuthorize(t *testing.T) {
	require := require.New(t)
	a, _ := newTestAuthenticator(t)

	basic := ids.GenerateTestNodeID()
	signed := ids.GenerateTestNodeID()

	_, err := a.Issue(basic, LevelBasic)
	require.NoError(err)
	_, err = a.Issue(signed, LevelSigned)
	require.NoError(err)

	require.NoError(a.Authorize(basic, "query"))
	require.ErrorIs(a.Authorize(basic, "register"), ErrInsufficientAuth)

	require.NoError(a.Authorize(signed, "register"))
	require.NoError(a.Authorize(signed, "list"))
	require.ErrorIs(a.Authorize(signed, "admin"), ErrInsufficientAuth)

	require.ErrorIs(a.Authorize(signed, "reboot"), ErrUnknownOperation)
}

func TestRevoke(t *testing.T) {
	require := require.New(t)
	a, _ := newTestAuthenticator(t)

	nodeID := ids.GenerateTestNodeID()
	_, err := a.Issue(nodeID, LevelVerified)
	require.NoError(err)

	require.NoError(a.Revoke(nodeID))
	require.Equal(LevelNone, a.Level(nodeID))
	require.ErrorIs(a.Revoke(nodeID), ErrUnknownNode)
}
