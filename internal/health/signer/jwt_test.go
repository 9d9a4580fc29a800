package signer

import (
	"testing"
	"time"

	"github.com/smallbiznis/gatekeeper/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	key := []byte("support-secret")
	s := NewWithKey(key, func() time.Time { return time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC) })

	payload := []byte(`{"project_id":"1"}`)
	sig, err := s.Sign(payload)
	require.NoError(t, err)

	assert.True(t, s.Verify(payload, sig, key))
	assert.False(t, s.Verify([]byte(`{"project_id":"2"}`), sig, key), "tampered payload")
	assert.False(t, s.Verify(payload, sig, []byte("other")), "wrong key")
	assert.False(t, s.Verify(payload, "not-a-token", key))
}

func TestNewWithoutKey(t *testing.T) {
	assert.Nil(t, New(config.Config{}))

	var s *JWTSigner
	_, err := s.Sign([]byte("x"))
	assert.Error(t, err)
}
