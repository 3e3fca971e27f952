package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTProvider(t *testing.T) {
	v := NewVerifier("secret")
	token, err := v.Issue("u-1", "alice", time.Hour)
	require.NoError(t, err)

	p := NewJWTProvider(v, token)
	st, err := p.Current(context.Background())
	require.NoError(t, err)
	assert.True(t, st.IsValid)
	assert.Equal(t, "alice", st.Account)
	assert.True(t, st.ValidAt(time.Now()))
	assert.False(t, st.ValidAt(time.Now().Add(2*time.Hour)))

	p.SetToken("garbage")
	st, err = p.Current(context.Background())
	require.NoError(t, err)
	assert.False(t, st.IsValid)
}

func TestExpiredTokenIsInvalid(t *testing.T) {
	v := NewVerifier("secret")
	token, err := v.Issue("u-1", "alice", -time.Minute)
	require.NoError(t, err)

	st, err := NewJWTProvider(v, token).Current(context.Background())
	require.NoError(t, err)
	assert.False(t, st.IsValid)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestWrongSecretIsRejected(t *testing.T) {
	token, err := NewVerifier("a").Issue("u-1", "alice", time.Hour)
	require.NoError(t, err)
	_, err = NewVerifier("b").Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
