package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStubClientNotFound(t *testing.T) {
	c := NewStubClient()
	_, err := c.GetAgentInfo(context.Background(), "0xdead")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStubClientEligibility(t *testing.T) {
	c := NewStubClient()
	c.Seed("0xabc", AgentRecord{Name: "alice", IsActive: true, IsBlocked: false})
	rec, err := c.GetAgentInfo(context.Background(), "0xABC")
	require.NoError(t, err)
	require.True(t, rec.Eligible())

	c.SetBlocked("0xabc", true)
	require.True(t, c.IsBlocked("0xABC"))
	rec, err = c.GetAgentInfo(context.Background(), "0xabc")
	require.NoError(t, err)
	require.False(t, rec.Eligible())
}

func TestStubClientGetPublicKeyMalformed(t *testing.T) {
	c := NewStubClient()
	c.Seed("0xabc", AgentRecord{Name: "alice", Metadata: `{}`})
	_, err := c.GetPublicKey(context.Background(), "0xabc")
	require.ErrorIs(t, err, ErrMalformedMetadata)
}

func TestStubClientRegisterSelfIdempotent(t *testing.T) {
	c := NewStubClient()
	c.Seed("0xabc", AgentRecord{Name: "alice"})
	require.NoError(t, c.RegisterSelf(context.Background(), "alice", `{"publicKey":"0xaa"}`))
	require.NoError(t, c.RegisterSelf(context.Background(), "alice", `{"publicKey":"0xaa"}`))
}
