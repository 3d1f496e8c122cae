package p2p

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/kreutix/offerbook/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func bareNode() *Node {
	return &Node{
		logger:   zap.NewNop(),
		handlers: make(map[string]MessageHandler),
		seen:     make(map[string]time.Time),
	}
}

func TestMarkSeen(t *testing.T) {
	n := bareNode()
	assert.False(t, n.markSeen("m1"))
	assert.True(t, n.markSeen("m1"))
	assert.False(t, n.markSeen("m2"))
	assert.False(t, n.markSeen(""), "messages without id are never deduplicated")
	assert.False(t, n.markSeen(""))
}

func TestDispatch(t *testing.T) {
	n := bareNode()

	var got *types.P2PMessage
	n.RegisterHandler("ping", func(_ peer.ID, msg *types.P2PMessage) error {
		got = msg
		return errors.New("handler errors are logged only")
	})

	n.dispatch("", &types.P2PMessage{MessageType: "unknown"})
	assert.Nil(t, got)

	msg := &types.P2PMessage{MessageType: "ping", Payload: []byte(`{"a":1}`)}
	n.dispatch("", msg)
	require.NotNil(t, got)

	var v struct{ A int }
	require.NoError(t, got.DecodePayload(&v))
	assert.Equal(t, 1, v.A)
}

func TestLoadIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "node.key")

	k1, err := LoadIdentity(path)
	require.NoError(t, err)
	k2, err := LoadIdentity(path)
	require.NoError(t, err)
	assert.True(t, k1.Equals(k2))

	id1, err := peer.IDFromPrivateKey(k1)
	require.NoError(t, err)
	id2, err := peer.IDFromPrivateKey(k2)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}
