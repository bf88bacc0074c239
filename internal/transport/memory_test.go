package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/chordring/internal/wire"
)

func TestMemoryNetwork(t *testing.T) {
	ctx := context.Background()
	network := NewMemoryNetwork()

	addr, err := wire.ParseAddress("10.0.0.1:7000")
	require.NoError(t, err)
	h := &echoHandler{}
	network.Register(addr, h)

	t.Run("round trip", func(t *testing.T) {
		conn, err := network.Dial(ctx, addr)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, conn.Send(ctx, wire.Ping()))
		reply, err := conn.AwaitReply(ctx)
		require.NoError(t, err)
		assert.Equal(t, wire.KindPingReply, reply.Kind)

		_, err = conn.AwaitReply(ctx)
		assert.ErrorIs(t, err, ErrNoReply)
		assert.Equal(t, 1, network.Sent(wire.KindPing))
	})

	t.Run("unknown address", func(t *testing.T) {
		other, _ := wire.ParseAddress("10.0.0.2:7000")
		_, err := network.Dial(ctx, other)
		assert.ErrorIs(t, err, ErrUnreachable)
	})

	t.Run("killed after dial", func(t *testing.T) {
		conn, err := network.Dial(ctx, addr)
		require.NoError(t, err)
		defer conn.Close()

		network.Kill(addr)
		assert.ErrorIs(t, conn.Send(ctx, wire.Ping()), ErrUnreachable)

		_, err = network.Dial(ctx, addr)
		assert.ErrorIs(t, err, ErrUnreachable)

		network.Revive(addr)
		assert.NoError(t, conn.Send(ctx, wire.Ping()))
	})

	t.Run("closed conn", func(t *testing.T) {
		conn, err := network.Dial(ctx, addr)
		require.NoError(t, err)
		require.NoError(t, conn.Close())
		assert.ErrorIs(t, conn.Send(ctx, wire.Ping()), ErrClosed)
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := network.Dial(cctx, addr)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("handler error", func(t *testing.T) {
		bad, _ := wire.ParseAddress("10.0.0.3:7000")
		network.Register(bad, HandlerFunc(func(ctx context.Context, frame []byte) ([]byte, error) {
			return nil, errors.New("boom")
		}))

		conn, err := network.Dial(ctx, bad)
		require.NoError(t, err)
		defer conn.Close()
		assert.Error(t, conn.Send(ctx, wire.Ping()))
	})

	t.Run("undecodable reply", func(t *testing.T) {
		odd, _ := wire.ParseAddress("10.0.0.4:7000")
		network.Register(odd, HandlerFunc(func(ctx context.Context, frame []byte) ([]byte, error) {
			return []byte{250}, nil
		}))

		conn, err := network.Dial(ctx, odd)
		require.NoError(t, err)
		defer conn.Close()

		err = conn.Send(ctx, wire.Ping())
		var de *wire.DecodeError
		assert.ErrorAs(t, err, &de)
	})
}

func TestSealOpen(t *testing.T) {
	frame := wire.Encode(wire.GetReply([]byte("payload")))

	sealed := Seal(frame)
	assert.Len(t, sealed, len(frame)+checksumSize)

	body, err := Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, frame, body)

	t.Run("flipped bit", func(t *testing.T) {
		damaged := append([]byte(nil), sealed...)
		damaged[3] ^= 0x01
		_, err := Open(damaged)
		assert.ErrorIs(t, err, ErrChecksumMismatch)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := Open(sealed[:5])
		assert.ErrorIs(t, err, ErrChecksumMismatch)
	})

	t.Run("seal does not alias input", func(t *testing.T) {
		in := []byte{1, 2, 3}
		out := Seal(in)
		out[0] = 9
		assert.Equal(t, byte(1), in[0])
	})
}
