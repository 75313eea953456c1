package control_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wforce/wforced/internal/control"
	"github.com/wforce/wforced/internal/policy"
	"github.com/wforce/wforced/internal/replication"
)

const consoleScript = `
function allow(ev) { return {status: "ok"}; }
var callCount = 0;
function bump() { callCount++; return "bumped to " + callCount; }
`

func freeTCPAddr(t *testing.T) (addr string) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr = ln.Addr().String()
	require.NoError(t, ln.Close())

	return addr
}

func sendCommand(t *testing.T, conn net.Conn, aead interface {
	Seal(dst, nonce, plaintext, ad []byte) []byte
	Open(dst, nonce, ciphertext, ad []byte) ([]byte, error)
	NonceSize() int
	Overhead() int
}, cmd control.Command) (resp control.Response) {
	t.Helper()

	b, err := json.Marshal(cmd)
	require.NoError(t, err)

	frame, err := replication.Seal(aead, b)
	require.NoError(t, err)
	require.NoError(t, replication.WriteTCPFrame(conn, frame))

	respFrame, err := replication.ReadTCPFrame(conn)
	require.NoError(t, err)

	respPlain, err := replication.Open(aead, respFrame)
	require.NoError(t, err)

	require.NoError(t, json.Unmarshal(respPlain, &resp))

	return resp
}

func TestServer_evalsAgainstPool(t *testing.T) {
	key, err := replication.GenerateKey()
	require.NoError(t, err)

	pool, err := policy.NewPool(&policy.Config{Logger: slog.Default(), Script: consoleScript, PoolSize: 2})
	require.NoError(t, err)

	srv, err := control.NewServer(slog.Default(), key, control.Registries{Policy: pool})
	require.NoError(t, err)

	addr := freeTCPAddr(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = srv.Serve(ctx, addr) }()
	time.Sleep(20 * time.Millisecond)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	aead, err := replication.NewAEAD(key)
	require.NoError(t, err)

	resp := sendCommand(t, conn, aead, control.Command{Line: "bump()"})
	assert.True(t, resp.OK)
	assert.Equal(t, "bumped to 1", resp.Result)

	resp = sendCommand(t, conn, aead, control.Command{Line: "this is not valid code {{"})
	assert.False(t, resp.OK)
	assert.NotEmpty(t, resp.Error)
}

func TestServer_withoutPolicyRejectsCommands(t *testing.T) {
	key, err := replication.GenerateKey()
	require.NoError(t, err)

	srv, err := control.NewServer(slog.Default(), key, control.Registries{})
	require.NoError(t, err)

	addr := freeTCPAddr(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = srv.Serve(ctx, addr) }()
	time.Sleep(20 * time.Millisecond)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	aead, err := replication.NewAEAD(key)
	require.NoError(t, err)

	resp := sendCommand(t, conn, aead, control.Command{Line: "1+1"})
	assert.False(t, resp.OK)
	assert.NotEmpty(t, resp.Error)
}
