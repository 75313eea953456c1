package replication_test

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wforce/wforced/internal/filtering"
	"github.com/wforce/wforced/internal/replication"
	"github.com/wforce/wforced/internal/stats"
)

func testKey(t *testing.T) (key []byte) {
	t.Helper()

	key, err := replication.GenerateKey()
	require.NoError(t, err)

	return key
}

func freePort(t *testing.T, network string) (addr string) {
	t.Helper()

	switch network {
	case "tcp":
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()

		return ln.Addr().String()
	default:
		conn, err := net.ListenPacket("udp", "127.0.0.1:0")
		require.NoError(t, err)
		defer conn.Close()

		return conn.LocalAddr().String()
	}
}

func TestMessage_encodeDecodeRoundTrip(t *testing.T) {
	msg := &replication.Message{
		Type:   replication.MsgStatsMutation,
		Origin: "node-a",
		StatsMutation: &stats.Mutation{
			DB:    "db",
			Op:    "add_int",
			Key:   "k",
			Field: "f",
			N:     3,
		},
	}

	b, err := msg.Encode()
	require.NoError(t, err)

	got, err := replication.DecodeMessage(b)
	require.NoError(t, err)

	assert.Equal(t, msg.Type, got.Type)
	assert.Equal(t, msg.Origin, got.Origin)
	require.NotNil(t, got.StatsMutation)
	assert.Equal(t, *msg.StatsMutation, *got.StatsMutation)
}

func TestReceiverSibling_udpRoundTrip(t *testing.T) {
	key := testKey(t)
	udpAddr := freePort(t, "udp")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *replication.Message, 1)

	sib, err := replication.NewSibling(slog.Default(), "peer", udpAddr, replication.ProtoUDP, key, "sender", "")
	require.NoError(t, err)
	defer sib.Close()

	recv, err := replication.NewReceiver(replication.ReceiverConfig{
		Logger:   slog.Default(),
		UDPAddr:  udpAddr,
		Key:      key,
		Origin:   "receiver",
		Siblings: []*replication.Sibling{sib},
		Handle: func(_ context.Context, msg *replication.Message, _ string) {
			received <- msg
		},
	})
	require.NoError(t, err)

	go func() { _ = recv.Serve(ctx) }()

	time.Sleep(20 * time.Millisecond)

	mutation := stats.Mutation{DB: "db", Op: "add_int", Key: "k", N: 1}
	require.NoError(t, sib.Send(ctx, &replication.Message{Type: replication.MsgStatsMutation, StatsMutation: &mutation}))

	select {
	case msg := <-received:
		assert.Equal(t, replication.MsgStatsMutation, msg.Type)
		require.NotNil(t, msg.StatsMutation)
		assert.Equal(t, "k", msg.StatsMutation.Key)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestReceiverSibling_tcpRoundTrip(t *testing.T) {
	key := testKey(t)
	tcpAddr := freePort(t, "tcp")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *replication.Message, 1)

	sib, err := replication.NewSibling(slog.Default(), "peer", tcpAddr, replication.ProtoTCP, key, "sender", "")
	require.NoError(t, err)
	defer sib.Close()

	recv, err := replication.NewReceiver(replication.ReceiverConfig{
		Logger:   slog.Default(),
		TCPAddr:  tcpAddr,
		Key:      key,
		Origin:   "receiver",
		Siblings: []*replication.Sibling{sib},
		Handle: func(_ context.Context, msg *replication.Message, _ string) {
			received <- msg
		},
	})
	require.NoError(t, err)

	go func() { _ = recv.Serve(ctx) }()

	time.Sleep(20 * time.Millisecond)

	require.NoError(t, sib.Send(ctx, &replication.Message{Type: replication.MsgListEvent, ListEvent: &replication.ListEventWire{
		Store: "denylist",
		Event: filtering.Event{Kind: filtering.EventAdd, Entry: filtering.Entry{Key: "alice"}},
	}}))

	select {
	case msg := <-received:
		assert.Equal(t, replication.MsgListEvent, msg.Type)
		require.NotNil(t, msg.ListEvent)
		assert.Equal(t, "denylist", msg.ListEvent.Store)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestReceiver_dropsLoopedMessage(t *testing.T) {
	key := testKey(t)
	udpAddr := freePort(t, "udp")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *replication.Message, 1)

	sib, err := replication.NewSibling(slog.Default(), "peer", udpAddr, replication.ProtoUDP, key, "same-node", "")
	require.NoError(t, err)
	defer sib.Close()

	recv, err := replication.NewReceiver(replication.ReceiverConfig{
		Logger:   slog.Default(),
		UDPAddr:  udpAddr,
		Key:      key,
		Origin:   "same-node",
		Siblings: []*replication.Sibling{sib},
		Handle: func(_ context.Context, msg *replication.Message, _ string) {
			received <- msg
		},
	})
	require.NoError(t, err)

	go func() { _ = recv.Serve(ctx) }()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, sib.Send(ctx, &replication.Message{Type: replication.MsgStatsMutation, StatsMutation: &stats.Mutation{}}))

	select {
	case <-received:
		t.Fatal("looped message should have been dropped")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSibling_selfDropsSends(t *testing.T) {
	key := testKey(t)

	sib, err := replication.NewSibling(slog.Default(), "peer", "127.0.0.1:9999", replication.ProtoUDP, key, "node-a", "127.0.0.1:9999")
	require.NoError(t, err)
	defer sib.Close()

	require.NoError(t, sib.Send(context.Background(), &replication.Message{Type: replication.MsgStatsMutation, StatsMutation: &stats.Mutation{}}))

	st := sib.Stats()
	assert.Zero(t, st.SendOK)
	assert.Zero(t, st.SendFail)
}

func TestSibling_queueMsgDropsWhenFull(t *testing.T) {
	key := testKey(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	sib, err := replication.NewSibling(slog.Default(), "peer", ln.Addr().String(), replication.ProtoTCP, key, "node-a", "")
	require.NoError(t, err)
	defer sib.Close()

	for i := 0; i < 10000; i++ {
		sib.QueueMsg(context.Background(), &replication.Message{Type: replication.MsgStatsMutation, StatsMutation: &stats.Mutation{}})
	}
}

func TestSyncServerClient_roundTrip(t *testing.T) {
	key := testKey(t)
	addr := freePort(t, "tcp")

	statsReg := stats.NewRegistry(slog.Default())
	db, err := stats.New(&stats.Config{
		Logger:     slog.Default(),
		Name:       "db",
		Fields:     []stats.FieldConfig{{Name: "attempts", Kind: stats.KindInt}},
		NumWindows: 1,
		WindowSize: time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, db.AddInt("k", "attempts", 5))
	require.NoError(t, statsReg.Register(db))

	listsReg := filtering.NewRegistry()
	store, err := filtering.New(&filtering.Config{Logger: slog.Default(), Name: "denylist", KeySpace: filtering.KeySpaceLogin})
	require.NoError(t, err)
	require.NoError(t, listsReg.Register(store))
	require.NoError(t, store.Add(context.Background(), "alice", "brute", 0, false))

	srv, err := replication.NewSyncServer(slog.Default(), key, replication.Providers{Stats: statsReg, Lists: listsReg})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = srv.Serve(ctx, addr) }()
	time.Sleep(20 * time.Millisecond)

	resp, err := replication.RequestFullSync(context.Background(), key, addr)
	require.NoError(t, err)

	require.Contains(t, resp.Stats, "db")
	require.Contains(t, resp.Lists, "denylist")
	assert.Len(t, resp.Lists["denylist"], 1)
}
