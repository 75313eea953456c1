package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"golang.org/x/sync/semaphore"
)

// defaultMaxConns bounds how many concurrent TCP connections the receiver
// will service at once, protecting it from an unbounded fan-in of siblings
// or a misbehaving peer opening many connections.
const defaultMaxConns = 64

// Handler processes one decoded [Message] received from origin.
type Handler func(ctx context.Context, msg *Message, origin string)

// ReceiverConfig configures a [Receiver].
type ReceiverConfig struct {
	Logger *slog.Logger

	// UDPAddr and TCPAddr are the local addresses to listen on.  Either may
	// be empty to skip that transport.
	UDPAddr, TCPAddr string

	// Key is the cluster pre-shared key used to open incoming frames.
	Key []byte

	// Origin is this node's own name; messages whose Message.Origin equals
	// it are dropped rather than handled, to break replication loops.
	Origin string

	// MaxConns bounds concurrent TCP connections.  0 means
	// [defaultMaxConns].
	MaxConns int64

	// Siblings lists the configured siblings this receiver accepts traffic
	// from.  A datagram or connection whose source address host doesn't
	// match any of them is rejected before the frame is decrypted.  An
	// empty list rejects everything, so a receiver always has its peers
	// configured in production.
	Siblings []*Sibling

	// Metrics, if set, receives the queue-depth gauge update on every TCP
	// connection accept/close.  Per-sibling send/recv counters are reported
	// directly by the matched [*Sibling], independent of this field.
	Metrics Metrics

	// Handle processes every message that isn't a loop and isn't part of
	// the bulk-sync protocol (see [SyncServer] for that).
	Handle Handler
}

// Receiver listens for sealed frames from cluster siblings over UDP and/or
// TCP, decrypts them, and dispatches decoded messages to a [Handler].
//
// Grounded on the accept-loop-plus-semaphore connection management shape of
// _examples/neekrasov-kvdb's TCP server, reused here for the cluster
// fan-in listener instead of a client protocol front-end.
type Receiver struct {
	logger           *slog.Logger
	aead             cipherAEAD
	origin           string
	handle           Handler
	udpAddr, tcpAddr string
	byHost           map[string]*Sibling
	metrics          Metrics

	sem        *semaphore.Weighted
	activeConn atomic.Int64

	udpConn net.PacketConn
	tcpLn   net.Listener

	wg sync.WaitGroup
}

// NewReceiver builds a *Receiver from c but does not start listening; call
// [Receiver.Serve].
func NewReceiver(c ReceiverConfig) (r *Receiver, err error) {
	aead, err := newAEAD(c.Key)
	if err != nil {
		return nil, err
	}

	maxConns := c.MaxConns
	if maxConns <= 0 {
		maxConns = defaultMaxConns
	}

	byHost := make(map[string]*Sibling, len(c.Siblings))
	for _, sib := range c.Siblings {
		byHost[sib.Host()] = sib
	}

	return &Receiver{
		logger:  c.Logger.With(slogutil.KeyPrefix, "replication(receiver)"),
		aead:    aead,
		origin:  c.Origin,
		handle:  c.Handle,
		udpAddr: c.UDPAddr,
		tcpAddr: c.TCPAddr,
		byHost:  byHost,
		metrics: c.Metrics,
		sem:     semaphore.NewWeighted(maxConns),
	}, nil
}

// Serve starts listening per the addresses this receiver was configured
// with and blocks until ctx is cancelled or a listener fails to start.
func (r *Receiver) Serve(ctx context.Context) (err error) {
	if r.udpAddr != "" {
		conn, lerr := net.ListenPacket("udp", r.udpAddr)
		if lerr != nil {
			return fmt.Errorf("replication: listening udp: %w", lerr)
		}

		r.udpConn = conn

		r.wg.Add(1)
		go r.serveUDP(ctx)
	}

	if r.tcpAddr != "" {
		ln, lerr := net.Listen("tcp", r.tcpAddr)
		if lerr != nil {
			return fmt.Errorf("replication: listening tcp: %w", lerr)
		}

		r.tcpLn = ln

		r.wg.Add(1)
		go r.serveTCP(ctx)
	}

	<-ctx.Done()
	r.close()
	r.wg.Wait()

	return nil
}

func (r *Receiver) close() {
	if r.udpConn != nil {
		_ = r.udpConn.Close()
	}

	if r.tcpLn != nil {
		_ = r.tcpLn.Close()
	}
}

func (r *Receiver) serveUDP(ctx context.Context) {
	defer r.wg.Done()

	buf := make([]byte, MaxFrameSize)
	for {
		n, addr, err := r.udpConn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			r.logger.WarnContext(ctx, "udp read", slogutil.KeyError, err)

			continue
		}

		frame := append([]byte(nil), buf[:n]...)
		r.dispatch(ctx, frame, addr.String())
	}
}

func (r *Receiver) serveTCP(ctx context.Context) {
	defer r.wg.Done()

	for {
		conn, err := r.tcpLn.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}

			r.logger.WarnContext(ctx, "tcp accept", slogutil.KeyError, err)

			continue
		}

		if err = r.sem.Acquire(ctx, 1); err != nil {
			_ = conn.Close()

			return
		}

		r.wg.Add(1)
		go r.handleTCPConn(ctx, conn)
	}
}

func (r *Receiver) handleTCPConn(ctx context.Context, conn net.Conn) {
	defer r.wg.Done()
	defer r.sem.Release(1)
	defer r.reportQueueDepth(r.activeConn.Add(-1))

	r.reportQueueDepth(r.activeConn.Add(1))

	defer func() {
		if p := recover(); p != nil {
			r.logger.ErrorContext(ctx, "panic handling connection", "panic", p, "stack", string(debug.Stack()))
		}

		_ = conn.Close()
	}()

	remote := conn.RemoteAddr().String()

	for {
		frame, err := ReadTCPFrame(conn)
		if err != nil {
			return
		}

		r.dispatch(ctx, frame, remote)
	}
}

func (r *Receiver) reportQueueDepth(n int64) {
	if r.metrics != nil {
		r.metrics.SetReceiveQueueDepth(n)
	}
}

// checkConnFromSibling reports whether remote's address matches a
// configured sibling, comparing hosts only (ports differ legitimately: a
// sibling's outbound send socket is rarely bound to its own listen port).
func (r *Receiver) checkConnFromSibling(remote string) (sib *Sibling, ok bool) {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}

	sib, ok = r.byHost[host]

	return sib, ok
}

func (r *Receiver) dispatch(ctx context.Context, frame []byte, remote string) {
	sib, ok := r.checkConnFromSibling(remote)
	if !ok {
		r.logger.WarnContext(ctx, "rejecting frame from unconfigured source", "remote", remote)

		return
	}

	plaintext, err := Open(r.aead, frame)
	if err != nil {
		sib.RecordRecv(false)
		r.logger.WarnContext(ctx, "opening frame", "remote", remote, slogutil.KeyError, err)

		return
	}

	msg, err := DecodeMessage(plaintext)
	if err != nil {
		sib.RecordRecv(false)
		r.logger.WarnContext(ctx, "decoding message", "remote", remote, slogutil.KeyError, err)

		return
	}

	sib.RecordRecv(true)

	if msg.Origin == r.origin {
		return
	}

	if r.handle != nil {
		r.handle(ctx, msg, remote)
	}
}
