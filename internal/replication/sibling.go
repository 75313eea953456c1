package replication

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
)

// Protocol selects the transport a [Sibling] uses.
type Protocol string

// Protocol values.
const (
	ProtoUDP Protocol = "udp"
	ProtoTCP Protocol = "tcp"
)

// dialTimeout bounds how long establishing a sibling's TCP connection may
// take before Send gives up and reports an error.
const dialTimeout = 2 * time.Second

// defaultSendQueueSize is the capacity of a Sibling's outbound queue when
// none is configured.
const defaultSendQueueSize = 5000

// Metrics receives replication send/receive outcomes.  Implemented by
// [github.com/wforce/wforced/internal/metrics.Server]; kept as a narrow
// interface here so this package doesn't import metrics directly.
type Metrics interface {
	// ObserveReplicationSend records the outcome of sending one message to
	// sibling.
	ObserveReplicationSend(sibling string, ok bool)

	// ObserveReplicationRecv records the outcome of receiving one message
	// purportedly from origin.
	ObserveReplicationRecv(origin string, ok bool)

	// SetReceiveQueueDepth reports the number of TCP connections a
	// [Receiver] is currently servicing.
	SetReceiveQueueDepth(n int64)
}

// SiblingStats snapshots one [Sibling]'s send/receive counters.
type SiblingStats struct {
	SendOK   int64
	SendFail int64
	RecvOK   int64
	RecvFail int64
}

// Sibling is the outbound fan-out endpoint for one cluster peer: every
// local mutation configured for replication is sealed and sent here.
//
// Grounded on the long-lived, reconnect-on-error connection shape the
// teacher uses for its upstream DNS connections, generalised from
// request/response DNS lookups to a fire-and-forget push of encrypted
// frames.
type Sibling struct {
	logger  *slog.Logger
	name    string
	addr    string
	host    string
	proto   Protocol
	aead    cipherAEAD
	origin  string
	self    bool
	metrics Metrics

	// queue is the bounded FIFO the sender goroutine drains.  queueMsg never
	// blocks: a full queue means the message is dropped and logged.
	queue chan *Message

	mu   sync.Mutex
	conn net.Conn

	sendOK, sendFail, recvOK, recvFail atomic.Int64
}

// NewSibling returns a *Sibling that sends to addr over proto, encrypting
// every message with key.  origin is this node's own name, stamped on
// every outgoing [Message] so peers can detect loops.  localAddr is this
// node's own listen address for proto (e.g. [wfconfig.ReplicationConfig]'s
// ListenUDP/ListenTCP); when it resolves to the same host and port as addr,
// the sibling is marked self and silently drops every send, so a node never
// replicates to itself.
func NewSibling(
	logger *slog.Logger,
	name, addr string,
	proto Protocol,
	key []byte,
	origin string,
	localAddr string,
) (s *Sibling, err error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	host, _, splitErr := net.SplitHostPort(addr)
	if splitErr != nil {
		host = addr
	}

	s = &Sibling{
		logger: logger.With(slogutil.KeyPrefix, fmt.Sprintf("replication(sibling=%s)", name)),
		name:   name,
		addr:   addr,
		host:   host,
		proto:  proto,
		aead:   aead,
		origin: origin,
		self:   resolvesSame(addr, localAddr),
		queue:  make(chan *Message, defaultSendQueueSize),
	}

	if s.self {
		s.logger.Warn("sibling resolves to this node's own listen address; sends will be dropped")
	}

	return s, nil
}

// resolvesSame reports whether addr and localAddr name the same host and
// port, comparing the host portions as IP addresses when both parse as one
// and falling back to a literal string match otherwise (e.g. for
// hostnames).  An empty localAddr (the protocol isn't listened on locally)
// never matches.
func resolvesSame(addr, localAddr string) (same bool) {
	if localAddr == "" {
		return false
	}

	ah, ap, aerr := net.SplitHostPort(addr)
	lh, lp, lerr := net.SplitHostPort(localAddr)
	if aerr != nil || lerr != nil {
		return addr == localAddr
	}

	if ap != lp {
		return false
	}

	return sameHost(ah, lh)
}

func sameHost(a, b string) (same bool) {
	if a == b {
		return true
	}

	aAddr, aerr := netip.ParseAddr(a)
	bAddr, berr := netip.ParseAddr(b)
	if aerr != nil || berr != nil {
		return false
	}

	return aAddr == bAddr
}

// Name returns the sibling's configured name.
func (s *Sibling) Name() (name string) { return s.name }

// Host returns the host portion (no port) of the sibling's configured
// address, used by [Receiver] to match an incoming datagram/connection's
// source address against configured siblings.
func (s *Sibling) Host() (host string) { return s.host }

// SetMetrics wires m to receive this sibling's send/receive outcomes.  A nil
// m (the default) disables reporting.
func (s *Sibling) SetMetrics(m Metrics) { s.metrics = m }

// Stats snapshots the sibling's send/receive counters.
func (s *Sibling) Stats() (st SiblingStats) {
	return SiblingStats{
		SendOK:   s.sendOK.Load(),
		SendFail: s.sendFail.Load(),
		RecvOK:   s.recvOK.Load(),
		RecvFail: s.recvFail.Load(),
	}
}

// RecordRecv updates the sibling's receive counters for one message
// purportedly from it.  Called by [Receiver] once it has matched an
// incoming source address to this sibling.
func (s *Sibling) RecordRecv(ok bool) {
	if ok {
		s.recvOK.Add(1)
	} else {
		s.recvFail.Add(1)
	}

	if s.metrics != nil {
		s.metrics.ObserveReplicationRecv(s.name, ok)
	}
}

// Start launches the dedicated goroutine that drains the sibling's outbound
// queue until ctx is cancelled.  Call once per Sibling.
func (s *Sibling) Start(ctx context.Context) {
	go s.senderLoop(ctx)
}

func (s *Sibling) senderLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.queue:
			if err := s.Send(ctx, msg); err != nil {
				s.logger.WarnContext(ctx, "sending to sibling", slogutil.KeyError, err)
			}
		}
	}
}

// QueueMsg enqueues msg for asynchronous delivery by the sender goroutine
// started via Start.  It never blocks: a full queue drops msg and logs it,
// and a self sibling drops every message silently.
func (s *Sibling) QueueMsg(ctx context.Context, msg *Message) {
	if s.self {
		return
	}

	select {
	case s.queue <- msg:
	default:
		s.logger.WarnContext(ctx, "sibling send queue full, dropping message", "queue_size", cap(s.queue))
	}
}

// Send seals and transmits msg synchronously, bypassing the queue.
// msg.Origin is overwritten with this node's own origin before sending.  A
// self sibling drops every send silently and returns nil.
func (s *Sibling) Send(ctx context.Context, msg *Message) (err error) {
	if s.self {
		return nil
	}

	msg.Origin = s.origin

	plaintext, err := msg.Encode()
	if err != nil {
		s.recordSend(false)

		return err
	}

	frame, err := Seal(s.aead, plaintext)
	if err != nil {
		s.recordSend(false)

		return err
	}

	if s.proto == ProtoUDP {
		err = s.sendUDP(ctx, frame)
	} else {
		err = s.sendTCP(ctx, frame)
	}

	s.recordSend(err == nil)

	return err
}

func (s *Sibling) recordSend(ok bool) {
	if ok {
		s.sendOK.Add(1)
	} else {
		s.sendFail.Add(1)
	}

	if s.metrics != nil {
		s.metrics.ObserveReplicationSend(s.name, ok)
	}
}

func (s *Sibling) sendUDP(ctx context.Context, frame []byte) (err error) {
	conn, err := s.connLocked(ctx)
	if err != nil {
		return err
	}

	if _, err = conn.Write(frame); err != nil {
		s.dropConn()

		return fmt.Errorf("replication: udp send to %s: %w", s.name, err)
	}

	return nil
}

// sendTCP writes frame to the sibling's stream connection, reconnecting and
// retrying exactly once on a write error before giving up.
func (s *Sibling) sendTCP(ctx context.Context, frame []byte) (err error) {
	for attempt := 0; attempt < 2; attempt++ {
		var conn net.Conn
		conn, err = s.connLocked(ctx)
		if err != nil {
			return err
		}

		if err = WriteTCPFrame(conn, frame); err == nil {
			return nil
		}

		s.dropConn()
	}

	return fmt.Errorf("replication: tcp send to %s: %w", s.name, err)
}

// connLocked returns the cached connection, dialing a fresh one if needed.
func (s *Sibling) connLocked(ctx context.Context) (conn net.Conn, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return s.conn, nil
	}

	d := net.Dialer{Timeout: dialTimeout}

	conn, err = d.DialContext(ctx, string(s.proto), s.addr)
	if err != nil {
		return nil, fmt.Errorf("replication: dialing %s (%s): %w", s.name, s.addr, err)
	}

	s.conn = conn

	return conn, nil
}

func (s *Sibling) dropConn() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

// Close closes the sibling's cached connection, if any.
func (s *Sibling) Close() (err error) {
	s.dropConn()

	return nil
}
