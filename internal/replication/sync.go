package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/AdguardTeam/golibs/logutil/slogutil"

	"github.com/wforce/wforced/internal/filtering"
	"github.com/wforce/wforced/internal/stats"
)

// SyncProvider supplies the data a [SyncServer] ships to a node warming up
// from a full sync.
type SyncProvider interface {
	// FullDump returns every stats DB's current state, keyed by DB name.
	FullDump() (dump map[string][]stats.DumpEntry, err error)

	// ListEntries returns every entry of every list store, keyed by store
	// name.
	ListEntries() (entries map[string][]filtering.Entry, err error)
}

// Providers combines a stats registry and a list registry into the single
// [SyncProvider] a [SyncServer] needs; the two registries are independent
// packages with no reason to know about each other otherwise.
type Providers struct {
	Stats *stats.Registry
	Lists *filtering.Registry
}

var _ SyncProvider = Providers{}

// FullDump implements the [SyncProvider] interface for Providers.
func (p Providers) FullDump() (dump map[string][]stats.DumpEntry, err error) {
	return p.Stats.FullDump()
}

// ListEntries implements the [SyncProvider] interface for Providers.
func (p Providers) ListEntries() (entries map[string][]filtering.Entry, err error) {
	return p.Lists.ListEntries()
}

// SyncServer answers full-sync requests from siblings that are joining or
// recovering: one request, one TCP connection, one response.
type SyncServer struct {
	logger   *slog.Logger
	aead     cipherAEAD
	provider SyncProvider
	ln       net.Listener
}

// NewSyncServer returns a *SyncServer that will decrypt requests and
// encrypt responses with key.
func NewSyncServer(logger *slog.Logger, key []byte, provider SyncProvider) (s *SyncServer, err error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	return &SyncServer{
		logger:   logger.With(slogutil.KeyPrefix, "replication(sync-server)"),
		aead:     aead,
		provider: provider,
	}, nil
}

// Serve listens on addr and answers full-sync requests until ctx is
// cancelled.
func (s *SyncServer) Serve(ctx context.Context, addr string) (err error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("replication: sync server: listening: %w", err)
	}

	s.ln = ln

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, aerr := ln.Accept()
		if aerr != nil {
			if ctx.Err() != nil || errors.Is(aerr, net.ErrClosed) {
				return nil
			}

			s.logger.WarnContext(ctx, "accept", slogutil.KeyError, aerr)

			continue
		}

		go s.handle(ctx, conn)
	}
}

func (s *SyncServer) handle(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	frame, err := ReadTCPFrame(conn)
	if err != nil {
		s.logger.WarnContext(ctx, "reading sync request", slogutil.KeyError, err)

		return
	}

	plaintext, err := Open(s.aead, frame)
	if err != nil {
		s.logger.WarnContext(ctx, "opening sync request", slogutil.KeyError, err)

		return
	}

	req, err := DecodeMessage(plaintext)
	if err != nil || req.Type != MsgFullSyncRequest {
		s.logger.WarnContext(ctx, "unexpected sync request", slogutil.KeyError, err)

		return
	}

	resp, err := s.buildResponse()
	if err != nil {
		s.logger.WarnContext(ctx, "building sync response", slogutil.KeyError, err)

		return
	}

	respPlain, err := resp.Encode()
	if err != nil {
		return
	}

	respFrame, err := Seal(s.aead, respPlain)
	if err != nil {
		return
	}

	if err = WriteTCPFrame(conn, respFrame); err != nil {
		s.logger.WarnContext(ctx, "writing sync response", slogutil.KeyError, err)
	}
}

func (s *SyncServer) buildResponse() (resp *Message, err error) {
	statsDump, err := s.provider.FullDump()
	if err != nil {
		return nil, err
	}

	lists, err := s.provider.ListEntries()
	if err != nil {
		return nil, err
	}

	return &Message{
		Type: MsgFullSyncResponse,
		FullSync: &FullSyncWire{
			Stats: statsDump,
			Lists: lists,
		},
	}, nil
}

// RequestFullSync dials addr, requests a full sync, and returns the
// decoded response.
func RequestFullSync(ctx context.Context, key []byte, addr string) (resp *FullSyncWire, err error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	d := net.Dialer{Timeout: dialTimeout}

	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("replication: dialing sync server %s: %w", addr, err)
	}
	defer func() { _ = conn.Close() }()

	req := &Message{Type: MsgFullSyncRequest}

	plaintext, err := req.Encode()
	if err != nil {
		return nil, err
	}

	frame, err := Seal(aead, plaintext)
	if err != nil {
		return nil, err
	}

	if err = WriteTCPFrame(conn, frame); err != nil {
		return nil, fmt.Errorf("replication: writing sync request: %w", err)
	}

	respFrame, err := ReadTCPFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("replication: reading sync response: %w", err)
	}

	respPlain, err := Open(aead, respFrame)
	if err != nil {
		return nil, err
	}

	msg, err := DecodeMessage(respPlain)
	if err != nil {
		return nil, err
	}

	if msg.Type != MsgFullSyncResponse || msg.FullSync == nil {
		return nil, fmt.Errorf("replication: unexpected response type %q", msg.Type)
	}

	return msg.FullSync, nil
}
