// Package control implements wforced's encrypted administrative console: a
// framed TCP channel accepting line commands against the running policy
// pool and registries, used by the wforce-dump/wforce-cli-style tooling.
package control

import (
	"context"
	"crypto/cipher"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/AdguardTeam/golibs/logutil/slogutil"

	"github.com/wforce/wforced/internal/policy"
	"github.com/wforce/wforced/internal/replication"
)

// Command is one request received over the control channel: a line of
// policy-script code, run against every running interpreter.
type Command struct {
	Line string `json:"line"`
}

// Response is what the control channel sends back for a [Command].
type Response struct {
	OK     bool   `json:"ok"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Registries bundles the collaborators a command's code may reach through
// the bound policy interpreters' host API (stats/list-store access goes
// through the script's own "wf" global, not through the control channel
// directly).
type Registries struct {
	Policy *policy.Pool
}

// Server is the control channel's TCP listener.
//
// Grounded on the replication package's framed-AEAD receiver shape
// ([replication.Seal]/[replication.Open]/[replication.ReadTCPFrame]), reused
// here verbatim since both are "encrypted length-prefixed JSON over TCP"
// protocols differing only in payload type.
type Server struct {
	logger *slog.Logger
	aead   cipher.AEAD
	regs   Registries
	ln     net.Listener
}

// NewServer returns a *Server that decrypts commands and encrypts responses
// with key.
func NewServer(logger *slog.Logger, key []byte, regs Registries) (s *Server, err error) {
	aead, err := replication.NewAEAD(key)
	if err != nil {
		return nil, fmt.Errorf("control: %w", err)
	}

	return &Server{
		logger: logger.With(slogutil.KeyPrefix, "control"),
		aead:   aead,
		regs:   regs,
	}, nil
}

// Serve listens on addr and answers control commands until ctx is
// cancelled.
func (s *Server) Serve(ctx context.Context, addr string) (err error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control: listening: %w", err)
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

		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	for {
		frame, err := replication.ReadTCPFrame(conn)
		if err != nil {
			return
		}

		plaintext, err := replication.Open(s.aead, frame)
		if err != nil {
			s.logger.WarnContext(ctx, "opening command frame", slogutil.KeyError, err)

			return
		}

		var cmd Command
		if err = json.Unmarshal(plaintext, &cmd); err != nil {
			s.writeResponse(conn, Response{Error: "malformed command"})

			continue
		}

		resp := s.dispatch(ctx, cmd)
		s.writeResponse(conn, resp)
	}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	b, err := json.Marshal(resp)
	if err != nil {
		return
	}

	frame, err := replication.Seal(s.aead, b)
	if err != nil {
		return
	}

	_ = replication.WriteTCPFrame(conn, frame)
}

// dispatch runs cmd's line against the global policy interpreter and every
// pool interpreter, returning the printed output.
//
// Grounded on the reference implementation's control-channel handler, which
// runs an incoming line through every allow/report Lua state (for side
// effects) and then once more through a dedicated global Lua state, whose
// output buffer (or explicit return value) becomes the response.
func (s *Server) dispatch(ctx context.Context, cmd Command) (resp Response) {
	if s.regs.Policy == nil {
		return Response{Error: "policy pool not configured"}
	}

	output, err := s.regs.Policy.EvalAll(cmd.Line)
	if err != nil {
		return Response{Error: err.Error()}
	}

	return Response{OK: true, Result: output}
}
