package xmpptransport

import (
	"context"
	"fmt"
	"io"

	"github.com/baboon-sync/baboon/internal/wire"
	"mellium.im/xmpp/bytestreams"
	"mellium.im/xmpp/jid"
)

// Bytestream is the binary side channel spec §4.6 describes: "one
// SOCKS5 bytestream (XEP-0065) negotiated at session start", carrying
// length-prefixed wire.Envelope frames for the life of the session.
type Bytestream struct {
	SID  string
	conn io.ReadWriteCloser
}

// NegotiateBytestream asks streamer (the [server] "streamer" host,
// mediated by server) to establish a SOCKS5 stream and records
// "<server>/<streamer>" as its SID, the binary side-channel SID for the
// life of the watcher's session (spec §4.2 "Session setup").
func NegotiateBytestream(ctx context.Context, s *Session, server, streamer jid.JID) (*Bytestream, error) {
	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()
	if sess == nil {
		return nil, fmt.Errorf("session not established")
	}

	conn, err := bytestreams.New(sess).Dial(ctx, server, streamer)
	if err != nil {
		return nil, fmt.Errorf("negotiate socks5 bytestream: %w", err)
	}

	return &Bytestream{SID: server.String() + "/" + streamer.String(), conn: conn}, nil
}

// SendEnvelope writes env as a single length-prefixed frame.
func (b *Bytestream) SendEnvelope(env wire.Envelope) error {
	return wire.WriteEnvelope(b.conn, env)
}

// RecvEnvelope blocks for the next length-prefixed frame.
func (b *Bytestream) RecvEnvelope() (wire.Envelope, error) {
	return wire.ReadEnvelope(b.conn)
}

// Close tears down the underlying SOCKS5 connection.
func (b *Bytestream) Close() error {
	return b.conn.Close()
}
