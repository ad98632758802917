// Package xmpptransport implements the shared and process-specific
// halves of Baboon's XMPP transport (spec §4.6): session lifecycle,
// pub/sub (XEP-0060) status delivery, IQ routing for the sync/merge
// protocol, and the SOCKS5 (XEP-0065) bytestream side channel used
// for bulk block-hash and delta payloads.
package xmpptransport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	baboonerrors "github.com/baboon-sync/baboon/internal/errors"
	"mellium.im/sasl"
	"mellium.im/xmpp"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/mux"
	"mellium.im/xmpp/stanza"
)

// disconnectTimeout bounds how long Close waits for the session to
// report disconnected before giving up (spec §4.6 cancellation: "the
// process waits for disconnected with a bounded 10 s timeout").
const disconnectTimeout = 10 * time.Second

// Session wraps a mellium.im/xmpp client session with the two ready
// flags spec §4.6 requires: connected (set once the stream is live)
// and disconnected (set once Close has torn it down). Every blocking
// caller waits on connected first; a failed authentication closes both
// ready channels and surfaces a typed error.
type Session struct {
	JID jid.JID

	logger *slog.Logger

	mu     sync.Mutex
	sess   *xmpp.Session
	connWG sync.WaitGroup

	connected    atomic.Bool
	disconnected atomic.Bool
	failedAuth   atomic.Bool

	connectedCh    chan struct{}
	disconnectedCh chan struct{}
}

// Dial opens an authenticated XMPP connection as localJID/passwd and
// starts serving handlers in the background. It returns once the
// stream negotiation (including SASL) has completed.
func Dial(ctx context.Context, localJID jid.JID, passwd string, handlers *mux.ServeMux) (*Session, error) {
	sess, err := xmpp.DialClientSession(
		ctx, localJID,
		xmpp.BindResource(),
		xmpp.StartTLS(&tls.Config{ServerName: localJID.Domain().String()}),
		xmpp.SASL("", passwd, sasl.Plain),
	)
	if err != nil {
		return nil, baboonerrors.AuthErr("establish xmpp session", err)
	}

	s := &Session{
		JID:            localJID,
		sess:           sess,
		connectedCh:    make(chan struct{}),
		disconnectedCh: make(chan struct{}),
	}

	s.connWG.Add(1)
	go func() {
		defer s.connWG.Done()
		if serveErr := sess.Serve(handlers); serveErr != nil && s.logger != nil {
			s.logger.Warn("xmpp serve loop exited", "err", serveErr)
		}
		s.markDisconnected()
	}()

	if err := sess.Send(ctx, stanza.Presence{Type: stanza.AvailablePresence}.Wrap(nil)); err != nil {
		s.failedAuth.Store(true)
		close(s.connectedCh)
		s.markDisconnected()
		return nil, baboonerrors.AuthErr("send initial presence", err)
	}
	s.markConnected()

	return s, nil
}

func (s *Session) markConnected() {
	if s.connected.CompareAndSwap(false, true) {
		close(s.connectedCh)
	}
}

func (s *Session) markDisconnected() {
	s.connected.Store(false)
	if s.disconnected.CompareAndSwap(false, true) {
		close(s.disconnectedCh)
	}
}

// WaitConnected blocks until the session is established or ctx is
// cancelled, returning a typed auth error if authentication failed.
func (s *Session) WaitConnected(ctx context.Context) error {
	select {
	case <-s.connectedCh:
		if s.failedAuth.Load() {
			return baboonerrors.AuthErr("authentication failed", nil)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connected reports whether the session is currently live.
func (s *Session) Connected() bool { return s.connected.Load() }

// Disconnected reports whether Close has completed.
func (s *Session) Disconnected() bool { return s.disconnected.Load() }

// elementReader marshals a custom stanza payload struct into an
// xml.TokenReader suitable for SendIQElement, without depending on any
// mellium-specific stanza-building helper for our own namespace
// elements.
type elementReader struct {
	dec *xml.Decoder
}

func (r *elementReader) Token() (xml.Token, error) { return r.dec.Token() }

func elementFor(v interface{}) (xml.TokenReader, error) {
	data, err := xml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal stanza payload: %w", err)
	}
	return &elementReader{dec: xml.NewDecoder(bytes.NewReader(data))}, nil
}

// SendIQ sends iq with payload as its child element and blocks for the
// matching reply, honoring ctx.
func (s *Session) SendIQ(ctx context.Context, iq stanza.IQ, payload interface{}) (xmpp.IQResponse, error) {
	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()
	if sess == nil {
		return nil, fmt.Errorf("session not established")
	}

	reader, err := elementFor(payload)
	if err != nil {
		return nil, err
	}
	return sess.SendIQElement(ctx, reader, iq)
}

// Close gracefully tears down the stream, waiting up to
// disconnectTimeout for the serve loop to observe the close.
func (s *Session) Close() error {
	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()
	if sess == nil {
		return nil
	}

	closeErr := sess.Close()
	s.markDisconnected()

	done := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(disconnectTimeout):
		if s.logger != nil {
			s.logger.Warn("timed out waiting for xmpp serve loop to exit")
		}
	}

	if closeErr != nil {
		return fmt.Errorf("close xmpp session: %w", closeErr)
	}
	return nil
}

// WithLogger attaches a structured logger for diagnostic messages that
// have no other error-reporting path (serve-loop shutdown timeouts).
func (s *Session) WithLogger(logger *slog.Logger) *Session {
	s.logger = logger
	return s
}
