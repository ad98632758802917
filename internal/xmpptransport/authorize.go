package xmpptransport

import (
	"context"
	"encoding/xml"

	"github.com/baboon-sync/baboon/internal/mergeverify"
	"mellium.im/xmpp/stanza"
)

// Authorizer checks whether a JID is a subscriber or owner of a
// project's pub/sub node. The daemon uses MirrorAuthorizer; tests can
// stub it.
type Authorizer interface {
	IsAuthorized(ctx context.Context, project, senderJID string) (bool, error)
}

// forbiddenIQ is the full error-reply stanza spec §4.6 mandates for an
// unauthorized inbound IQ: "code=503, type=auth, condition=forbidden".
// It is built directly rather than through a stanza-library error
// helper so every field spec §4.6 names is explicit on the wire.
type forbiddenIQ struct {
	XMLName xml.Name    `xml:"jabber:client iq"`
	ID      string      `xml:"id,attr"`
	To      string      `xml:"to,attr"`
	From    string      `xml:"from,attr"`
	Type    string      `xml:"type,attr"`
	Error   errorChild  `xml:"error"`
}

type errorChild struct {
	Code      string   `xml:"code,attr"`
	Type      string   `xml:"type,attr"`
	Forbidden xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-stanzas forbidden"`
}

// replyForbidden sends the 503/auth/forbidden error reply to iq.
func replyForbidden(ctx context.Context, s *Session, iq stanza.IQ) error {
	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()

	reply := forbiddenIQ{
		ID:   iq.ID,
		To:   iq.From.String(),
		From: s.JID.String(),
		Type: "error",
		Error: errorChild{
			Code: "503",
			Type: "auth",
		},
	}

	reader, err := elementFor(reply)
	if err != nil {
		return err
	}
	return sess.Send(ctx, reader)
}

// MirrorAuthorizer grounds "is a subscriber/owner of the node" in the
// one piece of server-side state the daemon actually keeps: a JID is
// authorized for a project once it has a mirror directory under it
// (created by a prior git-init), matching `_verify_subscription`'s
// role of gating every non-initial IQ behind node membership. A
// project with no mirrors yet has no owner to check against, so the
// first git-init for it is always allowed.
type MirrorAuthorizer struct {
	WorkingDir string
}

// IsAuthorized implements Authorizer.
func (a MirrorAuthorizer) IsAuthorized(ctx context.Context, project, senderJID string) (bool, error) {
	users, err := mergeverify.MirrorUsers(a.WorkingDir, project)
	if err != nil {
		return false, err
	}
	if len(users) == 0 {
		return true, nil
	}
	for _, u := range users {
		if u == senderJID {
			return true, nil
		}
	}
	return false, nil
}

// checkAuthorized verifies sender against project using authz and
// replies with a forbidden error on the daemon's behalf when it is
// not. A denied request gets only that error reply; no rsyncfinished is
// sent for it.
func checkAuthorized(ctx context.Context, s *Session, authz Authorizer, iq stanza.IQ, project, sender string) (bool, error) {
	if authz == nil {
		return true, nil
	}
	ok, err := authz.IsAuthorized(ctx, project, sender)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, replyForbidden(ctx, s, iq)
	}
	return true, nil
}
