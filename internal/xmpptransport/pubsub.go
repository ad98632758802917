package xmpptransport

import (
	"context"
	"encoding/xml"
	"fmt"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/pubsub"
)

// mergeStatusNS is the namespace for the merge_status payload spec §6
// puts on the wire: `merge_status` node=<project> status=<status>,
// with one `file` child per conflicting path.
const mergeStatusNS = "baboon:merge_status"

// MergeStatus is the pub/sub item published to a project's node after
// a merge verification completes (spec §3 MergeStatus, §4.6 "Publishes
// MergeStatus stanzas to the project's pub/sub node"). Resolved is set
// when this OK verdict follows a prior Conflict verdict for the same
// (owner, user) pair, so subscribers can tell "never broken" apart
// from "just fixed."
type MergeStatus struct {
	XMLName  xml.Name `xml:"baboon:merge_status merge_status"`
	Node     string   `xml:"node,attr"`
	Status   string   `xml:"status,attr"`
	Files    []string `xml:"file"`
	Resolved bool     `xml:"resolved,attr,omitempty"`
}

// Subscribe joins service's pub/sub node for project so this session
// receives MergeStatus items (spec §4.6 shared: "subscribe to pub/sub
// (XEP-0060) for MergeStatus delivery").
func Subscribe(ctx context.Context, s *Session, service jid.JID, project string) error {
	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()
	if sess == nil {
		return fmt.Errorf("session not established")
	}
	if err := pubsub.Subscribe(ctx, sess, service, project, s.JID.Bare()); err != nil {
		return fmt.Errorf("subscribe to %s: %w", project, err)
	}
	return nil
}

// PublishMergeStatus publishes a MergeStatus item to project's node on
// service, the daemon-side half of merge verification (spec §4.5: the
// verdict is broadcast, never dropped).
func PublishMergeStatus(ctx context.Context, s *Session, service jid.JID, status MergeStatus) error {
	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()
	if sess == nil {
		return fmt.Errorf("session not established")
	}

	item, err := elementFor(status)
	if err != nil {
		return err
	}
	if _, err := pubsub.Publish(ctx, sess, service, status.Node, item); err != nil {
		return fmt.Errorf("publish merge_status to %s: %w", status.Node, err)
	}
	return nil
}
