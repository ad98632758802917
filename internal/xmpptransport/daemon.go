package xmpptransport

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"sync"

	"github.com/baboon-sync/baboon/internal/executor"
	"github.com/baboon-sync/baboon/internal/mergeverify"
	"github.com/baboon-sync/baboon/internal/mirror"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/mux"
	"mellium.im/xmpp/stanza"
	"mellium.im/xmlstream"
)

// DaemonTransport is the server-side half of spec §4.6: it receives
// git-init/rsync/merge_verification IQs, authorizes the sender through
// Authz, and enqueues the matching
// Task on the project's executor.
type DaemonTransport struct {
	Session    *Session
	Service    jid.JID
	WorkingDir string

	Dispatcher *executor.Dispatcher
	Verifier   *mergeverify.Verifier
	Authz      Authorizer

	Logger *slog.Logger

	mu            sync.Mutex
	bytestreams   map[string]*Bytestream
	pendingRsyncs map[string]*pendingRsync
}

// pendingRsync buffers the chunks of a batch split across multiple
// same-RID stanzas (spec §4.3 "split into N stanzas... same RID") until
// all of them have arrived, so the daemon processes the whole batch as
// one atomic unit instead of reassembling it stanza by stanza.
type pendingRsync struct {
	total  int
	chunks map[int]rsyncElement
}

// bufferRsyncChunk records el under its RID and reports whether every
// chunk of that batch (Seq 0..el.Total-1) has now arrived. When complete it
// returns the chunks merged in Seq order and clears the pending entry.
func (d *DaemonTransport) bufferRsyncChunk(el rsyncElement) (rsyncElement, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pendingRsyncs == nil {
		d.pendingRsyncs = make(map[string]*pendingRsync)
	}

	total := el.Total
	if total < 1 {
		total = 1
	}

	p, ok := d.pendingRsyncs[el.RID]
	if !ok {
		p = &pendingRsync{total: total, chunks: make(map[int]rsyncElement, total)}
		d.pendingRsyncs[el.RID] = p
	}
	p.chunks[el.Seq] = el

	if len(p.chunks) < p.total {
		return rsyncElement{}, false
	}
	delete(d.pendingRsyncs, el.RID)

	merged := rsyncElement{SID: el.SID, RID: el.RID, Node: el.Node, Total: p.total}
	for i := 0; i < p.total; i++ {
		chunk := p.chunks[i]
		merged.Files = append(merged.Files, chunk.Files...)
		merged.CreateFiles = append(merged.CreateFiles, chunk.CreateFiles...)
		merged.MoveFiles = append(merged.MoveFiles, chunk.MoveFiles...)
		merged.DeleteFiles = append(merged.DeleteFiles, chunk.DeleteFiles...)
	}
	return merged, true
}

// discardPendingRsync drops a buffered batch outright, used when a
// chunk fails authorization so the partial batch doesn't linger
// forever waiting for chunks that will never complete it.
func (d *DaemonTransport) discardPendingRsync(rid string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pendingRsyncs, rid)
}

// RegisterBytestream associates a watcher's negotiated SOCKS5 stream
// with its SID, so a later RsyncTask for that SID can send block
// hashes back to the right watcher (spec §4.3 step 3).
func (d *DaemonTransport) RegisterBytestream(sid string, bs *Bytestream) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bytestreams == nil {
		d.bytestreams = make(map[string]*Bytestream)
	}
	d.bytestreams[sid] = bs
}

// bytestreamFor resolves the watcher-facing bytestream for sid. If no
// stream was registered yet (the common case: the watcher only names
// its SID in the first rsync IQ of a batch), the daemon negotiates one
// back to the requesting watcher itself and caches it under sid.
func (d *DaemonTransport) bytestreamFor(ctx context.Context, sid string, watcher jid.JID) (SyncSender, error) {
	d.mu.Lock()
	bs, ok := d.bytestreams[sid]
	d.mu.Unlock()
	if ok {
		return bs, nil
	}

	bs, err := NegotiateBytestream(ctx, d.Session, d.Service, watcher)
	if err != nil {
		return nil, fmt.Errorf("negotiate bytestream for sid %q: %w", sid, err)
	}
	d.RegisterBytestream(sid, bs)
	return bs, nil
}

// Mux builds the IQ handler table for this daemon transport, to be
// passed to Dial / Session.Serve.
func (d *DaemonTransport) Mux() *mux.ServeMux {
	return mux.New(
		stanza.NSClient,
		mux.IQFunc(stanza.SetIQ, xmlName("git-init"), d.handleGitInit),
		mux.IQFunc(stanza.SetIQ, xmlName("rsync"), d.handleRsync),
		mux.IQFunc(stanza.SetIQ, xmlName("merge_verification"), d.handleMergeVerification),
	)
}

// decodePayload decodes the IQ's child element, starting at start, into
// v using the token stream mux hands each IQFunc handler.
func decodePayload(t xmlstream.TokenReadEncoder, start *xml.StartElement, v interface{}) error {
	return xml.NewTokenDecoder(struct {
		xml.TokenReader
	}{t}).DecodeElement(v, start)
}

func (d *DaemonTransport) handleGitInit(iq stanza.IQ, t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	ctx := context.Background()
	var el gitInitElement
	if err := decodePayload(t, start, &el); err != nil {
		return err
	}

	sender := iq.From.Bare().String()
	ok, err := checkAuthorized(ctx, d.Session, d.Authz, iq, el.Node, sender)
	if err != nil || !ok {
		return err
	}

	d.Dispatcher.Put(el.Node, &GitInitTask{
		WorkingDir: d.WorkingDir,
		Project:    el.Node,
		URL:        el.URL,
		UserJID:    sender,
	})
	return nil
}

func (d *DaemonTransport) handleRsync(iq stanza.IQ, t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	ctx := context.Background()
	var el rsyncElement
	if err := decodePayload(t, start, &el); err != nil {
		return err
	}

	sender := iq.From.Bare().String()
	ok, err := checkAuthorized(ctx, d.Session, d.Authz, iq, el.Node, sender)
	if err != nil || !ok {
		d.discardPendingRsync(el.RID)
		return err
	}

	merged, complete := d.bufferRsyncChunk(el)
	if !complete {
		return nil
	}

	sender2, err := d.bytestreamFor(ctx, merged.SID, iq.From)
	if err != nil {
		return err
	}

	m := mirror.Open(d.WorkingDir, merged.Node, sender)
	events := rsyncToEvents(merged.Node, merged)

	d.Dispatcher.Put(merged.Node, &RsyncTask{
		SID:     merged.SID,
		RID:     merged.RID,
		Project: merged.Node,
		UserJID: sender,
		Mirror:  m,
		Events:  events,
		Sender:  sender2,
		Logger:  d.Logger,
		Done: func(taskErr error) {
			d.finishRsync(ctx, iq, merged, taskErr)
		},
	})
	return nil
}

func (d *DaemonTransport) handleMergeVerification(iq stanza.IQ, t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	ctx := context.Background()
	var el mergeVerificationElement
	if err := decodePayload(t, start, &el); err != nil {
		return err
	}

	sender := iq.From.Bare().String()
	ok, err := checkAuthorized(ctx, d.Session, d.Authz, iq, el.Node, sender)
	if err != nil || !ok {
		return err
	}

	d.Dispatcher.Put(el.Node, &MergeTask{
		Verifier:   d.Verifier,
		Dispatcher: d.Dispatcher,
		Session:    d.Session,
		Service:    d.Service,
		Logger:     d.Logger,
		Project:    el.Node,
		OwnerJID:   sender,
	})
	return nil
}

// finishRsync sends the rsyncfinished IQ and, once the batch is clean,
// triggers merge verification — mirroring `_handle_rsync_finished`'s
// "time to verify if there's a conflict or not" step.
func (d *DaemonTransport) finishRsync(ctx context.Context, iq stanza.IQ, el rsyncElement, taskErr error) {
	status := RsyncStatusSuccess
	if taskErr != nil {
		status = RsyncStatusFailure
	}

	reply := stanza.IQ{Type: stanza.SetIQ, To: iq.From, From: d.Session.JID}
	if _, err := d.Session.SendIQ(ctx, reply, rsyncFinishedElement{Node: el.Node, RID: el.RID, Status: status}); err != nil && d.Logger != nil {
		d.Logger.Error("send rsyncfinished", "project", el.Node, "err", err)
	}

	if taskErr != nil {
		if d.Logger != nil {
			d.Logger.Error("rsync task failed", "project", el.Node, "err", taskErr)
		}
		return
	}

	d.Dispatcher.Put(el.Node, &MergeTask{
		Verifier:   d.Verifier,
		Dispatcher: d.Dispatcher,
		Session:    d.Session,
		Service:    d.Service,
		Logger:     d.Logger,
		Project:    el.Node,
		OwnerJID:   iq.From.Bare().String(),
	})
}

// xmlName builds the element-name matcher mux.IQFunc expects for one
// of our custom payload kinds in the shared namespace.
func xmlName(local string) mux.Option {
	return mux.Element(local, namespace)
}
