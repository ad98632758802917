package xmpptransport

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/baboon-sync/baboon/internal/delta"
	"github.com/baboon-sync/baboon/internal/event"
	"github.com/baboon-sync/baboon/internal/wire"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

// waitCloseTimeout bounds how long Close waits for an in-flight sync
// to finish before disconnecting anyway (spec §4.6: "waits for any
// in-flight sync to finish (bounded wait) before disconnecting").
const waitCloseTimeout = 30 * time.Second

// WatcherTransport is the client-side half of spec §4.6: it opens the
// bytestream, sends sync-request and merge-verification IQs, and
// answers the daemon's block-hash payloads with computed deltas.
type WatcherTransport struct {
	Session       *Session
	Bytestream    *Bytestream
	Server        jid.JID
	MaxStanzaSize int
	ProjectPath   func(project string) string

	// OnFinished, if set, is invoked once per batch when the daemon's
	// rsyncfinished reply for rid arrives, with success reporting
	// RsyncStatusSuccess vs RsyncStatusFailure. The caller uses this to
	// advance its index only for batches the daemon actually applied
	// (spec §4.3 step 6, §3 "never written speculatively").
	OnFinished func(project, rid string, success bool)

	logger *slog.Logger

	rsyncRunning  atomic.Bool
	rsyncFinished chan struct{}
	waitClose     atomic.Bool
	mu            sync.Mutex
}

// NewWatcherTransport wires a Session and negotiated Bytestream into a
// watcher-side transport. projectPath resolves a project name to its
// local checkout root, used when computing deltas against local files.
func NewWatcherTransport(sess *Session, bs *Bytestream, server jid.JID, maxStanzaSize int, projectPath func(string) string, logger *slog.Logger) *WatcherTransport {
	return &WatcherTransport{
		Session:       sess,
		Bytestream:    bs,
		Server:        server,
		MaxStanzaSize: maxStanzaSize,
		ProjectPath:   projectPath,
		logger:        logger,
		rsyncFinished: make(chan struct{}, 1),
	}
}

// SendSyncRequest sends the sync-request IQ(s) for one batch, splitting
// the event list across multiple same-RID stanzas if the estimated
// serialized size exceeds MaxStanzaSize (spec §4.3 step 1).
func (w *WatcherTransport) SendSyncRequest(ctx context.Context, project string, events []event.FileEvent) (rid string, err error) {
	if err := w.Session.WaitConnected(ctx); err != nil {
		return "", err
	}

	w.rsyncRunning.Store(true)
	select {
	case <-w.rsyncFinished:
	default:
	}

	rid = newTransactionID()
	el := eventsToRsync(w.Bytestream.SID, rid, project, events)

	stanzas := []rsyncElement{el}
	if size := estimatedSize(el); w.MaxStanzaSize > 0 && size > w.MaxStanzaSize {
		chunks := (size + w.MaxStanzaSize - 1) / w.MaxStanzaSize
		stanzas = splitRsync(el, chunks)
		if w.logger != nil {
			w.logger.Warn("split oversized sync stanza", "project", project, "chunks", len(stanzas))
		}
	}

	for _, chunk := range stanzas {
		iq := stanza.IQ{Type: stanza.SetIQ, To: w.Server, From: w.Session.JID}
		if _, err := w.Session.SendIQ(ctx, iq, chunk); err != nil {
			w.rsyncRunning.Store(false)
			return rid, fmt.Errorf("send sync stanza: %w", err)
		}
	}

	return rid, nil
}

// SendMergeVerification requests merge verification for project (spec
// §4.5). The watcher binary does not call it: the daemon enqueues a
// merge check itself after each successful rsync.
func (w *WatcherTransport) SendMergeVerification(ctx context.Context, project string) error {
	iq := stanza.IQ{Type: stanza.SetIQ, To: w.Server, From: w.Session.JID}
	_, err := w.Session.SendIQ(ctx, iq, mergeVerificationElement{Node: project})
	return err
}

// HandleHashes answers the daemon's block-hash payload by computing
// the local file's delta and returning it over the bytestream (spec
// §4.3 step 4).
func (w *WatcherTransport) HandleHashes(env wire.Envelope) error {
	var deltas []wire.FileDelta

	for _, fh := range env.Hashes {
		projectDir := ""
		if w.ProjectPath != nil {
			projectDir = w.ProjectPath(env.Project)
		}
		fullPath := projectDir + "/" + fh.RelPath

		data, err := os.ReadFile(fullPath)
		if err != nil {
			if w.logger != nil {
				w.logger.Warn("cannot read local file for delta", "path", fullPath, "err", err)
			}
			continue
		}

		sigs := make([]delta.BlockSignature, len(fh.Blocks))
		for i, b := range fh.Blocks {
			var strong [16]byte
			copy(strong[:], b.Strong)
			sigs[i] = delta.BlockSignature{Index: b.Index, Weak: b.Weak, Strong: strong}
		}

		d := delta.Diff(data, sigs)
		deltas = append(deltas, wire.FileDelta{RelPath: fh.RelPath, Ops: wire.ToDeltaOps(d)})
	}

	reply := wire.Envelope{
		SID:     env.SID,
		RID:     env.RID,
		Project: env.Project,
		From:    w.Session.JID.String(),
		Delta:   deltas,
	}
	return w.Bytestream.SendEnvelope(reply)
}

// OnRsyncFinished handles the daemon's rsyncfinished IQ, releasing the
// rsync-in-progress flag (spec §4.3 step 6).
func (w *WatcherTransport) OnRsyncFinished(iq stanza.IQ, el rsyncFinishedElement) {
	w.rsyncRunning.Store(false)
	select {
	case w.rsyncFinished <- struct{}{}:
	default:
	}

	if w.OnFinished != nil {
		w.OnFinished(el.Node, el.RID, el.Status == RsyncStatusSuccess)
	}
}

// Close waits for any in-flight sync to finish (bounded) before
// closing the bytestream and the underlying session.
func (w *WatcherTransport) Close() error {
	w.waitClose.Store(true)

	if w.rsyncRunning.Load() {
		select {
		case <-w.rsyncFinished:
		case <-time.After(waitCloseTimeout):
			if w.logger != nil {
				w.logger.Warn("timed out waiting for in-flight sync before close")
			}
		}
	}

	if w.Bytestream != nil {
		_ = w.Bytestream.Close()
	}
	return w.Session.Close()
}

func newTransactionID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func estimatedSize(el rsyncElement) int {
	data, err := xml.Marshal(el)
	if err != nil {
		return 0
	}
	return len(data)
}

// splitRsync partitions el's file lists evenly across n stanzas using
// i*total/n boundaries, so no chunk exceeds ceil(total/n) by more than
// one element and no chunk is empty while another is oversized — the
// off-by-one the original `_get_chunks` step-division had.
func splitRsync(el rsyncElement, n int) []rsyncElement {
	if n < 1 {
		n = 1
	}

	type tagged struct {
		path string
		move moveFileElement
		kind int // 0=file 1=create 2=move 3=delete
	}
	var all []tagged
	for _, p := range el.Files {
		all = append(all, tagged{path: p, kind: 0})
	}
	for _, p := range el.CreateFiles {
		all = append(all, tagged{path: p, kind: 1})
	}
	for _, m := range el.MoveFiles {
		all = append(all, tagged{move: m, kind: 2})
	}
	for _, p := range el.DeleteFiles {
		all = append(all, tagged{path: p, kind: 3})
	}

	total := len(all)
	if total == 0 {
		el.Total = 1
		return []rsyncElement{el}
	}
	if n > total {
		n = total
	}

	out := make([]rsyncElement, 0, n)
	for i := 0; i < n; i++ {
		lo := i * total / n
		hi := (i + 1) * total / n
		chunk := rsyncElement{SID: el.SID, RID: el.RID, Node: el.Node, Seq: i, Total: n}
		for _, t := range all[lo:hi] {
			switch t.kind {
			case 0:
				chunk.Files = append(chunk.Files, t.path)
			case 1:
				chunk.CreateFiles = append(chunk.CreateFiles, t.path)
			case 2:
				chunk.MoveFiles = append(chunk.MoveFiles, t.move)
			case 3:
				chunk.DeleteFiles = append(chunk.DeleteFiles, t.path)
			}
		}
		out = append(out, chunk)
	}
	return out
}
