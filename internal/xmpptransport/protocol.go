package xmpptransport

import (
	"encoding/xml"

	"github.com/baboon-sync/baboon/internal/event"
)

// namespace is the single namespace spec §6 puts every custom payload
// kind in ("XMPP with these custom payload kinds, all in a single
// namespace").
const namespace = "baboon:protocol"

// gitInitElement is the client→daemon `git-init` payload: asks the
// daemon to clone url into the user's mirror (spec §6 `init` command).
type gitInitElement struct {
	XMLName xml.Name `xml:"baboon:protocol git-init"`
	Node    string   `xml:"node,attr"`
	URL     string   `xml:"url,attr"`
}

// moveFileElement carries both halves of a rename: Src is the
// mirror-relative path the file moved from, Dest is where it landed.
// A bare string list (as Files/CreateFiles/DeleteFiles use) can't carry
// this without losing one half.
type moveFileElement struct {
	Src  string `xml:"src,attr"`
	Dest string `xml:"dest,attr"`
}

// rsyncElement is the client→daemon `rsync` payload carrying one
// batch's FileEvents, grouped by operation as spec §6 describes. A
// batch split across multiple stanzas shares one RID; Seq/Total let the
// daemon reassemble them in order before processing any of it (spec
// §4.3 step 3 — the whole batch acquires the mirror lock atomically).
type rsyncElement struct {
	XMLName     xml.Name          `xml:"baboon:protocol rsync"`
	SID         string            `xml:"sid,attr"`
	RID         string            `xml:"rid,attr"`
	Node        string            `xml:"node,attr"`
	Seq         int               `xml:"seq,attr"`
	Total       int               `xml:"total,attr"`
	Files       []string          `xml:"file"`
	CreateFiles []string          `xml:"create_file"`
	MoveFiles   []moveFileElement `xml:"move_file"`
	DeleteFiles []string          `xml:"delete_file"`
}

// Rsync outcome values carried on rsyncFinishedElement.Status, letting
// the watcher distinguish a clean batch from one that failed partway
// through (a per-file timeout or a path-escape) without guessing from
// an absent reply.
const (
	RsyncStatusSuccess = "success"
	RsyncStatusFailure = "failure"
)

// rsyncFinishedElement is the daemon→client `rsyncfinished` payload
// that ends one sync transaction (spec §4.3 step 6). RID ties the
// reply back to the batch it concludes and Status tells the watcher
// whether it is safe to advance that batch's index timestamps.
type rsyncFinishedElement struct {
	XMLName xml.Name `xml:"baboon:protocol rsyncfinished"`
	Node    string   `xml:"node,attr"`
	RID     string   `xml:"rid,attr"`
	Status  string   `xml:"status,attr"`
}

// RsyncFinishedElement is the exported form of rsyncFinishedElement,
// decoded by the watcher binary's own IQ handler registration.
type RsyncFinishedElement = rsyncFinishedElement

// mergeVerificationElement is the client→daemon `merge_verification`
// payload that kicks off speculative merge verification (spec §4.5).
type mergeVerificationElement struct {
	XMLName xml.Name `xml:"baboon:protocol merge_verification"`
	Node    string   `xml:"node,attr"`
}

// GitInitPayload builds the `git-init` IQ payload the init command
// sends to request a fresh clone of url into the caller's mirror.
func GitInitPayload(project, url string) interface{} {
	return gitInitElement{Node: project, URL: url}
}

// eventsToRsync groups a project's FileEvents into one rsyncElement
// by operation kind, the shape `_build_iq` produces.
func eventsToRsync(sid, rid, project string, events []event.FileEvent) rsyncElement {
	el := rsyncElement{SID: sid, RID: rid, Node: project, Seq: 0, Total: 1}
	for _, e := range events {
		switch e.Kind {
		case event.Modify:
			el.Files = append(el.Files, e.SrcPath)
		case event.Create:
			el.CreateFiles = append(el.CreateFiles, e.SrcPath)
		case event.Move:
			el.MoveFiles = append(el.MoveFiles, moveFileElement{Src: e.SrcPath, Dest: e.DestPath})
		case event.Delete:
			el.DeleteFiles = append(el.DeleteFiles, e.SrcPath)
		}
	}
	return el
}

// rsyncToEvents is the daemon-side inverse of eventsToRsync, rebuilding
// the ordered event list an RsyncTask processes.
func rsyncToEvents(project string, el rsyncElement) []event.FileEvent {
	var out []event.FileEvent
	for _, p := range el.CreateFiles {
		out = append(out, event.FileEvent{Project: project, Kind: event.Create, SrcPath: p})
	}
	for _, p := range el.Files {
		out = append(out, event.FileEvent{Project: project, Kind: event.Modify, SrcPath: p})
	}
	for _, m := range el.MoveFiles {
		out = append(out, event.FileEvent{Project: project, Kind: event.Move, SrcPath: m.Src, DestPath: m.Dest})
	}
	for _, p := range el.DeleteFiles {
		out = append(out, event.FileEvent{Project: project, Kind: event.Delete, SrcPath: p})
	}
	return out
}
