/*
mailgate - a programmable SMTP mail transfer agent and delivery pipeline.

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package queuestore implements the crash-safe, filesystem-backed
// multi-stage queue (spec.md §4.12-§4.13, C9): one JSON document per
// message, written atomically via a temp-file-then-rename. Move
// copies a message to its next stage by writing it there and then
// removing the source, so a crash mid-move can leave it in two queues
// but never in none; MoveTo relocates a file with a single os.Rename.
package queuestore

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/mailgate/mailgate/framework/address"
	"github.com/mailgate/mailgate/internal/model"
)

// Document is the on-disk serialization of one queued message. It
// mirrors model.MailContext's fields directly rather than embedding
// the struct, since MailContext carries an unexported mutex that must
// never round-trip through JSON.
type Document struct {
	RemoteAddr string                `json:"remote_addr"`
	ServerName string                `json:"server_name"`
	IsSecured  bool                  `json:"is_secured"`
	Helo       string                `json:"helo"`
	MailFrom   string                `json:"mail_from"`
	Rcpt       []RecipientDoc        `json:"rcpt"`
	BodyRaw    string                `json:"body_raw"`
	Metadata   *model.MessageMetadata `json:"metadata"`
}

// RecipientDoc mirrors model.Recipient for serialization.
type RecipientDoc struct {
	Address       string                `json:"address"`
	TransferKind  model.TransferKind    `json:"transfer_kind"`
	ForwardDomain string                `json:"forward_domain,omitempty"`
	ForwardIP     string                `json:"forward_ip,omitempty"`
	StatusKind    model.EmailStatusKind `json:"status_kind"`
	SentAt        time.Time             `json:"sent_at,omitempty"`
	RetryCount    uint32                `json:"retry_count"`
	Reason        string                `json:"reason,omitempty"`
}

// Store owns the root directory holding one subdirectory per
// model.Queue (spec.md §6's queue layout).
type Store struct {
	root string
}

func New(root string) *Store { return &Store{root: root} }

// Init creates every queue subdirectory, idempotently.
func (s *Store) Init() error {
	for _, q := range []model.Queue{model.Working, model.Deliver, model.Deferred, model.QuarantineQueue, model.Dead} {
		if err := os.MkdirAll(s.dir(q), 0o750); err != nil {
			return fmt.Errorf("queuestore: creating %s: %w", q.DirName(), err)
		}
	}
	return nil
}

func (s *Store) dir(q model.Queue) string { return filepath.Join(s.root, q.DirName()) }

func (s *Store) path(q model.Queue, id string) string {
	return filepath.Join(s.dir(q), id+".json")
}

// Write persists ctx into queue q under its message ID, atomically
// (spec.md §4.12, "write" operation): a sibling .tmp file is written
// and fsynced, then renamed into place, so a concurrent List never
// observes a partial document.
func (s *Store) Write(q model.Queue, ctx *model.MailContext) error {
	ctx.RLock()
	doc := toDocument(ctx)
	ctx.RUnlock()

	if doc.Metadata == nil {
		return fmt.Errorf("queuestore: write: message has no metadata")
	}

	final := s.path(q, doc.Metadata.MessageID)
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("queuestore: write: %w", err)
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(doc); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("queuestore: write: encode: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("queuestore: write: sync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("queuestore: write: close: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("queuestore: write: rename: %w", err)
	}
	return nil
}

// Read loads and decodes the document for id from queue q.
func (s *Store) Read(q model.Queue, id string) (*Document, error) {
	f, err := os.Open(s.path(q, id))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var doc Document
	if err := json.NewDecoder(f).Decode(&doc); err != nil {
		return nil, fmt.Errorf("queuestore: read %s: %w", id, err)
	}
	return &doc, nil
}

// Remove deletes id from queue q (used once a message reaches a
// terminal state with nothing further to persist).
func (s *Store) Remove(q model.Queue, id string) error {
	return os.Remove(s.path(q, id))
}

// MoveTo renames id from src to dst without touching its content, for
// the fast path where a processor hands a message on unmodified.
func (s *Store) MoveTo(src, dst model.Queue, id string) error {
	if err := os.Rename(s.path(src, id), s.path(dst, id)); err != nil {
		return fmt.Errorf("queuestore: move %s -> %s: %w", src.DirName(), dst.DirName(), err)
	}
	return nil
}

// Move implements spec.md §4.9's move_to(from, to, ctx) exactly:
// write(to, ctx) then remove(from, ctx.id), in that order, so a crash
// between the two calls leaves the message duplicated (re-processed
// idempotently downstream) rather than lost. Use this whenever ctx
// may have been mutated since it was last persisted (e.g. updated
// per-recipient status); use MoveTo for the unmodified fast path.
func (s *Store) Move(from, to model.Queue, ctx *model.MailContext) error {
	if err := s.Write(to, ctx); err != nil {
		return fmt.Errorf("queuestore: move %s -> %s: %w", from.DirName(), to.DirName(), err)
	}
	ctx.RLock()
	id := ""
	if ctx.Metadata != nil {
		id = ctx.Metadata.MessageID
	}
	ctx.RUnlock()
	if err := s.Remove(from, id); err != nil {
		return fmt.Errorf("queuestore: move %s -> %s: remove source: %w", from.DirName(), to.DirName(), err)
	}
	return nil
}

// quarantinePath builds the path for id under a sub-folder named by
// the rule engine's Status.Quarantine field (spec.md §4.6, "quarantine
// destination"), so distinct policies can be triaged separately
// without a second index.
func (s *Store) quarantinePath(folder, id string) (string, error) {
	dir := filepath.Join(s.dir(model.QuarantineQueue), folder)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("queuestore: quarantine mkdir: %w", err)
	}
	return filepath.Join(dir, id+".json"), nil
}

// WriteQuarantineDirect serializes ctx straight into the quarantine
// folder without assuming it was ever written to another queue first
// (spec.md §4.8, MailHandler::on_mail's Quarantine branch: the
// context never touches `working`).
func (s *Store) WriteQuarantineDirect(ctx *model.MailContext, folder string) error {
	ctx.RLock()
	doc := toDocument(ctx)
	ctx.RUnlock()
	if doc.Metadata == nil {
		return fmt.Errorf("queuestore: write quarantine: message has no metadata")
	}
	path, err := s.quarantinePath(folder, doc.Metadata.MessageID)
	if err != nil {
		return err
	}
	return writeDocJSON(path, doc)
}

// MoveToQuarantine writes the current (possibly mutated) ctx into the
// quarantine folder, then removes it from src (spec.md §4.10/§4.11's
// quarantine branches).
func (s *Store) MoveToQuarantine(ctx *model.MailContext, src model.Queue, folder string) error {
	if err := s.WriteQuarantineDirect(ctx, folder); err != nil {
		return err
	}
	ctx.RLock()
	id := ""
	if ctx.Metadata != nil {
		id = ctx.Metadata.MessageID
	}
	ctx.RUnlock()
	return s.Remove(src, id)
}

func writeDocJSON(path string, doc Document) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("queuestore: quarantine write: %w", err)
	}
	if err := json.NewEncoder(f).Encode(doc); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("queuestore: quarantine encode: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("queuestore: quarantine close: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("queuestore: quarantine rename: %w", err)
	}
	return nil
}

// List returns every message ID currently present in q, sorted for
// deterministic processing order.
func (s *Store) List(q model.Queue) ([]string, error) {
	entries, err := os.ReadDir(s.dir(q))
	if err != nil {
		return nil, fmt.Errorf("queuestore: list %s: %w", q.DirName(), err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		const suffix = ".json"
		if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
			ids = append(ids, name[:len(name)-len(suffix)])
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func toDocument(ctx *model.MailContext) Document {
	doc := Document{
		ServerName: ctx.Connection.ServerName,
		IsSecured:  ctx.Connection.IsSecured,
		Helo:       ctx.Envelope.Helo,
		MailFrom:   ctx.Envelope.MailFrom.Full(),
		BodyRaw:    ctx.Body.Raw(),
		Metadata:   ctx.Metadata,
	}
	if ctx.Connection.RemoteAddr != nil {
		doc.RemoteAddr = ctx.Connection.RemoteAddr.String()
	}
	for _, r := range ctx.Envelope.Rcpt {
		rd := RecipientDoc{
			Address:      r.Address.Full(),
			TransferKind: r.TransferMethod.Kind,
			StatusKind:   r.EmailStatus.Kind,
			SentAt:       r.EmailStatus.At,
			RetryCount:   r.EmailStatus.RetryCount,
			Reason:       r.EmailStatus.Reason,
		}
		switch r.TransferMethod.Kind {
		case model.TransferForward:
			if r.TransferMethod.Target.Kind == model.ForwardDomain {
				rd.ForwardDomain = r.TransferMethod.Target.Domain
			} else if r.TransferMethod.Target.IP != nil {
				rd.ForwardIP = r.TransferMethod.Target.IP.String()
			}
		}
		doc.Rcpt = append(doc.Rcpt, rd)
	}
	return doc
}

// textAddr is a minimal net.Addr backed by the string a Document
// recorded; the original dialed connection is long gone by the time a
// processor reads a message back off disk, but transports and logging
// only ever need the text form.
type textAddr struct {
	network, addr string
}

func (a textAddr) Network() string { return a.network }
func (a textAddr) String() string  { return a.addr }

// ToMailContext reconstructs a model.MailContext from doc, the
// inverse of toDocument. The returned context's lock is fresh/unheld;
// callers own it exclusively until it is written back to a queue.
func ToMailContext(doc *Document) (*model.MailContext, error) {
	ctx := &model.MailContext{
		Connection: model.ConnectionContext{
			ServerName: doc.ServerName,
			IsSecured:  doc.IsSecured,
		},
		Metadata: doc.Metadata,
	}
	if doc.RemoteAddr != "" {
		ctx.Connection.RemoteAddr = textAddr{network: "tcp", addr: doc.RemoteAddr}
	}
	if doc.Metadata != nil {
		ctx.Connection.Timestamp = doc.Metadata.Timestamp
	}
	ctx.Envelope.Helo = doc.Helo
	if doc.MailFrom != "" {
		from, err := address.Parse(doc.MailFrom, true)
		if err != nil {
			return nil, fmt.Errorf("queuestore: decode mail_from %q: %w", doc.MailFrom, err)
		}
		ctx.Envelope.MailFrom = from
	}
	for _, rd := range doc.Rcpt {
		addr, err := address.Parse(rd.Address, false)
		if err != nil {
			return nil, fmt.Errorf("queuestore: decode recipient %q: %w", rd.Address, err)
		}
		r := &model.Recipient{
			Address: addr,
			TransferMethod: model.Transfer{
				Kind: rd.TransferKind,
			},
			EmailStatus: model.EmailTransferStatus{
				Kind:       rd.StatusKind,
				At:         rd.SentAt,
				RetryCount: rd.RetryCount,
				Reason:     rd.Reason,
			},
		}
		if rd.TransferKind == model.TransferForward {
			if rd.ForwardDomain != "" {
				r.TransferMethod.Target = model.ForwardTarget{Kind: model.ForwardDomain, Domain: rd.ForwardDomain}
			} else if rd.ForwardIP != "" {
				r.TransferMethod.Target = model.ForwardTarget{Kind: model.ForwardIP, IP: net.ParseIP(rd.ForwardIP)}
			}
		}
		ctx.Envelope.Rcpt = append(ctx.Envelope.Rcpt, r)
	}
	ctx.Body = model.RawBody(doc.BodyRaw)
	return ctx, nil
}

// ReadContext loads and decodes id from q directly into a
// model.MailContext, the form every processor (C11-C13) actually
// wants to work with.
func (s *Store) ReadContext(q model.Queue, id string) (*model.MailContext, error) {
	doc, err := s.Read(q, id)
	if err != nil {
		return nil, err
	}
	return ToMailContext(doc)
}
