// Package domain holds the plain Go value types shared across the account
// engine. The teacher this project is adapted from generated these as
// protobuf messages for its FoundationDB value encoding; a single-file SQL
// store has no wire-encoding need for its in-process values, so these are
// ordinary structs instead (see DESIGN.md).
package domain

import (
	"time"

	"github.com/atlasdev/pdsengine/internal/at"
)

// Account is the engine's single tenant. There is exactly one row of this
// shape, ever, for the lifetime of a given embedded store.
type Account struct {
	DID          string
	Handle       string
	PDSHostname  string
	ServiceDID   string
	SigningKey   []byte // raw secp256k1 private key bytes
	JWTSecret    []byte // HS256 session signing secret
	PasswordHash []byte // bcrypt hash, empty if no password auth configured
	Head         string // root commit CID, empty before first commit
	Rev          string // current repo revision (TID)
	Active       bool
	Status       string // e.g. "takendown", "suspended", "deactivated" when !Active
	CreatedAt    time.Time
}

// Block is a single content-addressed DAG-CBOR or raw block in the repo.
type Block struct {
	CID   string
	Bytes []byte
	Rev   string // the rev during which this block was written, for incremental sync
}

// Record is a secondary index row over one repo record, kept alongside the
// MST for cheap point lookups and listCollection pagination.
type Record struct {
	Collection string
	Rkey       string
	CID        string
	Value      []byte // DAG-CBOR encoded record value
	CreatedAt  time.Time
}

func (r *Record) URI(did string) string {
	return at.URI{DID: did, Collection: r.Collection, Rkey: r.Rkey}.String()
}

// RepoOp describes one MST mutation folded into a commit, mirroring the
// wire shape of com.atproto.sync.subscribeRepos#repoOp.
type RepoOp struct {
	Action string // "create", "update", "delete"
	Path   string // collection/rkey
	CID    []byte // nil for deletes
}

// EventKind distinguishes the three firehose frame types the Sequencer emits.
type EventKind string

const (
	EventKindCommit   EventKind = "#commit"
	EventKindIdentity EventKind = "#identity"
	EventKindAccount  EventKind = "#account"
)

// RepoEvent is one row of the firehose event log, the durable record the
// Sequencer replays to subscribers.
type RepoEvent struct {
	Seq       int64
	Kind      EventKind
	Repo      string
	Rev       string
	Since     string
	Commit    []byte // CID bytes
	Blocks    []byte // CARv1 diff, built by the Sequencer, never by RepoEngine
	Ops       []RepoOp
	Time      time.Time
	TooBig    bool
	Handle    string
	Active    bool
	Status    string
	CreatedAt time.Time
}

// Blob is metadata for one content-addressed binary object.
type Blob struct {
	CID       string
	MimeType  string
	Size      int64
	CreatedAt time.Time
}
