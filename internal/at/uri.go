// Package at parses and formats AT Protocol "at://" record URIs, shared by
// the repo, httpapi and oauthcore packages whenever a record needs to be
// named rather than just looked up by collection+rkey.
package at

import (
	"fmt"
	"strings"
)

// URI is the three addressable parts of an at:// record URI: the
// repository DID, the record's collection NSID, and its rkey.
type URI struct {
	DID        string `json:"did"`
	Collection string `json:"collection"`
	Rkey       string `json:"rkey"`
}

// ParseURI parses both the canonical "at://did/collection/rkey" form and
// the bare "did/collection/rkey" form some callers pass without the scheme.
func ParseURI(uri string) (*URI, error) {
	rest := strings.TrimPrefix(uri, "at://")
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) < 3 {
		return nil, fmt.Errorf("invalid AT URI %q: not enough component parts", uri)
	}

	u := &URI{DID: parts[0], Collection: parts[1], Rkey: parts[2]}
	switch {
	case u.DID == "":
		return nil, fmt.Errorf("invalid AT URI %q: repo must not be empty", uri)
	case u.Collection == "":
		return nil, fmt.Errorf("invalid AT URI %q: collection must not be empty", uri)
	case u.Rkey == "":
		return nil, fmt.Errorf("invalid AT URI %q: rkey must not be empty", uri)
	}
	return u, nil
}

// String formats the at:// form back out; domain.Record.URI and the
// httpapi record handlers build their response URIs through this rather
// than concatenating the three parts themselves.
func (u URI) String() string {
	return FormatURI(u.DID, u.Collection, u.Rkey)
}

// FormatURI builds an at:// URI from its three parts directly, without
// needing a URI value constructed first.
func FormatURI(did, collection, rkey string) string {
	return "at://" + did + "/" + collection + "/" + rkey
}
