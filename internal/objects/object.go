// Package objects defines the canonical encodings of blobs, trees and commits
// kept in the native content-addressed object store.
//
// Every object is framed as "<kind> <size>\x00<payload>" before hashing, the
// same framing Git uses, so an object's kind is part of its identity.
package objects

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/javanhut/vbranch/internal/cas"
)

// Kind is the type of a stored object.
type Kind string

const (
	KindBlob   Kind = "blob"
	KindTree   Kind = "tree"
	KindCommit Kind = "commit"
)

// Mode values for tree entries.
const (
	ModeRegular    uint32 = 0100644
	ModeExecutable uint32 = 0100755
	ModeSymlink    uint32 = 0120000
)

func header(kind Kind, size int) []byte {
	return []byte(fmt.Sprintf("%s %d\x00", kind, size))
}

// Frame prefixes payload with its header.
func Frame(kind Kind, payload []byte) []byte {
	h := header(kind, len(payload))
	out := make([]byte, 0, len(h)+len(payload))
	out = append(out, h...)
	return append(out, payload...)
}

// Unframe splits a framed object into kind and payload.
func Unframe(raw []byte) (Kind, []byte, error) {
	sep := bytes.IndexByte(raw, 0x00)
	if sep < 0 {
		return "", nil, fmt.Errorf("invalid object: missing NUL after header")
	}
	head := string(raw[:sep])
	payload := raw[sep+1:]

	var kind string
	var size int
	n, err := fmt.Sscanf(head, "%s %d", &kind, &size)
	if err != nil || n != 2 {
		return "", nil, fmt.Errorf("invalid header %q: %w", head, err)
	}
	if size != len(payload) {
		return "", nil, fmt.Errorf("object size mismatch: header says %d, payload has %d", size, len(payload))
	}
	return Kind(kind), payload, nil
}

// TreeEntry is a file in a flat tree. Paths use forward slashes.
type TreeEntry struct {
	Path string
	Mode uint32
	Hash cas.Hash
}

// EncodeTree encodes entries sorted by path as "<mode> <path>\x00<32 byte hash>".
func EncodeTree(entries []TreeEntry) []byte {
	sorted := append([]TreeEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	var buf bytes.Buffer
	for _, e := range sorted {
		e := e
		fmt.Fprintf(&buf, "%o %s", e.Mode, e.Path)
		buf.WriteByte(0)
		buf.Write(e.Hash[:])
	}
	return buf.Bytes()
}

// DecodeTree parses a payload produced by EncodeTree.
func DecodeTree(payload []byte) ([]TreeEntry, error) {
	var entries []TreeEntry
	for len(payload) > 0 {
		sep := bytes.IndexByte(payload, 0)
		if sep < 0 || len(payload) < sep+1+32 {
			return nil, fmt.Errorf("truncated tree entry")
		}
		modeStr, path, ok := strings.Cut(string(payload[:sep]), " ")
		if !ok {
			return nil, fmt.Errorf("invalid tree entry header %q", payload[:sep])
		}
		mode, err := strconv.ParseUint(modeStr, 8, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid mode %q: %w", modeStr, err)
		}
		var h cas.Hash
		copy(h[:], payload[sep+1:sep+1+32])
		entries = append(entries, TreeEntry{Path: path, Mode: uint32(mode), Hash: h})
		payload = payload[sep+1+32:]
	}
	return entries, nil
}

// Signature identifies an author or committer.
type Signature struct {
	Name  string
	Email string
	When  time.Time
}

func (s Signature) String() string {
	return fmt.Sprintf("%s <%s> %d +0000", s.Name, s.Email, s.When.Unix())
}

// Commit is a commit object.
type Commit struct {
	Tree      cas.Hash
	Parents   []cas.Hash
	Author    Signature
	Committer Signature
	Message   string
}

// EncodeCommit uses the Git text layout.
func EncodeCommit(c *Commit) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "tree %s\n", c.Tree)
	for _, p := range c.Parents {
		fmt.Fprintf(&buf, "parent %s\n", p)
	}
	fmt.Fprintf(&buf, "author %s\n", c.Author)
	fmt.Fprintf(&buf, "committer %s\n", c.Committer)
	buf.WriteString("\n")
	buf.WriteString(c.Message)
	return buf.Bytes()
}

// DecodeCommit parses a payload produced by EncodeCommit.
func DecodeCommit(payload []byte) (*Commit, error) {
	head, message, found := strings.Cut(string(payload), "\n\n")
	if !found {
		return nil, fmt.Errorf("invalid commit: missing message separator")
	}

	c := &Commit{Message: message}
	for _, line := range strings.Split(head, "\n") {
		key, value, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("invalid commit header line %q", line)
		}
		switch key {
		case "tree":
			h, err := cas.ParseHash(value)
			if err != nil {
				return nil, fmt.Errorf("invalid tree hash: %w", err)
			}
			c.Tree = h
		case "parent":
			h, err := cas.ParseHash(value)
			if err != nil {
				return nil, fmt.Errorf("invalid parent hash: %w", err)
			}
			c.Parents = append(c.Parents, h)
		case "author":
			sig, err := parseSignature(value)
			if err != nil {
				return nil, fmt.Errorf("invalid author: %w", err)
			}
			c.Author = sig
		case "committer":
			sig, err := parseSignature(value)
			if err != nil {
				return nil, fmt.Errorf("invalid committer: %w", err)
			}
			c.Committer = sig
		}
	}
	return c, nil
}

// parseSignature parses "Name <email> unix +0000".
func parseSignature(s string) (Signature, error) {
	open := strings.LastIndex(s, "<")
	closing := strings.LastIndex(s, ">")
	if open < 0 || closing < open {
		return Signature{}, fmt.Errorf("missing email in %q", s)
	}
	sig := Signature{
		Name:  strings.TrimSpace(s[:open]),
		Email: s[open+1 : closing],
	}
	fields := strings.Fields(s[closing+1:])
	if len(fields) > 0 {
		ts, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return Signature{}, fmt.Errorf("invalid timestamp %q: %w", fields[0], err)
		}
		sig.When = time.Unix(ts, 0).UTC()
	}
	return sig, nil
}

// Put frames payload, stores it and returns its hash.
func Put(store cas.CAS, kind Kind, payload []byte) (cas.Hash, error) {
	raw := Frame(kind, payload)
	h := cas.SumB3(raw)
	if err := store.Put(h, raw); err != nil {
		return h, fmt.Errorf("failed to store %s: %w", kind, err)
	}
	return h, nil
}

// Get loads an object and checks its kind.
func Get(store cas.CAS, h cas.Hash, want Kind) ([]byte, error) {
	raw, err := store.Get(h)
	if err != nil {
		return nil, err
	}
	kind, payload, err := Unframe(raw)
	if err != nil {
		return nil, fmt.Errorf("object %s: %w", h, err)
	}
	if kind != want {
		return nil, fmt.Errorf("object %s is a %s, expected %s", h, kind, want)
	}
	return payload, nil
}
