package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"
)

// Context holds the request fields an entry is scoped to. Agent, Tier and
// FlowID must match for a semantic hit.
type Context struct {
	Agent    string `json:"agent"`
	Tier     string `json:"tier"`
	FlowID   string `json:"flow_id,omitempty"`
	Realtime bool   `json:"realtime,omitempty"`
}

func (c Context) matches(o Context) bool {
	return c.Agent == o.Agent && c.Tier == o.Tier && c.FlowID == o.FlowID
}

// Entry is one cached response. Only its access bookkeeping changes after
// creation.
type Entry struct {
	Key       string
	Prompt    string
	Content   string
	Checksum  string
	Embedding []float32
	Context   Context
	Provider  string
	Model     string
	Created   time.Time
	TTL       time.Duration

	accesses   atomic.Int64
	lastAccess atomic.Int64 // unix nanos
}

func newEntry(key, prompt, content string, emb []float32, md Metadata, now time.Time, ttl time.Duration) *Entry {
	e := &Entry{
		Key:       key,
		Prompt:    prompt,
		Content:   content,
		Checksum:  checksum(content),
		Embedding: emb,
		Context:   md.Context,
		Provider:  md.Provider,
		Model:     md.Model,
		Created:   now,
		TTL:       ttl,
	}
	e.lastAccess.Store(now.UnixNano())
	return e
}

func checksum(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Expired reports whether now − created ≥ ttl.
func (e *Entry) Expired(now time.Time) bool {
	return now.Sub(e.Created) >= e.TTL
}

func (e *Entry) Accesses() int64 { return e.accesses.Load() }

func (e *Entry) LastAccess() time.Time { return time.Unix(0, e.lastAccess.Load()) }

func (e *Entry) touch(now time.Time) {
	e.accesses.Add(1)
	e.lastAccess.Store(now.UnixNano())
}

func (e *Entry) verify() error {
	if checksum(e.Content) != e.Checksum {
		return &IntegrityError{Key: e.Key, Reason: "checksum mismatch"}
	}
	return nil
}

// IntegrityError reports a cached entry whose content no longer matches its
// checksum or whose stored record cannot be decoded.
type IntegrityError struct {
	Key    string
	Reason string
	Err    error
}

func (e *IntegrityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cache: integrity error for %s: %s: %v", shortKey(e.Key), e.Reason, e.Err)
	}
	return fmt.Sprintf("cache: integrity error for %s: %s", shortKey(e.Key), e.Reason)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

func shortKey(k string) string {
	if len(k) > 12 {
		return k[:12]
	}
	return k
}
