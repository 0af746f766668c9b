package session

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// KVStore is an in-memory [Store] implementation that keeps each session
// serialised as a JSON document — per the shared-KV persistence layout, a
// "histories" array field and a "context" object field, plus "queue" and
// "latency_samples" — and mutates it with field-level sjson/gjson
// operations rather than full struct read-modify-write. This keeps
// concurrent SetContextKey calls from different goroutines (STT partial
// callbacks, DTMF lifecycle, turn-controller bookkeeping) cheap and
// contention-free: each write only touches the JSON bytes for its own field
// path, never the whole document.
//
// KVStore is the default backing store; [PostgresStore] wraps it to add
// durable mirroring.
type KVStore struct {
	mu   sync.RWMutex
	docs map[string][]byte // session ID -> JSON-encoded session document

	// lastSeen tracks, per session, the section hashes this Store last
	// observed via Load/Persist/Refresh — the baseline Refresh diffs
	// against to report cross-owner changes.
	lastSeen map[string]sectionHashes
}

type sectionHashes struct {
	context, histories, queue uint64
}

// NewKVStore creates an empty [KVStore].
func NewKVStore() *KVStore {
	return &KVStore{
		docs:     make(map[string][]byte),
		lastSeen: make(map[string]sectionHashes),
	}
}

var _ Store = (*KVStore)(nil)

// Load decodes and returns the stored session, or a fresh [NewSession] if
// none exists yet.
func (s *KVStore) Load(ctx context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.docs[id]
	if !ok {
		sess := NewSession(id)
		s.lastSeen[id] = hashSections([]byte("{}"))
		return sess, nil
	}
	sess, err := decodeSession(id, raw)
	if err != nil {
		return nil, fmt.Errorf("kvstore: load: %w", err)
	}
	s.lastSeen[id] = hashSections(raw)
	return sess, nil
}

// Persist serialises sess in full and stores it under sess.ID.
func (s *KVStore) Persist(ctx context.Context, sess *Session, ttl time.Duration) error {
	raw, err := encodeSession(sess)
	if err != nil {
		return fmt.Errorf("kvstore: persist: %w", err)
	}
	s.mu.Lock()
	s.docs[sess.ID] = raw
	s.lastSeen[sess.ID] = hashSections(raw)
	s.mu.Unlock()
	// ttl is not applied: this store never expires a record, and
	// PostgresStore only forwards ttl here.
	_ = ttl
	return nil
}

// GetContextKey reads a single key from the context object without
// decoding histories.
func (s *KVStore) GetContextKey(ctx context.Context, id, key string) (any, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, ok := s.docs[id]
	if !ok {
		return nil, false, nil
	}
	res := gjson.GetBytes(raw, "context."+gjsonEscape(key))
	if !res.Exists() {
		return nil, false, nil
	}
	return res.Value(), true, nil
}

// SetContextKey writes a single key into the context object as a
// field-level sjson update, without touching histories or queue.
func (s *KVStore) SetContextKey(ctx context.Context, id, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.docs[id]
	if !ok {
		fresh := NewSession(id)
		var err error
		raw, err = encodeSession(fresh)
		if err != nil {
			return fmt.Errorf("kvstore: set context key: %w", err)
		}
	}
	updated, err := sjson.SetBytes(raw, "context."+gjsonEscape(key), value)
	if err != nil {
		return fmt.Errorf("kvstore: set context key %q: %w", key, err)
	}
	s.docs[id] = updated
	return nil
}

// Refresh reports which of {context, histories, queue} changed since the
// last Load/Persist/Refresh this Store observed for id.
func (s *KVStore) Refresh(ctx context.Context, id string) (ChangedFlags, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.docs[id]
	if !ok {
		raw = []byte("{}")
	}
	now := hashSections(raw)
	prev, seen := s.lastSeen[id]
	s.lastSeen[id] = now
	if !seen {
		return ChangedFlags{}, nil
	}
	return ChangedFlags{
		Context:   prev.context != now.context,
		Histories: prev.histories != now.histories,
		Queue:     prev.queue != now.queue,
	}, nil
}

// Delete removes the session record entirely.
func (s *KVStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, id)
	delete(s.lastSeen, id)
	return nil
}

func hashSections(raw []byte) sectionHashes {
	return sectionHashes{
		context:    hashPath(raw, "context"),
		histories:  hashPath(raw, "histories"),
		queue:      hashPath(raw, "queue"),
	}
}

func hashPath(raw []byte, path string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(gjson.GetBytes(raw, path).Raw))
	return h.Sum64()
}

// gjsonEscape escapes path-metacharacters (. * ?) in a user-supplied context
// key so it is treated as a literal field name rather than a gjson path
// expression.
func gjsonEscape(key string) string {
	out := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		switch key[i] {
		case '.', '*', '?':
			out = append(out, '\\')
		}
		out = append(out, key[i])
	}
	return string(out)
}

func encodeSession(sess *Session) ([]byte, error) {
	raw := []byte("{}")
	var err error
	if raw, err = sjson.SetBytes(raw, "id", sess.ID); err != nil {
		return nil, err
	}
	if raw, err = sjson.SetBytes(raw, "authenticated", sess.Authenticated); err != nil {
		return nil, err
	}
	if raw, err = sjson.SetBytes(raw, "active_agent", sess.ActiveAgent); err != nil {
		return nil, err
	}
	if raw, err = sjson.SetBytes(raw, "histories", sess.Histories); err != nil {
		return nil, err
	}
	if raw, err = sjson.SetBytes(raw, "context", sess.Context); err != nil {
		return nil, err
	}
	if raw, err = sjson.SetBytes(raw, "queue", sess.Queue); err != nil {
		return nil, err
	}
	if raw, err = sjson.SetBytes(raw, "latency_samples", sess.LatencySamples); err != nil {
		return nil, err
	}
	return raw, nil
}

func decodeSession(id string, raw []byte) (*Session, error) {
	result := gjson.ParseBytes(raw)

	sess := NewSession(id)
	sess.Authenticated = result.Get("authenticated").Bool()
	sess.ActiveAgent = result.Get("active_agent").String()

	result.Get("histories").ForEach(func(agent, arr gjson.Result) bool {
		var entries []TurnEntry
		arr.ForEach(func(_, e gjson.Result) bool {
			entries = append(entries, decodeTurnEntry(e))
			return true
		})
		sess.Histories[agent.String()] = entries
		return true
	})

	result.Get("context").ForEach(func(k, v gjson.Result) bool {
		sess.Context[k.String()] = v.Value()
		return true
	})

	result.Get("queue").ForEach(func(_, v gjson.Result) bool {
		var pu PendingUtterance
		pu.Text = v.Get("text").String()
		pu.VoiceID = v.Get("voice_id").String()
		pu.SpeedFactor = v.Get("speed_factor").Float()
		pu.PitchShift = v.Get("pitch_shift").Float()
		if t, err := time.Parse(time.RFC3339Nano, v.Get("enqueued_at").String()); err == nil {
			pu.EnqueuedAt = t
		}
		sess.Queue = append(sess.Queue, pu)
		return true
	})

	result.Get("latency_samples").ForEach(func(stage, arr gjson.Result) bool {
		var samples []LatencySample
		arr.ForEach(func(_, v gjson.Result) bool {
			var ls LatencySample
			if t, err := time.Parse(time.RFC3339Nano, v.Get("start").String()); err == nil {
				ls.Start = t
			}
			if t, err := time.Parse(time.RFC3339Nano, v.Get("end").String()); err == nil {
				ls.End = t
			}
			ls.Duration = time.Duration(v.Get("duration").Int())
			samples = append(samples, ls)
			return true
		})
		sess.LatencySamples[stage.String()] = samples
		return true
	})

	return sess, nil
}

func decodeTurnEntry(e gjson.Result) TurnEntry {
	var entry TurnEntry
	entry.Kind = Kind(e.Get("kind").String())
	entry.Text = e.Get("text").String()
	entry.ToolName = e.Get("tool_name").String()
	entry.ArgsJSON = e.Get("args_json").String()
	entry.CallID = e.Get("call_id").String()
	entry.Result = e.Get("result").String()
	if t, err := time.Parse(time.RFC3339Nano, e.Get("timestamp").String()); err == nil {
		entry.Timestamp = t
	}
	return entry
}
