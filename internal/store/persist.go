package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"time"
)

type persistedState struct {
	Version       int                        `json:"version"`
	Conversations []Conversation             `json:"conversations"`
	Messages      map[string][]storedMessage `json:"messages"`
	SavedAt       int64                      `json:"savedAt"`
}

func (s *Store) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}

	var file persistedState
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	if file.Version != 1 {
		return errors.New("unsupported state version")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range file.Conversations {
		if c.ID == "" || c.Participants[0] == "" || c.Participants[1] == "" {
			continue
		}
		s.conversations[c.ID] = c
		s.byPair[pairKey(c.Participants[0], c.Participants[1])] = c.ID
	}
	for id, msgs := range file.Messages {
		if _, ok := s.conversations[id]; !ok {
			continue
		}
		sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Seq < msgs[j].Seq })
		s.messages.data[id] = msgs
		if n := len(msgs); n > 0 {
			s.seq.observe(id, msgs[n-1].Seq)
		}
	}
	return nil
}

// snapshotLocked copies the state for writing outside the lock. It returns
// nil when persistence is off.
func (s *Store) snapshotLocked() *persistedState {
	if s.stateFile == "" {
		return nil
	}
	snap := &persistedState{
		Version:       1,
		Conversations: make([]Conversation, 0, len(s.conversations)),
		Messages:      make(map[string][]storedMessage, len(s.messages.data)),
	}
	for _, c := range s.conversations {
		snap.Conversations = append(snap.Conversations, c)
	}
	sort.Slice(snap.Conversations, func(i, j int) bool { return snap.Conversations[i].ID < snap.Conversations[j].ID })
	for id, msgs := range s.messages.data {
		snap.Messages[id] = append([]storedMessage(nil), msgs...)
	}
	return snap
}

func (s *Store) persist(snap *persistedState) {
	path := s.stateFile
	if path == "" || snap == nil {
		return
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		s.log.Error("state persist: mkdir failed", "dir", dir, "err", err)
		return
	}

	snap.SavedAt = time.Now().UnixMilli()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		s.log.Error("state persist: marshal failed", "err", err)
		return
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		s.log.Error("state persist: create temp failed", "err", err)
		return
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		s.log.Error("state persist: chmod temp failed", "err", err)
		return
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		s.log.Error("state persist: write temp failed", "err", err)
		return
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		s.log.Error("state persist: sync temp failed", "err", err)
		return
	}
	if err := tmp.Close(); err != nil {
		s.log.Error("state persist: close temp failed", "err", err)
		return
	}
	if err := os.Rename(tmpName, path); err != nil {
		s.log.Error("state persist: rename failed", "err", err)
	}
}
