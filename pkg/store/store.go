// Package store persists the monitor's durable state: its id, the current
// epoch and, per primary, the configuration and last vote.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	"k8s.io/klog/v2"
)

var (
	keyMyID      = []byte("myid")
	keyEpoch     = []byte("current-epoch")
	keyPrimaries = []byte("primaries")
)

// State is everything written on a flush.
type State struct {
	MyID         string
	CurrentEpoch uint64
	Primaries    []PrimaryRecord
}

// PrimaryRecord is the durable part of one monitored primary.
type PrimaryRecord struct {
	Name            string        `json:"name"`
	Addr            string        `json:"addr"`
	Quorum          int           `json:"quorum"`
	DownAfter       time.Duration `json:"down_after"`
	FailoverTimeout time.Duration `json:"failover_timeout"`
	ParallelSyncs   int           `json:"parallel_syncs"`
	AuthUser        string        `json:"auth_user,omitempty"`
	AuthPass        string        `json:"auth_pass,omitempty"`
	ConfigEpoch     uint64        `json:"config_epoch"`
	LeaderID        string        `json:"leader_id,omitempty"`
	LeaderEpoch     uint64        `json:"leader_epoch"`
	Replicas        []string      `json:"replicas,omitempty"`
	Peers           []PeerRecord  `json:"peers,omitempty"`
}

// PeerRecord is a known peer monitor.
type PeerRecord struct {
	Addr  string `json:"addr"`
	RunID string `json:"run_id"`
}

// Store wraps a raft.StableStore as a small key/value database.
type Store struct {
	stable raft.StableStore
	closer io.Closer
}

// Open opens (or creates) the bolt database in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	path := filepath.Join(dir, "sentinel.db")
	bolt, err := raftboltdb.NewBoltStore(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", path, err)
	}

	klog.InfoS("Opened state store", "path", path)
	return &Store{stable: bolt, closer: bolt}, nil
}

// NewInmem returns a store that lives only as long as the process.
func NewInmem() *Store {
	return &Store{stable: raft.NewInmemStore()}
}

// Load reads the persisted state. A fresh store yields a zero State.
func (s *Store) Load() (State, error) {
	var st State

	id, err := s.get(keyMyID)
	if err != nil {
		return st, err
	}
	st.MyID = string(id)

	epoch, err := s.stable.GetUint64(keyEpoch)
	if err != nil && !isNotFound(err) {
		return st, fmt.Errorf("failed to read epoch: %w", err)
	}
	st.CurrentEpoch = epoch

	names, err := s.index()
	if err != nil {
		return st, err
	}
	for _, name := range names {
		data, err := s.get(primaryKey(name))
		if err != nil {
			return st, err
		}
		if len(data) == 0 {
			continue
		}
		var rec PrimaryRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return st, fmt.Errorf("failed to decode primary %s: %w", name, err)
		}
		st.Primaries = append(st.Primaries, rec)
	}

	return st, nil
}

// Save writes st, replacing whatever was stored before. Primaries missing
// from st are cleared.
func (s *Store) Save(st State) error {
	if err := s.stable.Set(keyMyID, []byte(st.MyID)); err != nil {
		return fmt.Errorf("failed to write myid: %w", err)
	}
	if err := s.stable.SetUint64(keyEpoch, st.CurrentEpoch); err != nil {
		return fmt.Errorf("failed to write epoch: %w", err)
	}

	old, err := s.index()
	if err != nil {
		return err
	}

	names := make([]string, 0, len(st.Primaries))
	keep := make(map[string]bool, len(st.Primaries))
	for _, rec := range st.Primaries {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode primary %s: %w", rec.Name, err)
		}
		if err := s.stable.Set(primaryKey(rec.Name), data); err != nil {
			return fmt.Errorf("failed to write primary %s: %w", rec.Name, err)
		}
		names = append(names, rec.Name)
		keep[rec.Name] = true
	}

	for _, name := range old {
		if !keep[name] {
			if err := s.stable.Set(primaryKey(name), nil); err != nil {
				return fmt.Errorf("failed to clear primary %s: %w", name, err)
			}
		}
	}

	data, err := json.Marshal(names)
	if err != nil {
		return fmt.Errorf("failed to encode primary index: %w", err)
	}
	if err := s.stable.Set(keyPrimaries, data); err != nil {
		return fmt.Errorf("failed to write primary index: %w", err)
	}
	return nil
}

// Close releases the underlying database, if any.
func (s *Store) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

func (s *Store) index() ([]string, error) {
	data, err := s.get(keyPrimaries)
	if err != nil || len(data) == 0 {
		return nil, err
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return nil, fmt.Errorf("failed to decode primary index: %w", err)
	}
	return names, nil
}

func (s *Store) get(key []byte) ([]byte, error) {
	val, err := s.stable.Get(key)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return val, nil
}

func primaryKey(name string) []byte {
	return []byte("primary/" + name)
}

// isNotFound reports a missing key. raft.InmemStore has no sentinel error
// for it, only a bare "not found".
func isNotFound(err error) bool {
	if errors.Is(err, raftboltdb.ErrKeyNotFound) {
		return true
	}
	return err != nil && err.Error() == "not found"
}
