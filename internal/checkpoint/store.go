package checkpoint

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/yanun0323/logs"

	"lobreplay/pkg/exception"
)

const (
	filePrefix = "checkpoint-"
	fileExt    = ".ckpt.zst"
	tmpExt     = ".tmp"
)

// Store reads and writes zstd compressed checkpoint files in one directory.
type Store struct {
	dir string
	max int
	enc *zstd.Encoder
	dec *zstd.Decoder
	now func() time.Time
}

// NewStore prepares dir with owner-only permissions.
func NewStore(dir string, maxCheckpoints int) (*Store, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, err
	}
	if err := os.Chmod(dir, dirPerm); err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &Store{dir: dir, max: maxCheckpoints, enc: enc, dec: dec, now: time.Now}, nil
}

// Close releases the codec resources.
func (s *Store) Close() {
	s.dec.Close()
	_ = s.enc.Close()
}

func fileName(symbol string, updateID, createdAt int64) string {
	return fmt.Sprintf("%s%s-%019d-%019d%s", filePrefix, symbol, updateID, createdAt, fileExt)
}

// parseFileName returns symbol, update id, and creation time encoded in a name.
func parseFileName(name string) (string, int64, int64, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileExt) {
		return "", 0, 0, false
	}
	body := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileExt)
	i := strings.LastIndexByte(body, '-')
	if i < 0 {
		return "", 0, 0, false
	}
	createdAt, err := strconv.ParseInt(body[i+1:], 10, 64)
	if err != nil {
		return "", 0, 0, false
	}
	body = body[:i]
	j := strings.LastIndexByte(body, '-')
	if j < 0 {
		return "", 0, 0, false
	}
	updateID, err := strconv.ParseInt(body[j+1:], 10, 64)
	if err != nil {
		return "", 0, 0, false
	}
	return body[:j], updateID, createdAt, true
}

// Persist writes the state through a temp file and an atomic rename, then applies retention.
func (s *Store) Persist(st PipelineState, reason Reason) (Info, error) {
	createdAt := s.now().UnixNano()
	env := envelope{
		Symbol:            st.Symbol,
		CheckpointVersion: Version,
		UpdateID:          st.LastUpdateID,
		CreatedAt:         createdAt,
		ID:                uuid.NewString(),
		Reason:            reason,
		State:             st,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return Info{}, err
	}
	compressed := s.enc.EncodeAll(raw, make([]byte, 0, len(raw)/4))

	path := filepath.Join(s.dir, fileName(st.Symbol, st.LastUpdateID, createdAt))
	if err := writeFileAtomic(path, compressed); err != nil {
		return Info{}, err
	}

	info := Info{
		ID:        env.ID,
		Path:      path,
		Symbol:    env.Symbol,
		UpdateID:  env.UpdateID,
		CreatedAt: createdAt,
		Reason:    reason,
		Size:      int64(len(compressed)),
	}
	s.enforceRetention(st.Symbol)
	return info, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + tmpExt
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	d, err := os.Open(filepath.Dir(path))
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

type candidate struct {
	path      string
	updateID  int64
	createdAt int64
}

// list returns the checkpoint files of symbol, newest first.
func (s *Store) list(symbol string) ([]candidate, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []candidate
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		sym, uid, ts, ok := parseFileName(entry.Name())
		if !ok || sym != symbol {
			continue
		}
		out = append(out, candidate{path: filepath.Join(s.dir, entry.Name()), updateID: uid, createdAt: ts})
	}
	slices.SortFunc(out, func(a, b candidate) int {
		if c := cmp.Compare(b.updateID, a.updateID); c != 0 {
			return c
		}
		return cmp.Compare(b.createdAt, a.createdAt)
	})
	return out, nil
}

// Read decodes one checkpoint file and verifies its metadata against symbol.
func (s *Store) Read(path, symbol string) (PipelineState, Info, error) {
	compressed, err := os.ReadFile(path)
	if err != nil {
		return PipelineState{}, Info{}, err
	}
	raw, err := s.dec.DecodeAll(compressed, nil)
	if err != nil {
		return PipelineState{}, Info{}, fmt.Errorf("%w: %s: %v", exception.ErrCheckpointCorrupt, path, err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return PipelineState{}, Info{}, fmt.Errorf("%w: %s: %v", exception.ErrCheckpointCorrupt, path, err)
	}
	if env.CheckpointVersion != Version {
		return PipelineState{}, Info{}, fmt.Errorf("%w: %s has version %d, want %d", exception.ErrCheckpointVersion, path, env.CheckpointVersion, Version)
	}
	if env.Symbol != symbol || env.State.Symbol != symbol {
		return PipelineState{}, Info{}, fmt.Errorf("%w: %s holds %s, want %s", exception.ErrCheckpointSymbol, path, env.Symbol, symbol)
	}
	if env.UpdateID != env.State.LastUpdateID {
		return PipelineState{}, Info{}, fmt.Errorf("%w: %s update id %d does not match state %d", exception.ErrCheckpointCorrupt, path, env.UpdateID, env.State.LastUpdateID)
	}
	return env.State, Info{
		ID:        env.ID,
		Path:      path,
		Symbol:    env.Symbol,
		UpdateID:  env.UpdateID,
		CreatedAt: env.CreatedAt,
		Reason:    env.Reason,
		Size:      int64(len(compressed)),
	}, nil
}

// LoadLatest returns the newest valid checkpoint of symbol. Corrupt files are logged and
// skipped in favor of older ones; a version or symbol mismatch fails the load.
func (s *Store) LoadLatest(symbol string) (PipelineState, Info, error) {
	candidates, err := s.list(symbol)
	if err != nil {
		return PipelineState{}, Info{}, err
	}
	for _, c := range candidates {
		st, info, err := s.Read(c.path, symbol)
		if err == nil {
			return st, info, nil
		}
		if errors.Is(err, exception.ErrCheckpointVersion) || errors.Is(err, exception.ErrCheckpointSymbol) {
			return PipelineState{}, Info{}, err
		}
		logs.Warnf("checkpoint: skip unreadable checkpoint, path: %s, err: %+v", c.path, err)
	}
	return PipelineState{}, Info{}, exception.ErrNoCheckpoint
}

// enforceRetention keeps the newest max checkpoints of symbol.
func (s *Store) enforceRetention(symbol string) {
	candidates, err := s.list(symbol)
	if err != nil {
		logs.Errorf("checkpoint: retention scan failed, dir: %s, err: %+v", s.dir, err)
		return
	}
	for i := s.max; i < len(candidates); i++ {
		if err := os.Remove(candidates[i].path); err != nil && !errors.Is(err, os.ErrNotExist) {
			logs.Errorf("checkpoint: remove %s failed, err: %+v", candidates[i].path, err)
		}
	}
}
