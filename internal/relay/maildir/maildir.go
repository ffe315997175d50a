/*
Dork - agent messaging and discovery substrate.
Copyright © 2025-2026 The Dork Authors

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

// Package maildir implements the on-disk mailbox tree. Every endpoint
// owns one directory named by its subject hash, with the classic
// new/cur split plus a failed/ directory for dead letters:
//
//	<root>/<endpointHash>/tmp/     in-flight writes, never read
//	<root>/<endpointHash>/new/     delivered, not yet claimed
//	<root>/<endpointHash>/cur/     claimed by a dispatcher
//	<root>/<endpointHash>/failed/  dead letters plus <id>.reason.json sidecars
//
// Files are written into tmp/ and renamed into place, so readers never
// observe a partial envelope. Rename is also the claim primitive: the
// file system arbitrates racing claimers.
package maildir

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dorklabs/dork/framework/envelope"
)

const (
	dirTmp    = "tmp"
	dirNew    = "new"
	dirCur    = "cur"
	dirFailed = "failed"

	envSuffix    = ".json"
	reasonSuffix = ".reason.json"

	lockShards = 32
)

// ErrNoMessage is returned when the requested envelope is not present in
// the directory an operation expects it in.
var ErrNoMessage = errors.New("maildir: no such message")

// Store is the mailbox tree rooted at a single directory. It is safe for
// concurrent use; operations on the same mailbox serialize on a sharded
// lock so that claims, failures and recovery do not interleave renames.
type Store struct {
	root  string
	locks [lockShards]sync.Mutex
}

// New returns a store rooted at dir. The root is created lazily by
// Ensure; New itself touches nothing.
func New(dir string) *Store {
	return &Store{root: dir}
}

// Root returns the mailbox root directory.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) lock(hash string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(hash))
	return &s.locks[h.Sum32()%lockShards]
}

func (s *Store) dir(hash, sub string) string {
	return filepath.Join(s.root, hash, sub)
}

func (s *Store) envPath(hash, sub, id string) string {
	return filepath.Join(s.root, hash, sub, id+envSuffix)
}

// Ensure creates the mailbox tree for an endpoint. It is idempotent.
func (s *Store) Ensure(hash string) error {
	for _, sub := range []string{dirTmp, dirNew, dirCur, dirFailed} {
		if err := os.MkdirAll(s.dir(hash, sub), 0o755); err != nil {
			return fmt.Errorf("maildir: ensure %s: %w", hash, err)
		}
	}
	return nil
}

// Remove deletes the whole mailbox, dead letters included.
func (s *Store) Remove(hash string) error {
	mu := s.lock(hash)
	mu.Lock()
	defer mu.Unlock()
	if err := os.RemoveAll(filepath.Join(s.root, hash)); err != nil {
		return fmt.Errorf("maildir: remove %s: %w", hash, err)
	}
	return nil
}

// writeFile lands data at dst via a temp file in the mailbox tmp/
// directory. rename(2) within one file system is atomic, so dst is
// either absent or complete.
func (s *Store) writeFile(hash, dst string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir(hash, dirTmp), filepath.Base(dst)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

// Deliver writes the envelope into new/. Delivering the same envelope ID
// twice overwrites the previous copy, which keeps crash-redelivery
// idempotent.
func (s *Store) Deliver(hash string, env *envelope.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("maildir: deliver %s: %w", env.ID, err)
	}
	if err := s.writeFile(hash, s.envPath(hash, dirNew, env.ID), data); err != nil {
		return fmt.Errorf("maildir: deliver %s: %w", env.ID, err)
	}
	return nil
}

// Claim moves an envelope from new/ to cur/ and returns it. If the
// envelope was already claimed (present in cur/ after a crash), the
// claim succeeds against the cur/ copy. A message in neither directory
// returns ErrNoMessage.
func (s *Store) Claim(hash, id string) (*envelope.Envelope, error) {
	mu := s.lock(hash)
	mu.Lock()
	defer mu.Unlock()

	cur := s.envPath(hash, dirCur, id)
	err := os.Rename(s.envPath(hash, dirNew, id), cur)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("maildir: claim %s: %w", id, err)
	}
	env, err := readEnvelope(cur)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoMessage
	}
	if err != nil {
		return nil, fmt.Errorf("maildir: claim %s: %w", id, err)
	}
	return env, nil
}

// Complete removes a claimed envelope. Completing a message that is
// already gone is a no-op; retries after a crash land here.
func (s *Store) Complete(hash, id string) error {
	mu := s.lock(hash)
	mu.Lock()
	defer mu.Unlock()

	err := os.Remove(s.envPath(hash, dirCur, id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("maildir: complete %s: %w", id, err)
	}
	return nil
}

// Unclaim puts a claimed envelope back into new/, undoing Claim without
// recording an outcome. The id keeps its position in the drain order.
func (s *Store) Unclaim(hash, id string) error {
	mu := s.lock(hash)
	mu.Lock()
	defer mu.Unlock()

	err := os.Rename(s.envPath(hash, dirCur, id), s.envPath(hash, dirNew, id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("maildir: unclaim %s: %w", id, err)
	}
	return nil
}

// Fail moves a claimed envelope into failed/ and attaches the reason
// sidecar. If the envelope is already in failed/, only the sidecar is
// refreshed. The reason bytes are opaque to the store.
func (s *Store) Fail(hash, id string, reason []byte) error {
	mu := s.lock(hash)
	mu.Lock()
	defer mu.Unlock()

	dst := s.envPath(hash, dirFailed, id)
	err := os.Rename(s.envPath(hash, dirCur, id), dst)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("maildir: fail %s: %w", id, err)
	}
	if _, statErr := os.Stat(dst); statErr != nil {
		return ErrNoMessage
	}
	if err := s.writeFile(hash, filepath.Join(s.dir(hash, dirFailed), id+reasonSuffix), reason); err != nil {
		return fmt.Errorf("maildir: fail %s: %w", id, err)
	}
	return nil
}

// Bury writes an envelope straight into failed/ with its sidecar. This
// is the path for messages rejected before they ever reached new/.
func (s *Store) Bury(hash string, env *envelope.Envelope, reason []byte) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("maildir: bury %s: %w", env.ID, err)
	}
	mu := s.lock(hash)
	mu.Lock()
	defer mu.Unlock()

	if err := s.writeFile(hash, s.envPath(hash, dirFailed, env.ID), data); err != nil {
		return fmt.Errorf("maildir: bury %s: %w", env.ID, err)
	}
	if err := s.writeFile(hash, filepath.Join(s.dir(hash, dirFailed), env.ID+reasonSuffix), reason); err != nil {
		return fmt.Errorf("maildir: bury %s: %w", env.ID, err)
	}
	return nil
}

// Resurrect moves a dead letter back into new/ and drops its sidecar.
func (s *Store) Resurrect(hash, id string) error {
	mu := s.lock(hash)
	mu.Lock()
	defer mu.Unlock()

	err := os.Rename(s.envPath(hash, dirFailed, id), s.envPath(hash, dirNew, id))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNoMessage
	}
	if err != nil {
		return fmt.Errorf("maildir: resurrect %s: %w", id, err)
	}
	if err := os.Remove(filepath.Join(s.dir(hash, dirFailed), id+reasonSuffix)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("maildir: resurrect %s: %w", id, err)
	}
	return nil
}

// Drop removes a dead letter and its sidecar.
func (s *Store) Drop(hash, id string) error {
	mu := s.lock(hash)
	mu.Lock()
	defer mu.Unlock()

	for _, p := range []string{
		s.envPath(hash, dirFailed, id),
		filepath.Join(s.dir(hash, dirFailed), id+reasonSuffix),
	} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("maildir: drop %s: %w", id, err)
		}
	}
	return nil
}

// ListNew returns the IDs waiting in new/, oldest first. ULIDs sort
// lexicographically by creation time, so a plain sort is enough.
func (s *Store) ListNew(hash string) ([]string, error) {
	return s.listIDs(s.dir(hash, dirNew))
}

// ListFailed returns the dead letter IDs for an endpoint, oldest first.
func (s *Store) ListFailed(hash string) ([]string, error) {
	return s.listIDs(s.dir(hash, dirFailed))
}

func (s *Store) listIDs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("maildir: list %s: %w", dir, err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasSuffix(name, reasonSuffix) || !strings.HasSuffix(name, envSuffix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, envSuffix))
	}
	sort.Strings(ids)
	return ids, nil
}

// Mailboxes returns the endpoint hashes that have a mailbox on disk.
func (s *Store) Mailboxes() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("maildir: list mailboxes: %w", err)
	}
	var hashes []string
	for _, e := range entries {
		if e.IsDir() {
			hashes = append(hashes, e.Name())
		}
	}
	sort.Strings(hashes)
	return hashes, nil
}

// Read fetches an envelope by ID wherever it currently lives, checking
// new/, cur/ and failed/ in that order.
func (s *Store) Read(hash, id string) (*envelope.Envelope, error) {
	for _, sub := range []string{dirNew, dirCur, dirFailed} {
		env, err := readEnvelope(s.envPath(hash, sub, id))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("maildir: read %s: %w", id, err)
		}
		return env, nil
	}
	return nil, ErrNoMessage
}

// ReadFailed fetches a dead letter and its reason sidecar. A missing
// sidecar is not an error; reason comes back nil and the caller reports
// it as unknown.
func (s *Store) ReadFailed(hash, id string) (*envelope.Envelope, []byte, error) {
	env, err := readEnvelope(s.envPath(hash, dirFailed, id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, ErrNoMessage
	}
	if err != nil {
		return nil, nil, fmt.Errorf("maildir: read failed %s: %w", id, err)
	}
	reason, err := os.ReadFile(filepath.Join(s.dir(hash, dirFailed), id+reasonSuffix))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, fmt.Errorf("maildir: read failed %s: %w", id, err)
	}
	return env, reason, nil
}

// Recover walks every mailbox, moves claimed-but-unfinished envelopes
// from cur/ back to new/ and clears leftover temp files. It runs once at
// boot, before any dispatcher starts, and reports how many envelopes
// were requeued.
func (s *Store) Recover() (int, error) {
	hashes, err := s.Mailboxes()
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, hash := range hashes {
		n, err := s.recoverMailbox(hash)
		if err != nil {
			return moved, err
		}
		moved += n
	}
	return moved, nil
}

func (s *Store) recoverMailbox(hash string) (int, error) {
	mu := s.lock(hash)
	mu.Lock()
	defer mu.Unlock()

	ids, err := s.listIDs(s.dir(hash, dirCur))
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, id := range ids {
		if err := os.Rename(s.envPath(hash, dirCur, id), s.envPath(hash, dirNew, id)); err != nil {
			return moved, fmt.Errorf("maildir: recover %s: %w", id, err)
		}
		moved++
	}

	tmps, err := os.ReadDir(s.dir(hash, dirTmp))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return moved, fmt.Errorf("maildir: recover %s: %w", hash, err)
	}
	for _, e := range tmps {
		os.Remove(filepath.Join(s.dir(hash, dirTmp), e.Name()))
	}
	return moved, nil
}

func readEnvelope(path string) (*envelope.Envelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	env := &envelope.Envelope{}
	if err := json.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return env, nil
}
