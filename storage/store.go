package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	kv "github.com/axiomesh/axiom-kit/storage"
	"github.com/axiomesh/axiom-kit/storage/leveldb"
	"github.com/multisig-wizard/coordinator/core"
	"github.com/pkg/errors"
)

const (
	proposalPrefix = "proposal/"
	seqKey         = "seq/proposal"

	lockStripes = 64
)

var _ core.ProposalStore = (*Store)(nil)

// Store keeps proposals as JSON records in a key-value database. A
// read-compare-write on one id happens under that id's stripe lock, so
// conditional updates are atomic for every goroutine of the process.
type Store struct {
	db    kv.Storage
	locks [lockStripes]sync.Mutex
	seqMu sync.Mutex
}

func New(db kv.Storage) *Store {
	return &Store{db: db}
}

// Open opens or creates a leveldb backed store at path.
func Open(path string) (*Store, error) {
	db, err := leveldb.New(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open leveldb at %s", path)
	}
	return New(db), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) lock(id string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	mu := &s.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

func proposalKey(id string) []byte {
	return []byte(proposalPrefix + id)
}

func (s *Store) Insert(ctx context.Context, p *core.Proposal) (*core.Proposal, error) {
	if p.ID == "" {
		return nil, core.ErrValidation.New("proposal has no id")
	}
	unlock := s.lock(p.ID)
	defer unlock()

	if s.db.Has(proposalKey(p.ID)) {
		return nil, core.ErrStorage.Newf("proposal %s already exists", p.ID)
	}
	stored := p.Clone()
	stored.Seq = s.nextSeq()
	stored.Version = 1
	if err := s.put(stored); err != nil {
		return nil, err
	}
	return stored.Clone(), nil
}

func (s *Store) Get(ctx context.Context, id string) (*core.Proposal, error) {
	unlock := s.lock(id)
	defer unlock()
	return s.get(id)
}

func (s *Store) UpdateIfUnchanged(ctx context.Context, id string, expectedVersion uint64, next *core.Proposal) (*core.Proposal, error) {
	unlock := s.lock(id)
	defer unlock()

	cur, err := s.get(id)
	if err != nil {
		return nil, err
	}
	if cur.Version != expectedVersion {
		return nil, core.ErrConflict.Newf("proposal %s is at version %d, expected %d", id, cur.Version, expectedVersion)
	}

	stored := next.Clone()
	stored.ID = cur.ID
	stored.Seq = cur.Seq
	stored.Version = cur.Version + 1
	if err := s.put(stored); err != nil {
		return nil, err
	}
	return stored.Clone(), nil
}

func (s *Store) DeleteIfUnchanged(ctx context.Context, id string, expectedVersion uint64) error {
	unlock := s.lock(id)
	defer unlock()

	cur, err := s.get(id)
	if err != nil {
		return err
	}
	if cur.Version != expectedVersion {
		return core.ErrConflict.Newf("proposal %s is at version %d, expected %d", id, cur.Version, expectedVersion)
	}
	s.db.Delete(proposalKey(id))
	return nil
}

func (s *Store) List(ctx context.Context, filter core.Filter) ([]*core.Proposal, error) {
	all, err := s.scan()
	if err != nil {
		return nil, err
	}
	var out []*core.Proposal
	for _, p := range all {
		if filter.Match(p) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	all, err := s.scan()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, p := range all {
		if p.Status != core.Pending || !p.Expired(now) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return removed, core.ErrStorage.Wrap(err, "sweep interrupted")
		}
		ok, err := s.deleteIfExpired(p.ID, now)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

// deleteIfExpired re-checks under the lock: the row may have been claimed,
// deleted or swept by someone else since the scan.
func (s *Store) deleteIfExpired(id string, now time.Time) (bool, error) {
	unlock := s.lock(id)
	defer unlock()

	cur, err := s.get(id)
	if core.ErrNotFound.Is(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if cur.Status != core.Pending || !cur.Expired(now) {
		return false, nil
	}
	s.db.Delete(proposalKey(id))
	return true, nil
}

func (s *Store) get(id string) (*core.Proposal, error) {
	data := s.db.Get(proposalKey(id))
	if data == nil {
		return nil, core.ErrNotFound.Newf("proposal %s", id)
	}
	return decode(data)
}

func (s *Store) put(p *core.Proposal) error {
	data, err := json.Marshal(p)
	if err != nil {
		return core.ErrStorage.Wrapf(err, "encode proposal %s", p.ID)
	}
	s.db.Put(proposalKey(p.ID), data)
	return nil
}

func (s *Store) scan() ([]*core.Proposal, error) {
	var out []*core.Proposal
	it := s.db.Prefix([]byte(proposalPrefix))
	for it.Next() {
		p, err := decode(it.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

func (s *Store) nextSeq() uint64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	var seq uint64
	if data := s.db.Get([]byte(seqKey)); len(data) == 8 {
		seq = binary.BigEndian.Uint64(data)
	}
	seq++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	s.db.Put([]byte(seqKey), buf)
	return seq
}

func decode(data []byte) (*core.Proposal, error) {
	p := &core.Proposal{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, core.ErrStorage.Wrap(err, "decode proposal")
	}
	return p, nil
}
