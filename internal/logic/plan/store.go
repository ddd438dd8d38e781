package plan

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	pkgerrors "github.com/pkg/errors"

	"github.com/cjeanneret/BracketGo/internal/debug"
)

// ErrNoPlan is returned by Load when nothing has been saved yet.
var ErrNoPlan = pkgerrors.New("plan: no stored plan")

// Store persists the last-used plan as JSON, e.g.
// [{"value":0.2,"enabled":true},{"value":0.5,"enabled":false}].
type Store struct {
	mu   sync.Mutex
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the stored plan. It does not validate against bounds.
func (s *Store) Load() (Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, ErrNoPlan
	}
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "read plan file %s", s.path)
	}

	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, pkgerrors.Wrapf(err, "decode plan file %s", s.path)
	}
	return p, nil
}

// LoadOrDefault returns the stored plan when it is present and valid for b,
// otherwise ForBounds(b).
func (s *Store) LoadOrDefault(b Bounds) Plan {
	p, err := s.Load()
	if err != nil {
		if !pkgerrors.Is(err, ErrNoPlan) {
			debug.Warn("ignoring stored plan: %v", err)
		}
		return ForBounds(b)
	}
	if err := p.Validate(b); err != nil {
		debug.Warn("ignoring stored plan: %v", err)
		return ForBounds(b)
	}
	return p
}

// Save writes p atomically (temp file + rename).
func (s *Store) Save(p Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return pkgerrors.Wrap(err, "encode plan")
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return pkgerrors.Wrapf(err, "create plan directory %s", dir)
	}
	tmp, err := os.CreateTemp(dir, ".plan-*.json")
	if err != nil {
		return pkgerrors.Wrap(err, "create temp plan file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return pkgerrors.Wrap(err, "write temp plan file")
	}
	if err := tmp.Close(); err != nil {
		return pkgerrors.Wrap(err, "close temp plan file")
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return pkgerrors.Wrapf(err, "replace plan file %s", s.path)
	}
	debug.Verbose("Plan saved to %s (%d items)", s.path, len(p))
	return nil
}
