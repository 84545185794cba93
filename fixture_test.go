package rwatch

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
)

const testDelay = 100 * time.Millisecond

// memFS is an in-memory FS where every write gets a fresh mtime.
type memFS struct {
	mu      sync.Mutex
	now     time.Time
	inode   uint64
	entries map[string]*Stat
	reads   map[string]int
}

func newMemFS() *memFS {
	return &memFS{
		now:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		entries: make(map[string]*Stat),
		reads:   make(map[string]int),
	}
}

func (m *memFS) tick() time.Time {
	m.now = m.now.Add(time.Second)

	return m.now
}

func (m *memFS) putLocked(path string, mode os.FileMode, size int64) {
	m.inode++
	m.entries[path] = &Stat{Name: filepath.Base(path), Mode: mode, Size: size, ModTime: m.tick(), Inode: m.inode}
	m.touchLocked(filepath.Dir(path))
}

func (m *memFS) touchLocked(path string) {
	if st, ok := m.entries[path]; ok {
		st.ModTime = m.tick()
	}
}

func (m *memFS) mkdir(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.putLocked(path, os.ModeDir|0o755, 0)
}

func (m *memFS) write(path string, size int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.entries[path]; ok {
		st.Size = size
		st.ModTime = m.tick()

		return
	}

	m.putLocked(path, 0o644, size)
}

func (m *memFS) remove(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.removeLocked(path)
	m.touchLocked(filepath.Dir(path))
}

func (m *memFS) removeLocked(path string) {
	prefix := path + string(filepath.Separator)

	for p := range m.entries {
		if p == path || strings.HasPrefix(p, prefix) {
			delete(m.entries, p)
		}
	}
}

func (m *memFS) rename(from, to string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix := from + string(filepath.Separator)

	for p, st := range m.entries {
		switch {
		case p == from:
			delete(m.entries, p)
			st.Name = filepath.Base(to)
			m.entries[to] = st
		case strings.HasPrefix(p, prefix):
			delete(m.entries, p)
			m.entries[filepath.Join(to, strings.TrimPrefix(p, prefix))] = st
		}
	}

	m.touchLocked(filepath.Dir(from))
	m.touchLocked(filepath.Dir(to))
}

// replace swaps path for a new file with another inode, like an atomic save.
func (m *memFS) replace(path string, size int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.removeLocked(path)
	m.putLocked(path, 0o644, size)
}

func (m *memFS) replaceDir(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.removeLocked(path)
	m.putLocked(path, os.ModeDir|0o755, 0)
}

func (m *memFS) readCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.reads[path]
}

func (m *memFS) Stat(path string, _ bool) (*Stat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.entries[path]
	if !ok {
		return nil, &fs.PathError{Op: "stat", Path: path, Err: fs.ErrNotExist}
	}

	snapshot := *st

	return &snapshot, nil
}

func (m *memFS) ReadDir(path string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reads[path]++

	st, ok := m.entries[path]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: path, Err: fs.ErrNotExist}
	}

	if !st.IsDir() {
		return nil, &fs.PathError{Op: "readdirent", Path: path, Err: syscall.ENOTDIR}
	}

	var names []string

	for p := range m.entries {
		if filepath.Dir(p) == path && p != path {
			names = append(names, filepath.Base(p))
		}
	}

	sort.Strings(names)

	return names, nil
}

// manualTechnique attaches nothing, tests fire its signals by hand.
type manualTechnique struct {
	method Method

	mu    sync.Mutex
	subs  map[string][]*manualSub
	fails map[string]error
}

type manualSub struct {
	technique *manualTechnique
	path      string
	signal    func(Signal)
}

func newManualTechnique(method Method) *manualTechnique {
	return &manualTechnique{
		method: method,
		subs:   make(map[string][]*manualSub),
		fails:  make(map[string]error),
	}
}

func (m *manualTechnique) Attach(path string, _ Config, signal func(Signal)) (io.Closer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fails[path]; err != nil {
		return nil, err
	}

	if err := m.fails["*"]; err != nil {
		return nil, err
	}

	sub := &manualSub{technique: m, path: path, signal: signal}
	m.subs[path] = append(m.subs[path], sub)

	return sub, nil
}

func (s *manualSub) Close() error {
	m := s.technique

	m.mu.Lock()
	defer m.mu.Unlock()

	subs := m.subs[s.path]
	for i, sub := range subs {
		if sub == s {
			m.subs[s.path] = append(subs[:i:i], subs[i+1:]...)

			break
		}
	}

	return nil
}

func (m *manualTechnique) failOn(path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fails[path] = err
}

func (m *manualTechnique) watching(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.subs[path]) > 0
}

func (m *manualTechnique) send(path string, s Signal) {
	m.mu.Lock()
	subs := append([]*manualSub(nil), m.subs[path]...)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.signal(s)
	}
}

func (m *manualTechnique) fire(path string) {
	m.send(path, Signal{Method: m.method, Op: "WRITE", Name: path})
}

func (m *manualTechnique) breakdown(path string, err error) {
	m.send(path, Signal{Method: m.method, Err: err})
}

type fakeClock interface {
	clockz.Clock
	Advance(d time.Duration)
	BlockUntilReady()
}

type fixture struct {
	t        *testing.T
	root     string
	clock    fakeClock
	fs       *memFS
	event    *manualTechnique
	poll     *manualTechnique
	registry *Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		t:     t,
		root:  filepath.Join(t.TempDir(), "w"),
		clock: clockz.NewFakeClock(),
		fs:    newMemFS(),
		event: newManualTechnique(MethodEvent),
		poll:  newManualTechnique(MethodPoll),
	}

	f.registry = NewRegistry(
		WithClock(f.clock),
		WithFS(f.fs),
		WithTechnique(MethodEvent, f.event),
		WithTechnique(MethodPoll, f.poll),
	)

	t.Cleanup(f.registry.Close)

	return f
}

func (f *fixture) path(elem ...string) string {
	return filepath.Join(append([]string{f.root}, elem...)...)
}

func (f *fixture) watch(path string, opts ...Option) (*Handle, *recorder) {
	f.t.Helper()

	h := f.registry.Create(path)
	require.NoError(f.t, h.SetConfig(append([]Option{WithCatchupDelay(testDelay)}, opts...)...))

	rec := &recorder{}
	h.Subscribe(rec.record)

	require.NoError(f.t, h.Watch(f.t.Context()))

	return h, rec
}

func (f *fixture) observer(path string) *Observer {
	f.t.Helper()

	o, ok := f.registry.Lookup(path)
	require.True(f.t, ok, "no observer for %s", path)

	return o
}

// signal queues a raw signal on the observer of path, as its technique would.
func (f *fixture) signal(path string) <-chan error {
	f.t.Helper()

	o := f.observer(path)

	o.mu.Lock()
	epoch, gen := o.epoch, o.gen
	o.mu.Unlock()

	return o.notify(epoch, gen, Signal{Method: MethodEvent, Op: "WRITE", Name: path})
}

func (f *fixture) settle() {
	f.clock.Advance(testDelay)
	f.clock.BlockUntilReady()
}

func (f *fixture) await(done ...<-chan error) {
	f.t.Helper()

	for _, c := range done {
		select {
		case err := <-c:
			require.NoError(f.t, err)
		case <-time.After(time.Second):
			f.t.Fatal("reconciliation did not finish")
		}
	}
}

// recorder collects events in the order they were emitted.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, e)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Event(nil), r.events...)
}

// changes lists change events as "kind path".
func (r *recorder) changes() []string {
	var out []string

	for _, e := range r.all() {
		if e.Kind == EventChange {
			out = append(out, fmt.Sprintf("%s %s", e.Change, e.Path))
		}
	}

	return out
}

func (r *recorder) closes() []string {
	var out []string

	for _, e := range r.all() {
		if e.Kind == EventClose {
			out = append(out, e.Reason)
		}
	}

	return out
}

func (r *recorder) errors() []error {
	var out []error

	for _, e := range r.all() {
		if e.Kind == EventError {
			out = append(out, e.Err)
		}
	}

	return out
}

func (r *recorder) hasChange(kind ChangeKind, path string) func() bool {
	want := fmt.Sprintf("%s %s", kind, path)

	return func() bool {
		for _, c := range r.changes() {
			if c == want {
				return true
			}
		}

		return false
	}
}
