package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/portel-dev/ncp/pkg/ncperrors"
)

// profilesSubdir is the directory under configDir holding one JSON file per
// profile (plus the always-virtual "all" union).
const profilesSubdir = "profiles"

// Watcher is notified whenever the on-disk profile set changes, so the
// Orchestrator can reconcile active connections. Grounded on the teacher's
// viper.OnConfigChange callback in the now-superseded cmd/mcp-broker-router.
type Watcher interface {
	OnProfileChanged(name string)
}

// Store is the Profile Store: the persistent mapping from profile name to a
// set of downstream server definitions, described in spec.md §4 "Profile
// Store". It buffers every profile in memory after the initial load and
// serializes writes through mu, matching the "writer-only mutex, readers
// buffer in memory" policy of spec.md §5.
type Store struct {
	mu       sync.RWMutex
	dir      string
	profiles map[string]*Profile

	log     *slog.Logger
	watcher *fsnotify.Watcher

	watchersMu sync.Mutex
	observers  []Watcher
}

// NewStore creates a Store rooted at <configDir>/profiles and loads every
// profile file already present there.
func NewStore(configDir string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	dir := filepath.Join(configDir, profilesSubdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, ncperrors.Wrap(ncperrors.KindInternal, "create profiles directory", err)
	}

	s := &Store{
		dir:      dir,
		profiles: make(map[string]*Profile),
		log:      log.With("component", "config.Store"),
	}

	if err := s.loadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

// Watch starts an fsnotify watch over the profiles directory and dispatches
// OnProfileChanged to every registered observer on create/write/remove
// events, reloading the affected profile from disk first. Grounded on the
// teacher's fsnotify.Watcher + viper.WatchConfig wiring.
func (s *Store) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return ncperrors.Wrap(ncperrors.KindInternal, "create profile watcher", err)
	}
	if err := w.Add(s.dir); err != nil {
		_ = w.Close()
		return ncperrors.Wrap(ncperrors.KindInternal, "watch profiles directory", err)
	}
	s.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				s.handleFSEvent(ev)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.log.Warn("profile watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (s *Store) handleFSEvent(ev fsnotify.Event) {
	if filepath.Ext(ev.Name) != ".json" {
		return
	}
	name := profileNameFromPath(ev.Name)
	if name == "" || name == AllProfileName {
		return
	}

	switch {
	case ev.Op&(fsnotify.Write|fsnotify.Create) != 0:
		if _, err := s.reload(name); err != nil {
			s.log.Warn("reload profile after fs event", "profile", name, "error", err)
			return
		}
	case ev.Op&fsnotify.Remove != 0:
		s.mu.Lock()
		delete(s.profiles, name)
		s.mu.Unlock()
	default:
		return
	}
	s.notify(name)
}

// AddObserver registers a Watcher to be notified of future profile changes.
func (s *Store) AddObserver(w Watcher) {
	s.watchersMu.Lock()
	defer s.watchersMu.Unlock()
	s.observers = append(s.observers, w)
}

func (s *Store) notify(name string) {
	s.watchersMu.Lock()
	obs := append([]Watcher(nil), s.observers...)
	s.watchersMu.Unlock()
	for _, w := range obs {
		w.OnProfileChanged(name)
	}
}

// Close stops the filesystem watch, if one was started.
func (s *Store) Close() error {
	if s.watcher == nil {
		return nil
	}
	return s.watcher.Close()
}

func profileNameFromPath(path string) string {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	if ext != ".json" {
		return ""
	}
	return base[:len(base)-len(ext)]
}

func (s *Store) loadAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return ncperrors.Wrap(ncperrors.KindInternal, "list profiles directory", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		name := profileNameFromPath(e.Name())
		if name == "" {
			continue
		}
		p, err := s.readFile(name)
		if err != nil {
			s.log.Warn("skipping unreadable profile", "profile", name, "error", err)
			continue
		}
		s.profiles[name] = p
	}
	return nil
}

func (s *Store) reload(name string) (*Profile, error) {
	p, err := s.readFile(name)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.profiles[name] = p
	s.mu.Unlock()
	return p, nil
}

func (s *Store) readFile(name string) (*Profile, error) {
	path := s.pathFor(name)
	data, err := os.ReadFile(path) //nolint:gosec // operator-controlled config directory
	if err != nil {
		return nil, ncperrors.Wrap(ncperrors.KindInternal, "read profile file "+path, err)
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, ncperrors.Wrap(ncperrors.KindValidationFailed, "parse profile file "+path, err)
	}
	if p.MCPServers == nil {
		p.MCPServers = make(map[string]*ServerDefinition)
	}
	p.Name = name
	return &p, nil
}

func (s *Store) pathFor(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// Get returns the named profile. "all" is a virtual union of every other
// profile's servers, computed at read time (spec.md §6): "The `all` profile
// is a virtual union when read; writes to `all` are allowed and stored
// directly" — a stored all.json (if present) is merged into the union. The
// union is keyed by server name alone, not by `profile/server`; when the
// same server name appears in more than one source, which definition the
// union holds is not defined.
func (s *Store) Get(name string) (*Profile, error) {
	if name == AllProfileName {
		return s.unionAll(), nil
	}

	s.mu.RLock()
	p, ok := s.profiles[name]
	s.mu.RUnlock()
	if !ok {
		return nil, ncperrors.New(ncperrors.KindProfileNotFound, "profile "+name+" not found")
	}
	return p.clone(), nil
}

func (s *Store) unionAll() *Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	union := &Profile{
		Name:       AllProfileName,
		MCPServers: make(map[string]*ServerDefinition),
	}
	for name, p := range s.profiles {
		if name == AllProfileName {
			// Explicit all.json entries are stored directly alongside the union.
			for sname, def := range p.MCPServers {
				union.MCPServers[sname] = def
			}
			continue
		}
		for sname, def := range p.MCPServers {
			union.MCPServers[sname] = def
		}
	}
	return union
}

// List returns every known profile name, excluding the virtual "all" entry
// unless an all.json file actually exists on disk.
func (s *Store) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.profiles))
	for name := range s.profiles {
		names = append(names, name)
	}
	return names
}

// Save persists p to <configDir>/profiles/<p.Name>.json via write-temp,
// fsync, rename, matching the atomic-write policy of spec.md §5.
func (s *Store) Save(p *Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p.Metadata.Modified = time.Now()
	if p.Metadata.Created.IsZero() {
		p.Metadata.Created = p.Metadata.Modified
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return ncperrors.Wrap(ncperrors.KindInternal, "marshal profile "+p.Name, err)
	}

	path := s.pathFor(p.Name)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return ncperrors.Wrap(ncperrors.KindInternal, "open temp profile file", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return ncperrors.Wrap(ncperrors.KindInternal, "write temp profile file", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return ncperrors.Wrap(ncperrors.KindInternal, "fsync temp profile file", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return ncperrors.Wrap(ncperrors.KindInternal, "close temp profile file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return ncperrors.Wrap(ncperrors.KindInternal, "rename temp profile file", err)
	}

	s.profiles[p.Name] = p.clone()
	return nil
}

// AddServer adds def to the named profile, creating the profile if absent.
// Returns Duplicate if a server with the same name already exists, matching
// the "Server Definition ... immutable once added" invariant of spec.md §3.
func (s *Store) AddServer(profileName string, def *ServerDefinition) error {
	s.mu.Lock()
	p, ok := s.profiles[profileName]
	if !ok {
		p = &Profile{Name: profileName, MCPServers: make(map[string]*ServerDefinition)}
	} else {
		p = p.clone()
	}
	if _, exists := p.MCPServers[def.Name]; exists {
		s.mu.Unlock()
		return ncperrors.New(ncperrors.KindDuplicate, fmt.Sprintf("server %q already exists in profile %q", def.Name, profileName))
	}
	p.MCPServers[def.Name] = def
	s.mu.Unlock()

	return s.Save(p)
}

// RemoveServer deletes a server from the named profile. Returns NotFound if
// either the profile or the server is absent.
func (s *Store) RemoveServer(profileName, serverName string) error {
	s.mu.Lock()
	p, ok := s.profiles[profileName]
	if !ok {
		s.mu.Unlock()
		return ncperrors.New(ncperrors.KindProfileNotFound, "profile "+profileName+" not found")
	}
	p = p.clone()
	if _, exists := p.MCPServers[serverName]; !exists {
		s.mu.Unlock()
		return ncperrors.New(ncperrors.KindNotFound, fmt.Sprintf("server %q not found in profile %q", serverName, profileName))
	}
	delete(p.MCPServers, serverName)
	s.mu.Unlock()

	return s.Save(p)
}

// SetEnabled toggles the mutable Enabled flag on a server definition without
// touching H(def)'s immutable fields.
func (s *Store) SetEnabled(profileName, serverName string, enabled bool) error {
	s.mu.Lock()
	p, ok := s.profiles[profileName]
	if !ok {
		s.mu.Unlock()
		return ncperrors.New(ncperrors.KindProfileNotFound, "profile "+profileName+" not found")
	}
	p = p.clone()
	def, exists := p.MCPServers[serverName]
	if !exists {
		s.mu.Unlock()
		return ncperrors.New(ncperrors.KindNotFound, fmt.Sprintf("server %q not found in profile %q", serverName, profileName))
	}
	def.Enabled = enabled
	s.mu.Unlock()

	return s.Save(p)
}
