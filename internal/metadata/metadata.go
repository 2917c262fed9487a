// Package metadata caches parsed G-code metadata per printer file.
package metadata

import (
	"strings"
	"sync"

	"codeberg.org/mutker/printerctl/internal/errors"
	"codeberg.org/mutker/printerctl/internal/gcode"
	"codeberg.org/mutker/printerctl/internal/logger"
)

// Service keeps metadata in memory, backed by an optional Repository.
// Entries are discarded when their file is deleted or when a different
// file becomes active.
type Service struct {
	mu      sync.RWMutex
	entries map[string]gcode.Metadata
	active  string
	repo    Repository
	logger  logger.Logger
}

// NewService returns a memory-only Service unless cfg.Enabled is set
func NewService(cfg Config, log logger.Logger) (*Service, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	s := &Service{
		entries: make(map[string]gcode.Metadata),
		logger:  log,
	}

	if !cfg.Enabled {
		log.Debug().Msg("Metadata persistence disabled, using memory cache")
		return s, nil
	}

	repo, err := NewRepository(cfg, log)
	if err != nil {
		return nil, err
	}
	s.repo = repo

	return s, nil
}

// NewMemoryService returns a Service with no persistence
func NewMemoryService() *Service {
	return &Service{
		entries: make(map[string]gcode.Metadata),
		logger:  logger.Nop(),
	}
}

// Get returns the metadata stored for fileID
func (s *Service) Get(fileID string) (gcode.Metadata, bool) {
	key := normalize(fileID)

	s.mu.RLock()
	md, ok := s.entries[key]
	s.mu.RUnlock()
	if ok {
		return md.Clone(), true
	}

	if s.repo == nil {
		return gcode.Metadata{}, false
	}

	md, ok, err := s.repo.Load(key)
	if err != nil {
		s.logger.Warn().Err(err).Str("file", key).Msg("Failed to load metadata")
		return gcode.Metadata{}, false
	}
	if !ok {
		return gcode.Metadata{}, false
	}

	s.mu.Lock()
	s.entries[key] = md
	s.mu.Unlock()

	return md.Clone(), true
}

// Put stores md for fileID, replacing any previous entry
func (s *Service) Put(fileID string, md gcode.Metadata) error {
	key := normalize(fileID)
	if key == "" {
		return errors.New().New(ErrInvalidFileID)
	}

	s.mu.Lock()
	s.entries[key] = md.Clone()
	s.mu.Unlock()

	if s.repo != nil {
		return s.repo.Save(key, md)
	}
	return nil
}

// Delete discards the entry for fileID
func (s *Service) Delete(fileID string) error {
	key := normalize(fileID)

	s.mu.Lock()
	delete(s.entries, key)
	if s.active == key {
		s.active = ""
	}
	s.mu.Unlock()

	if s.repo != nil {
		return s.repo.Delete(key)
	}
	return nil
}

// Activate marks fileID as the file being printed. The previously active
// file, if different, has its entry discarded.
func (s *Service) Activate(fileID string) {
	key := normalize(fileID)
	if key == "" {
		return
	}

	s.mu.Lock()
	prev := s.active
	if prev == key {
		s.mu.Unlock()
		return
	}
	s.active = key
	if prev != "" {
		delete(s.entries, prev)
	}
	s.mu.Unlock()

	if prev == "" {
		return
	}

	s.logger.Debug().Str("previous", prev).Str("file", key).Msg("Active file changed")
	if s.repo != nil {
		if err := s.repo.Delete(prev); err != nil {
			s.logger.Warn().Err(err).Str("file", prev).Msg("Failed to discard metadata")
		}
	}
}

// Active returns the active file, empty when none
func (s *Service) Active() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

func (s *Service) Close() error {
	if s.repo == nil {
		return nil
	}
	return s.repo.Close()
}

func normalize(fileID string) string {
	return strings.TrimSpace(fileID)
}
