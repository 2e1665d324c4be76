// Package plant holds plant records in memory. It is the data store the
// health monitor reads its target plant from and writes health back to.
package plant

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/soilsense/internal/care"
	"github.com/chaz8081/soilsense/internal/health"
)

// ErrNotFound is returned for an unknown plant id.
var ErrNotFound = errors.New("plant: not found")

// DrynessEpisode is an open stretch of continuously dry soil. HealthAtStart
// is fixed for the life of the episode.
type DrynessEpisode struct {
	StartedAt     time.Time `json:"started_at"`
	HealthAtStart float64   `json:"health_at_start"`
}

// Plant is a single plant record.
type Plant struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Species   string          `json:"species"`
	Health    float64         `json:"health"`
	Care      care.Profile    `json:"care"`
	Episode   *DrynessEpisode `json:"dryness_episode,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store is an in-memory, concurrency-safe plant store. Writes are last-write-wins.
type Store struct {
	mu     sync.RWMutex
	plants map[string]*Plant
	order  []string
	now    func() time.Time
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		plants: make(map[string]*Plant),
		now:    time.Now,
	}
}

// Add creates a plant at full health with the care profile of its species.
func (s *Store) Add(name, species string) (Plant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Plant{}, fmt.Errorf("plant: name is required")
	}
	species = strings.TrimSpace(species)

	p := &Plant{
		ID:        uuid.NewString(),
		Name:      name,
		Species:   species,
		Health:    health.MaxHealth,
		Care:      care.Resolve(species),
		CreatedAt: s.now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.plants[p.ID] = p
	s.order = append(s.order, p.ID)
	return p.clone(), nil
}

// Get returns the plant with id.
func (s *Store) Get(id string) (Plant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plants[id]
	if !ok {
		return Plant{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p.clone(), nil
}

// List returns all plants, oldest first.
func (s *Store) List() []Plant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Plant, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.plants[id].clone())
	}
	return out
}

// Target returns the plant the sensor is attached to: the first one added.
func (s *Store) Target() (Plant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.order) == 0 {
		return Plant{}, false
	}
	return s.plants[s.order[0]].clone(), true
}

// SetHealth stores v, clamped to [0, 100].
func (s *Store) SetHealth(id string, v float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plants[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	p.Health = health.Clamp(v)
	return nil
}

// SetDrynessEpisode opens (ep != nil) or clears (ep == nil) the plant's
// dryness episode.
func (s *Store) SetDrynessEpisode(id string, ep *DrynessEpisode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plants[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if ep == nil {
		p.Episode = nil
		return nil
	}
	e := *ep
	p.Episode = &e
	return nil
}

// Remove deletes the plant with id.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plants[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.plants, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (p *Plant) clone() Plant {
	c := *p
	if p.Episode != nil {
		e := *p.Episode
		c.Episode = &e
	}
	return c
}
