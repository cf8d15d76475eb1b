package router

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fluxline/fluxline/pkg/types"
)

// ClassPriors holds the running counts for one worker class. Plain tallies,
// no decay.
type ClassPriors struct {
	SuccessCount   int64   `json:"success_count"`
	FailCount      int64   `json:"fail_count"`
	TotalCost      float64 `json:"total_cost"`
	TotalLatencyMs float64 `json:"total_latency_ms"`
}

// Attempts returns the total recorded attempts.
func (p *ClassPriors) Attempts() int64 {
	return p.SuccessCount + p.FailCount
}

// SuccessRate returns the observed success fraction. ok is false when there
// is no history.
func (p *ClassPriors) SuccessRate() (float64, bool) {
	n := p.Attempts()
	if n == 0 {
		return 0, false
	}
	return float64(p.SuccessCount) / float64(n), true
}

// AvgCost returns the mean cost per attempt, 0 with no history.
func (p *ClassPriors) AvgCost() float64 {
	n := p.Attempts()
	if n == 0 {
		return 0
	}
	return p.TotalCost / float64(n)
}

// AvgLatency returns the mean latency per attempt, 0 with no history.
func (p *ClassPriors) AvgLatency() time.Duration {
	n := p.Attempts()
	if n == 0 {
		return 0
	}
	return time.Duration(p.TotalLatencyMs/float64(n)) * time.Millisecond
}

// priorsDocument is the on-disk format.
type priorsDocument struct {
	Models map[types.WorkerClass]*ClassPriors `json:"models"`
}

// PriorsStore keeps per-worker-class history and persists it as a small JSON
// document. A corrupt or missing file degrades to empty priors, never a
// startup failure.
type PriorsStore struct {
	mu     sync.RWMutex
	path   string
	models map[types.WorkerClass]*ClassPriors
}

// LoadPriors reads the priors document at path. path may be empty for a
// memory-only store.
func LoadPriors(path string) *PriorsStore {
	s := &PriorsStore{
		path:   path,
		models: make(map[types.WorkerClass]*ClassPriors),
	}
	if path == "" {
		return s
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return s
	}
	var doc priorsDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return s
	}
	if doc.Models != nil {
		s.models = doc.Models
	}
	return s
}

// Get returns a copy of the priors for a class. ok is false with no history.
func (s *PriorsStore) Get(class types.WorkerClass) (ClassPriors, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.models[class]
	if !ok || p.Attempts() == 0 {
		return ClassPriors{}, false
	}
	return *p, true
}

// Record tallies one completed task for a worker class and rewrites the
// document.
func (s *PriorsStore) Record(class types.WorkerClass, success bool, cost float64, latency time.Duration) error {
	s.mu.Lock()
	p, ok := s.models[class]
	if !ok {
		p = &ClassPriors{}
		s.models[class] = p
	}
	if success {
		p.SuccessCount++
	} else {
		p.FailCount++
	}
	p.TotalCost += cost
	p.TotalLatencyMs += float64(latency.Milliseconds())
	s.mu.Unlock()

	return s.Save()
}

// Save rewrites the priors document. A no-op for memory-only stores.
func (s *PriorsStore) Save() error {
	if s.path == "" {
		return nil
	}

	s.mu.RLock()
	doc := priorsDocument{Models: s.models}
	data, err := json.MarshalIndent(&doc, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal priors: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create priors dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write priors: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename priors: %w", err)
	}
	return nil
}
