package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// StubClient is an in-memory Client used by unit tests and the end-to-end
// scenarios that need a registry without a chain behind it; it keeps
// records in a map.
type StubClient struct {
	mu      sync.RWMutex
	records map[string]AgentRecord
}

// NewStubClient creates an empty StubClient.
func NewStubClient() *StubClient {
	return &StubClient{records: make(map[string]AgentRecord)}
}

// Seed pre-populates a record for address, for tests that need a peer
// registered before the scenario starts.
func (s *StubClient) Seed(address string, rec AgentRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[strings.ToLower(address)] = rec
}

// SetBlocked marks address as blocked (or not) for connection-gating tests.
func (s *StubClient) SetBlocked(address string, blocked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.records[strings.ToLower(address)]
	rec.IsBlocked = blocked
	s.records[strings.ToLower(address)] = rec
}

func (s *StubClient) IsRegistered(_ context.Context, address string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[strings.ToLower(address)]
	return ok, nil
}

func (s *StubClient) GetAgentInfo(_ context.Context, address string) (AgentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[strings.ToLower(address)]
	if !ok {
		return AgentRecord{}, fmt.Errorf("%w: %s", ErrNotFound, address)
	}
	return rec, nil
}

func (s *StubClient) GetPublicKey(_ context.Context, address string) (string, error) {
	s.mu.RLock()
	rec, ok := s.records[strings.ToLower(address)]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, address)
	}
	var meta metadataKeys
	if err := json.Unmarshal([]byte(rec.Metadata), &meta); err != nil || meta.PublicKey == "" {
		return "", fmt.Errorf("%w: no publicKey field", ErrMalformedMetadata)
	}
	return meta.PublicKey, nil
}

func (s *StubClient) IsBlocked(address string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[strings.ToLower(address)].IsBlocked
}

func (s *StubClient) RegisterSelf(_ context.Context, name, metadataJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// RegisterSelf is keyed by name here since the stub has no notion of
	// "self" address; callers seed the record under their own address via
	// Seed, then call RegisterSelf only to exercise idempotence.
	for addr, rec := range s.records {
		if rec.Name == name {
			rec.Metadata = metadataJSON
			s.records[addr] = rec
			return nil
		}
	}
	return nil
}
