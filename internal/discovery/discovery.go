// Package discovery locates agent gateways on the local network.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Gateway represents a discovered agent backend.
type Gateway struct {
	ID           string    `json:"id"`   // URL-based identifier
	Name         string    `json:"name"` // Reported service name
	Version      string    `json:"version"`
	URL          string    `json:"url"`    // Base URL (e.g., http://localhost:8765)
	Status       string    `json:"status"` // "online", "offline"
	Latency      int64     `json:"latency"` // Probe round trip in ms
	LastSeen     time.Time `json:"lastSeen"`
	RequiresAuth bool      `json:"requiresAuth"`
	AgentsActive int       `json:"agentsActive"`
}

// statusInfo is the gateway's /api/status response.
type statusInfo struct {
	Name          string  `json:"name"`
	Version       string  `json:"version"`
	AgentsActive  int     `json:"agents_active"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// Config holds discovery configuration.
type Config struct {
	// Ports to scan on localhost
	Ports []int
	// Custom URLs to check in addition to port scanning
	CustomURLs []string
	// Probe timeout per endpoint
	Timeout time.Duration
	// How often to refresh discovery
	RefreshInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Ports: []int{
			8765, // default gateway port
			8766,
			8767,
		},
		CustomURLs:      []string{},
		Timeout:         2 * time.Second,
		RefreshInterval: 30 * time.Second,
	}
}

// Service discovers and tracks available gateways.
type Service struct {
	cfg        *Config
	logger     zerolog.Logger
	httpClient *http.Client

	mu         sync.RWMutex
	gateways   map[string]*Gateway
	selectedID string

	onUpdate func([]*Gateway)
	onSelect func(*Gateway)

	stopCh  chan struct{}
	running bool
}

// NewService creates a new discovery service.
func NewService(cfg *Config, logger zerolog.Logger) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	return &Service{
		cfg:    cfg,
		logger: logger.With().Str("component", "discovery").Logger(),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		gateways: make(map[string]*Gateway),
		stopCh:   make(chan struct{}),
	}
}

// SetOnUpdate sets the callback invoked after each scan.
func (s *Service) SetOnUpdate(fn func([]*Gateway)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUpdate = fn
}

// SetOnSelect sets the callback invoked when a gateway is selected.
func (s *Service) SetOnSelect(fn func(*Gateway)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSelect = fn
}

// Start begins background discovery.
func (s *Service) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	go s.Scan()

	go func() {
		ticker := time.NewTicker(s.cfg.RefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.Scan()
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop stops background discovery.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		close(s.stopCh)
		s.running = false
	}
}

// Scan probes every configured port and custom URL concurrently and
// returns the refreshed gateway list.
func (s *Service) Scan() []*Gateway {
	var wg sync.WaitGroup
	results := make(chan *Gateway, len(s.cfg.Ports)+len(s.cfg.CustomURLs))

	for _, port := range s.cfg.Ports {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			url := fmt.Sprintf("http://localhost:%d", p)
			if gw := s.probe(url); gw != nil {
				results <- gw
			}
		}(port)
	}

	for _, url := range s.cfg.CustomURLs {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			if gw := s.probe(u); gw != nil {
				results <- gw
			}
		}(url)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	s.mu.Lock()

	// Anything not seen in this scan stays listed but drops to offline.
	for _, g := range s.gateways {
		g.Status = "offline"
	}

	for gw := range results {
		s.gateways[gw.ID] = gw
	}

	list := make([]*Gateway, 0, len(s.gateways))
	for _, g := range s.gateways {
		list = append(list, g)
	}

	callback := s.onUpdate
	s.mu.Unlock()

	s.logger.Debug().Int("gateways", len(list)).Msg("Discovery scan complete")

	if callback != nil {
		callback(list)
	}

	return list
}

// probe checks a base URL for a gateway status endpoint.
func (s *Service) probe(baseURL string) *Gateway {
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/status", nil)
	if err != nil {
		return nil
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	latency := time.Since(start).Milliseconds()

	// A 401 still identifies a live gateway, just one that wants a token.
	if resp.StatusCode == http.StatusUnauthorized {
		return &Gateway{
			ID:           baseURL,
			URL:          baseURL,
			Status:       "online",
			Latency:      latency,
			LastSeen:     time.Now(),
			RequiresAuth: true,
		}
	}

	if resp.StatusCode != http.StatusOK {
		return nil
	}

	var info statusInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil
	}

	return &Gateway{
		ID:           baseURL,
		Name:         info.Name,
		Version:      info.Version,
		URL:          baseURL,
		Status:       "online",
		Latency:      latency,
		LastSeen:     time.Now(),
		AgentsActive: info.AgentsActive,
	}
}

// GetGateways returns all known gateways.
func (s *Service) GetGateways() []*Gateway {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]*Gateway, 0, len(s.gateways))
	for _, g := range s.gateways {
		list = append(list, g)
	}
	return list
}

// GetGateway returns a specific gateway by ID.
func (s *Service) GetGateway(id string) *Gateway {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gateways[id]
}

// GetSelected returns the currently selected gateway.
func (s *Service) GetSelected() *Gateway {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.selectedID == "" {
		return nil
	}
	return s.gateways[s.selectedID]
}

// Select sets the active gateway.
func (s *Service) Select(id string) error {
	s.mu.Lock()

	gw, exists := s.gateways[id]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("gateway not found: %s", id)
	}

	s.selectedID = id
	callback := s.onSelect
	s.mu.Unlock()

	if callback != nil {
		callback(gw)
	}

	return nil
}

// AddCustomURL adds a custom URL to scan.
func (s *Service) AddCustomURL(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.cfg.CustomURLs {
		if u == url {
			return
		}
	}

	s.cfg.CustomURLs = append(s.cfg.CustomURLs, url)
}

// RemoveCustomURL removes a custom URL.
func (s *Service) RemoveCustomURL(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, u := range s.cfg.CustomURLs {
		if u == url {
			s.cfg.CustomURLs = append(s.cfg.CustomURLs[:i], s.cfg.CustomURLs[i+1:]...)
			return
		}
	}
}
