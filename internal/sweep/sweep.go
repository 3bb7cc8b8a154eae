package sweep

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/transcriptio/collab/internal/presence"
)

type Config struct {
	Interval time.Duration
	StaleTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval: 5 * time.Minute,
		StaleTTL: 5 * time.Minute,
	}
}

// Service periodically evicts presence records whose heartbeat is
// older than the TTL. It is the only garbage collection for sessions
// whose disconnect the transport never noticed.
type Service struct {
	store  presence.Store
	config Config
	stop   chan struct{}
	wg     sync.WaitGroup
}

func New(store presence.Store, config Config) *Service {
	return &Service{
		store:  store,
		config: config,
		stop:   make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	log.Printf("Presence sweep started (interval: %v, TTL: %v)", s.config.Interval, s.config.StaleTTL)
}

func (s *Service) Stop() {
	close(s.stop)
	s.wg.Wait()
	log.Println("Presence sweep stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.SweepNow()
		}
	}
}

// SweepNow runs one eviction pass immediately.
func (s *Service) SweepNow() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	removed, err := s.store.SweepStale(ctx, s.config.StaleTTL)
	if err != nil {
		log.Printf("Presence sweep failed: %v", err)
		return
	}
	if removed > 0 {
		log.Printf("Presence sweep evicted %d stale records", removed)
	}
}
