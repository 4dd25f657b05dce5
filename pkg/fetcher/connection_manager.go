package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/settlement-engine/pkg/logging"
)

// DefaultCleanupInterval is how often idle sessions are swept.
const DefaultCleanupInterval = time.Minute

var errManagerClosed = errors.New("connection manager is closed")

// Endpoint identifies one SFTP account.
type Endpoint struct {
	Host   string
	Port   int
	User   string
	Secret string
}

func (e Endpoint) key() string {
	return e.User + "@" + net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Session is an open SFTP session.
type Session interface {
	ReadDir(dir string) ([]string, error)
	ReadFile(path string) ([]byte, error)
	// Ping is a cheap round trip used as a health check.
	Ping() error
	Close() error
}

// Dialer opens a new session to an endpoint.
type Dialer func(ctx context.Context, ep Endpoint) (Session, error)

type managedSession struct {
	session  Session
	lastUsed time.Time
	refs     int
}

// ConnectionManager pools SFTP sessions per user@host:port. Idle sessions
// are closed after the TTL; sessions that fail their health check are
// replaced on the next acquire.
type ConnectionManager struct {
	mu       sync.Mutex
	sessions map[string]*managedSession
	dial     Dialer
	ttl      time.Duration
	stopped  bool
	stopChan chan struct{}
	logger   *zap.Logger
	now      func() time.Time
}

// NewConnectionManager creates a manager and starts its cleanup loop. Dial
// failures are returned as is; callers own the retry policy.
func NewConnectionManager(dial Dialer, ttl time.Duration, logger *zap.Logger) *ConnectionManager {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	m := &ConnectionManager{
		sessions: make(map[string]*managedSession),
		dial:     dial,
		ttl:      ttl,
		stopChan: make(chan struct{}),
		logger:   logger.Named("sftp-pool"),
		now:      time.Now,
	}
	go m.cleanupExpiredSessions(DefaultCleanupInterval)
	return m
}

// Acquire returns a healthy session for ep and a release function that
// must be called when the caller is done with it.
func (m *ConnectionManager) Acquire(ctx context.Context, ep Endpoint) (Session, func(), error) {
	key := ep.key()

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil, nil, errManagerClosed
	}
	ms, ok := m.sessions[key]
	if ok {
		ms.refs++
	}
	m.mu.Unlock()

	if ok {
		if err := ms.session.Ping(); err == nil {
			return ms.session, m.releaser(ms), nil
		}
		m.logger.Info("Pooled SFTP session failed health check, reconnecting",
			zap.String("endpoint", logging.SanitizeSFTPAddress(ep.User, ep.Host, ep.Port)))
		m.release(ms)
		m.discard(key, ms)
	}

	return m.createSession(ctx, ep)
}

func (m *ConnectionManager) createSession(ctx context.Context, ep Endpoint) (Session, func(), error) {
	key := ep.key()

	session, err := m.dial(ctx, ep)
	if err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		_ = session.Close()
		return nil, nil, errManagerClosed
	}

	// Another caller may have connected while we were dialing.
	if existing, ok := m.sessions[key]; ok {
		_ = session.Close()
		existing.refs++
		return existing.session, m.releaser(existing), nil
	}

	ms := &managedSession{session: session, lastUsed: m.now(), refs: 1}
	m.sessions[key] = ms

	m.logger.Debug("Opened SFTP session",
		zap.String("endpoint", logging.SanitizeSFTPAddress(ep.User, ep.Host, ep.Port)))
	return session, m.releaser(ms), nil
}

func (m *ConnectionManager) releaser(ms *managedSession) func() {
	var once sync.Once
	return func() { once.Do(func() { m.release(ms) }) }
}

func (m *ConnectionManager) release(ms *managedSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ms.refs > 0 {
		ms.refs--
	}
	ms.lastUsed = m.now()
}

// Discard closes and forgets the pooled session for ep, typically after a
// transport error.
func (m *ConnectionManager) Discard(ep Endpoint) {
	m.mu.Lock()
	ms := m.sessions[ep.key()]
	m.mu.Unlock()

	if ms != nil {
		m.discard(ep.key(), ms)
	}
}

// discard removes ms only if it is still the pooled session for key.
func (m *ConnectionManager) discard(key string, ms *managedSession) {
	m.mu.Lock()
	current, ok := m.sessions[key]
	if ok && current == ms {
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	if ok && current == ms {
		if err := ms.session.Close(); err != nil {
			m.logger.Debug("Error closing discarded SFTP session", zap.Error(err))
		}
	}
}

func (m *ConnectionManager) cleanupExpiredSessions(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.performCleanup()
		case <-m.stopChan:
			return
		}
	}
}

// performCleanup closes sessions idle for longer than the TTL. Sessions in
// use are never closed.
func (m *ConnectionManager) performCleanup() {
	now := m.now()

	m.mu.Lock()
	var expired []Session
	for key, ms := range m.sessions {
		if ms.refs == 0 && now.Sub(ms.lastUsed) > m.ttl {
			expired = append(expired, ms.session)
			delete(m.sessions, key)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		_ = s.Close()
	}
	if len(expired) > 0 {
		m.logger.Debug("Closed idle SFTP sessions", zap.Int("count", len(expired)))
	}
}

// Close stops the cleanup loop and closes every pooled session. It is safe
// to call more than once.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	close(m.stopChan)
	sessions := m.sessions
	m.sessions = make(map[string]*managedSession)
	m.mu.Unlock()

	var errs []error
	for key, ms := range sessions {
		if err := ms.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// PoolStats reports pool occupancy.
type PoolStats struct {
	Sessions int `json:"sessions"`
	InUse    int `json:"in_use"`
}

// Stats returns current pool occupancy.
func (m *ConnectionManager) Stats() PoolStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := PoolStats{Sessions: len(m.sessions)}
	for _, ms := range m.sessions {
		if ms.refs > 0 {
			s.InUse++
		}
	}
	return s
}
