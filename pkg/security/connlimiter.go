// Package security provides HTTP hardening for the relay: connection
// limiting, rate limiting, security headers and CORS handling.
package security

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeGROOVE-dev/chatsock/pkg/logger"
)

const (
	staleTimeout       = 10 * time.Minute // inactive entries older than this are dropped
	maxIPEntries       = 10000
	reservationTimeout = 30 * time.Second // a WebSocket handshake must finish within this
)

type connectionInfo struct {
	lastActive time.Time
	count      int
}

type reservation struct {
	expiresAt time.Time
	ip        string
}

// ConnectionLimiter tracks connections per IP and in total.
//
// Slots can be taken directly with Add, or in two steps with Reserve and
// CommitReservation so that a slot is held while a handshake is still running.
type ConnectionLimiter struct {
	perIP        map[string]*connectionInfo
	reservations map[string]*reservation
	stopCleanup  chan struct{}
	stopOnce     sync.Once
	total        int
	maxPerIP     int
	maxTotal     int
	mu           sync.Mutex
}

// NewConnectionLimiter creates a connection limiter with periodic cleanup.
func NewConnectionLimiter(maxPerIP, maxTotal int) *ConnectionLimiter {
	cl := &ConnectionLimiter{
		perIP:        make(map[string]*connectionInfo),
		reservations: make(map[string]*reservation),
		maxPerIP:     maxPerIP,
		maxTotal:     maxTotal,
		stopCleanup:  make(chan struct{}),
	}
	go cl.cleanupLoop()
	return cl
}

// CanAdd reports whether a connection could be added for ip right now.
// The answer may be stale by the time the caller acts on it; use Reserve
// when that matters.
func (cl *ConnectionLimiter) CanAdd(ip string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.total >= cl.maxTotal {
		return false
	}
	info, exists := cl.perIP[ip]
	if exists && info.count >= cl.maxPerIP {
		return false
	}
	if !exists && len(cl.perIP) >= maxIPEntries {
		for _, info := range cl.perIP {
			if info.count == 0 {
				return true
			}
		}
		return false
	}
	return true
}

// Add attempts to add a connection for ip.
func (cl *ConnectionLimiter) Add(ip string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.takeLocked(ip)
}

func (cl *ConnectionLimiter) takeLocked(ip string) bool {
	info := cl.perIP[ip]
	if info == nil {
		if len(cl.perIP) >= maxIPEntries {
			cl.evictOldestInactive()
			if len(cl.perIP) >= maxIPEntries {
				return false
			}
		}
		info = &connectionInfo{}
		cl.perIP[ip] = info
	}

	if cl.total >= cl.maxTotal || info.count >= cl.maxPerIP {
		if info.count == 0 {
			delete(cl.perIP, ip)
		}
		return false
	}

	info.count++
	info.lastActive = time.Now()
	cl.total++
	return true
}

// Remove releases a connection for ip.
func (cl *ConnectionLimiter) Remove(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.releaseLocked(ip)
}

func (cl *ConnectionLimiter) releaseLocked(ip string) {
	info := cl.perIP[ip]
	if info == nil || info.count == 0 {
		return
	}
	info.count--
	info.lastActive = time.Now()
	cl.total--
	if info.count == 0 {
		delete(cl.perIP, ip)
	}
}

// Reserve takes a slot for ip and returns a reservation token, or "" when
// the limit is reached. The slot is released if the token is neither
// committed nor cancelled within 30 seconds.
func (cl *ConnectionLimiter) Reserve(ip string) string {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if !cl.takeLocked(ip) {
		return ""
	}
	token := uuid.NewString()
	cl.reservations[token] = &reservation{ip: ip, expiresAt: time.Now().Add(reservationTimeout)}
	return token
}

// CommitReservation turns a reservation into a connection. The caller must
// later call Remove for the same IP. It reports false when the token is
// unknown or expired.
func (cl *ConnectionLimiter) CommitReservation(token string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	res := cl.reservations[token]
	if res == nil {
		return false
	}
	delete(cl.reservations, token)
	if time.Now().After(res.expiresAt) {
		cl.releaseLocked(res.ip)
		return false
	}
	return true
}

// CancelReservation releases a reserved slot.
func (cl *ConnectionLimiter) CancelReservation(token string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if res := cl.reservations[token]; res != nil {
		delete(cl.reservations, token)
		cl.releaseLocked(res.ip)
	}
}

// Count returns the number of connections held for ip and in total,
// reservations included.
func (cl *ConnectionLimiter) Count(ip string) (perIP, total int) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if info := cl.perIP[ip]; info != nil {
		perIP = info.count
	}
	return perIP, cl.total
}

func (cl *ConnectionLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cl.cleanup()
		case <-cl.stopCleanup:
			return
		}
	}
}

// cleanup releases expired reservations and drops stale idle entries.
func (cl *ConnectionLimiter) cleanup() {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := time.Now()
	expired := 0
	for token, res := range cl.reservations {
		if now.After(res.expiresAt) {
			delete(cl.reservations, token)
			cl.releaseLocked(res.ip)
			expired++
		}
	}

	cleaned := 0
	for ip, info := range cl.perIP {
		if info.count == 0 && now.Sub(info.lastActive) > staleTimeout {
			delete(cl.perIP, ip)
			cleaned++
		}
	}

	if expired > 0 || cleaned > 0 {
		logger.Debug(context.Background(), "connection limiter cleanup", logger.Fields{
			"expired_reservations": expired,
			"stale_entries":        cleaned,
		})
	}
}

// evictOldestInactive removes the oldest idle entry. Called with mu held.
func (cl *ConnectionLimiter) evictOldestInactive() {
	var oldestIP string
	var oldestTime time.Time
	for ip, info := range cl.perIP {
		if info.count == 0 && (oldestIP == "" || info.lastActive.Before(oldestTime)) {
			oldestIP = ip
			oldestTime = info.lastActive
		}
	}
	if oldestIP != "" {
		delete(cl.perIP, oldestIP)
	}
}

// Stop ends the cleanup goroutine. It is safe to call more than once.
func (cl *ConnectionLimiter) Stop() {
	cl.stopOnce.Do(func() { close(cl.stopCleanup) })
}
