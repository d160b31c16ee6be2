// Package lock implements process-level mutual exclusion for singleton
// coordinators (dispatcher, watchdog). A lock is a YAML entry file created
// atomically with O_EXCL; holders renew it before the TTL elapses, and any
// competing process may reclaim an entry whose recorded holder is
// verifiably dead or whose TTL has lapsed without renewal. Every entry
// carries an integrity token; a token mismatch is treated as tampering.
package lock

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/mizuki-ota/conductor/internal/logging"
	yamlutil "github.com/mizuki-ota/conductor/internal/yaml"
)

// Sentinel errors returned by Manager operations.
var (
	// ErrConflict is returned when a live holder owns the resource.
	ErrConflict = errors.New("lock held by another live process")

	// ErrLost is returned when a holder can no longer prove ownership;
	// the caller must stop acting as singleton.
	ErrLost = errors.New("lock lost")

	// ErrTampered is returned when an entry fails integrity verification.
	ErrTampered = errors.New("lock entry failed integrity check")
)

// Entry is the on-disk lock record.
type Entry struct {
	ResourceKey    string `yaml:"resource_key"`
	HolderPID      int    `yaml:"holder_process_id"`
	HolderHostname string `yaml:"holder_hostname"`
	HolderToken    string `yaml:"holder_token"`
	AcquiredAt     string `yaml:"acquired_at"`
	TTLSeconds     int    `yaml:"ttl_seconds"`
	RenewedAt      string `yaml:"renewed_at"`
	IntegrityToken string `yaml:"integrity_token"`
}

func (e *Entry) computeIntegrity() string {
	canonical := strings.Join([]string{
		e.ResourceKey,
		strconv.Itoa(e.HolderPID),
		e.HolderHostname,
		e.HolderToken,
		e.AcquiredAt,
		strconv.Itoa(e.TTLSeconds),
		e.RenewedAt,
	}, "\n")
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

func (e *Entry) verifyIntegrity() bool {
	return e.IntegrityToken == e.computeIntegrity()
}

// Manager acquires and maintains lock entries under dir.
type Manager struct {
	dir      string
	hostname string
	pid      int
	logger   *log.Logger
	level    logging.Level

	// OnTamper, when set, is invoked with the resource key whenever an
	// entry fails integrity verification. Used to raise security events
	// without coupling this package to the event bus.
	OnTamper func(key string)

	// probeAlive reports whether a PID refers to a live process on this
	// host. Overridable for tests.
	probeAlive func(pid int) bool
	now        func() time.Time
}

func NewManager(dir string, logger *log.Logger, level logging.Level) *Manager {
	hostname, _ := os.Hostname()
	return &Manager{
		dir:        dir,
		hostname:   hostname,
		pid:        os.Getpid(),
		logger:     logger,
		level:      level,
		probeAlive: probeAlive,
		now:        time.Now,
	}
}

// Handle represents a held lock.
type Handle struct {
	m     *Manager
	key   string
	ttl   time.Duration
	token string
}

func (m *Manager) path(key string) string {
	return filepath.Join(m.dir, key+".lock.yaml")
}

// Acquire takes the lock for key or fails with ErrConflict. A stale or
// tampered existing entry is removed and acquisition retried exactly once.
func (m *Manager) Acquire(key string, ttl time.Duration) (*Handle, error) {
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	h, err := m.tryCreate(key, ttl)
	if err == nil {
		m.log(logging.LevelInfo, "lock_acquired key=%s pid=%d ttl=%s", key, m.pid, ttl)
		return h, nil
	}
	if !errors.Is(err, os.ErrExist) {
		return nil, err
	}

	// Entry exists: decide whether it can be reclaimed.
	reclaim, rerr := m.inspectExisting(key, ttl)
	if rerr != nil {
		return nil, rerr
	}
	if !reclaim {
		return nil, fmt.Errorf("acquire %q: %w", key, ErrConflict)
	}

	if err := os.Remove(m.path(key)); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale lock %q: %w", key, err)
	}

	h, err = m.tryCreate(key, ttl)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			// Lost the reclaim race to another contender. Report, don't loop.
			return nil, fmt.Errorf("acquire %q after reclaim: %w", key, ErrConflict)
		}
		return nil, err
	}
	m.log(logging.LevelInfo, "lock_acquired_after_reclaim key=%s pid=%d", key, m.pid)
	return h, nil
}

// inspectExisting reads the current entry and reports whether it is
// reclaimable (stale holder or tampered record). A healthy live entry
// returns (false, nil).
func (m *Manager) inspectExisting(key string, ttl time.Duration) (bool, error) {
	path := m.path(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil // holder released between create attempt and read
		}
		return false, fmt.Errorf("read lock entry: %w", err)
	}

	var entry Entry
	if err := yamlv3.Unmarshal(data, &entry); err != nil {
		m.log(logging.LevelError, "lock_entry_unparseable key=%s error=%v (treating as tampered)", key, err)
		return true, nil
	}

	if !entry.verifyIntegrity() {
		// Never trust the entry's contents past this point.
		m.reportTamper(key, path)
		return true, nil
	}

	if m.isStale(&entry) {
		m.log(logging.LevelWarn, "lock_stale key=%s holder_pid=%d holder_host=%s renewed_at=%s",
			key, entry.HolderPID, entry.HolderHostname, entry.RenewedAt)
		return true, nil
	}

	return false, nil
}

// isStale reports whether the recorded holder no longer counts as live:
// either its PID is gone (only checkable on the holder's own host), or it
// stopped renewing for longer than the TTL.
func (m *Manager) isStale(entry *Entry) bool {
	if entry.HolderHostname == m.hostname && !m.probeAlive(entry.HolderPID) {
		return true
	}
	renewed, err := time.Parse(time.RFC3339, entry.RenewedAt)
	if err != nil {
		return true
	}
	ttl := time.Duration(entry.TTLSeconds) * time.Second
	return m.now().UTC().After(renewed.Add(ttl))
}

func (m *Manager) tryCreate(key string, ttl time.Duration) (*Handle, error) {
	token, err := randomToken()
	if err != nil {
		return nil, err
	}

	now := m.now().UTC().Format(time.RFC3339)
	entry := Entry{
		ResourceKey:    key,
		HolderPID:      m.pid,
		HolderHostname: m.hostname,
		HolderToken:    token,
		AcquiredAt:     now,
		TTLSeconds:     int(ttl.Seconds()),
		RenewedAt:      now,
	}
	entry.IntegrityToken = entry.computeIntegrity()

	content, err := yamlv3.Marshal(&entry)
	if err != nil {
		return nil, fmt.Errorf("marshal lock entry: %w", err)
	}

	f, err := os.OpenFile(m.path(key), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("create lock entry: %w", err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(m.path(key))
		return nil, fmt.Errorf("write lock entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(m.path(key))
		return nil, fmt.Errorf("sync lock entry: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close lock entry: %w", err)
	}

	return &Handle{m: m, key: key, ttl: ttl, token: token}, nil
}

// readOwned loads the entry for h and verifies it still belongs to this
// holder. Tampered entries are removed and reported.
func (m *Manager) readOwned(h *Handle) (*Entry, error) {
	path := m.path(h.key)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("entry for %q gone: %w", h.key, ErrLost)
		}
		return nil, fmt.Errorf("read lock entry: %w", err)
	}

	var entry Entry
	if err := yamlv3.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("parse lock entry %q: %w", h.key, ErrTampered)
	}
	if !entry.verifyIntegrity() {
		m.reportTamper(h.key, path)
		_ = os.Remove(path)
		return nil, fmt.Errorf("entry for %q: %w", h.key, ErrTampered)
	}
	if entry.HolderPID != m.pid || entry.HolderHostname != m.hostname || entry.HolderToken != h.token {
		return nil, fmt.Errorf("entry for %q now owned by pid=%d host=%s: %w",
			h.key, entry.HolderPID, entry.HolderHostname, ErrLost)
	}
	return &entry, nil
}

// Renew refreshes the holder's heartbeat. It fails with ErrLost if the
// entry vanished, changed hands, or already expired; in all three cases
// the caller must stop acting as singleton.
func (h *Handle) Renew() error {
	entry, err := h.m.readOwned(h)
	if err != nil {
		return err
	}

	renewed, perr := time.Parse(time.RFC3339, entry.RenewedAt)
	if perr == nil {
		ttl := time.Duration(entry.TTLSeconds) * time.Second
		if h.m.now().UTC().After(renewed.Add(ttl)) {
			return fmt.Errorf("ttl elapsed before renew of %q: %w", h.key, ErrLost)
		}
	}

	entry.RenewedAt = h.m.now().UTC().Format(time.RFC3339)
	entry.IntegrityToken = entry.computeIntegrity()

	if err := yamlutil.AtomicWrite(h.m.path(h.key), entry); err != nil {
		return fmt.Errorf("write renewed entry: %w", err)
	}
	h.m.log(logging.LevelDebug, "lock_renewed key=%s pid=%d", h.key, h.m.pid)
	return nil
}

// Release deletes the entry, but only while the caller can still prove
// ownership. Releasing a lock that was already reclaimed is a no-op
// failure, never a deletion of someone else's entry.
func (h *Handle) Release() error {
	if _, err := h.m.readOwned(h); err != nil {
		if errors.Is(err, ErrLost) || errors.Is(err, ErrTampered) {
			h.m.log(logging.LevelWarn, "lock_release_skipped key=%s reason=%v", h.key, err)
			return nil
		}
		return err
	}
	if err := os.Remove(h.m.path(h.key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock entry: %w", err)
	}
	h.m.log(logging.LevelInfo, "lock_released key=%s pid=%d", h.key, h.m.pid)
	return nil
}

// Keepalive renews the lock at ttl/3 until ctx is done or the lock is
// lost. The returned channel closes if ownership is lost; the holder must
// then stop its singleton work.
func (h *Handle) Keepalive(ctx context.Context) <-chan struct{} {
	lost := make(chan struct{})
	interval := h.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := h.Renew(); err != nil {
					h.m.log(logging.LevelError, "lock_keepalive_failed key=%s error=%v", h.key, err)
					close(lost)
					return
				}
			}
		}
	}()

	return lost
}

func probeAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to another user.
	return errors.Is(err, syscall.EPERM)
}

func randomToken() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate holder token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func (m *Manager) reportTamper(key, path string) {
	m.log(logging.LevelError, "lock_tampered key=%s file=%s", key, path)
	if m.OnTamper != nil {
		m.OnTamper(key)
	}
}

func (m *Manager) log(level logging.Level, format string, args ...any) {
	logging.Printf(m.logger, m.level, level, "lock", format, args...)
}
