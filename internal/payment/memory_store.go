package payment

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory session store for demo/development mode.
// The conditional updates hold the store lock for the full read-check-
// write, giving the same atomicity the SQL store gets from conditional
// UPDATE statements.
type MemoryStore struct {
	mu       sync.RWMutex
	byAddr   map[string]*Session
	byOrder  map[string]string // orderID → address
	events   map[string][]*LedgerEvent
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byAddr:  make(map[string]*Session),
		byOrder: make(map[string]string),
		events:  make(map[string][]*LedgerEvent),
	}
}

func (m *MemoryStore) Create(ctx context.Context, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byOrder[sess.OrderID]; ok {
		return ErrDuplicateOrder
	}
	if _, ok := m.byAddr[sess.Address]; ok {
		return ErrDuplicateOrder
	}
	cp := *sess
	m.byAddr[sess.Address] = &cp
	m.byOrder[sess.OrderID] = sess.Address
	return nil
}

func (m *MemoryStore) GetByAddress(ctx context.Context, address string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(address)
}

func (m *MemoryStore) GetByOrderID(ctx context.Context, orderID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	addr, ok := m.byOrder[orderID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return m.getLocked(addr)
}

// getLocked returns a copy to keep callers off the shared pointer.
func (m *MemoryStore) getLocked(address string) (*Session, error) {
	sess, ok := m.byAddr[address]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

// Update writes caller-owned fields back. The guard flags are excluded:
// they only move through the conditional updates below.
func (m *MemoryStore) Update(ctx context.Context, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.byAddr[sess.Address]
	if !ok {
		return ErrSessionNotFound
	}
	cur.ExpectedAmount = sess.ExpectedAmount
	cur.ReceivedAmount = sess.ReceivedAmount
	cur.Status = sess.Status
	cur.CallbackURL = sess.CallbackURL
	cur.LastCheckedAt = sess.LastCheckedAt
	cur.UpdatedAt = sess.UpdatedAt
	return nil
}

func (m *MemoryStore) ClaimGasFunding(ctx context.Context, address string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.byAddr[address]
	if !ok {
		return false, ErrSessionNotFound
	}
	if sess.GasFunded || sess.Transferred {
		return false, nil
	}
	sess.GasFunded = true
	return true, nil
}

func (m *MemoryStore) ReleaseGasFundingClaim(ctx context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.byAddr[address]
	if !ok {
		return ErrSessionNotFound
	}
	sess.GasFunded = false
	return nil
}

func (m *MemoryStore) MarkTransferred(ctx context.Context, address, txRef string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.byAddr[address]
	if !ok {
		return false, ErrSessionNotFound
	}
	if sess.Transferred {
		return false, nil
	}
	sess.Transferred = true
	sess.Status = StatusTransferred
	sess.SweepTxRef = txRef
	return true, nil
}

func (m *MemoryStore) MarkCallbackDelivered(ctx context.Context, address string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.byAddr[address]
	if !ok {
		return false, ErrSessionNotFound
	}
	if sess.CallbackDelivered {
		return false, nil
	}
	sess.CallbackDelivered = true
	return true, nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, event *LedgerEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *event
	m.events[event.SessionID] = append(m.events[event.SessionID], &cp)
	return nil
}

func (m *MemoryStore) Events(ctx context.Context, sessionID string) ([]*LedgerEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.events[sessionID]
	out := make([]*LedgerEvent, len(src))
	for i, e := range src {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryStore) ListActive(ctx context.Context, limit int) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Session
	for _, sess := range m.byAddr {
		if sess.Status.Terminal() {
			continue
		}
		// Expired sessions only stay active while an unswept partial
		// balance needs attention.
		if sess.Status == StatusExpired && sess.ReceivedAmount == "0.000000" {
			continue
		}
		cp := *sess
		result = append(result, &cp)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) ListPendingCallbacks(ctx context.Context, limit int) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Session
	for _, sess := range m.byAddr {
		if sess.CallbackDelivered || sess.CallbackURL == "" {
			continue
		}
		if sess.Status != StatusTransferred && sess.Status != StatusExpired {
			continue
		}
		cp := *sess
		result = append(result, &cp)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}
