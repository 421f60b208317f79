// Package conn owns the client's single persistent connection: its
// lifecycle state machine, the identity gate, the presence heartbeat, and
// the per-topic subscription registry layered on top of the transport.
package conn

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/chatmee/chat-client/internal/metrics"
	"github.com/chatmee/chat-client/internal/protocol"
	"github.com/chatmee/chat-client/internal/transport"
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Status is the externally visible connection state. LastError holds the
// most recent transport or protocol error; it is cleared on a successful
// connect.
type Status struct {
	State     State
	LastError string
}

// Identity is the current user, supplied by the external auth collaborator.
type Identity struct {
	ID   string
	Name string
}

// AuthEvent is the login/logout transition that drives connect and
// disconnect. It is the only trigger for reconnection.
type AuthEvent struct {
	LoggedIn bool
	User     Identity // valid only when LoggedIn
}

// ManagerConfig holds connection manager settings.
type ManagerConfig struct {
	// Heartbeat is the interval at which an "online" presence frame is
	// re-emitted while connected, bounding presence staleness server-side.
	Heartbeat time.Duration

	// OnStateChange, if set, is invoked after every state transition.
	OnStateChange func(Status)

	// OnPresenceFrame, if set, is subscribed to the global presence topic
	// on every successful connect.
	OnPresenceFrame transport.FrameHandler
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Heartbeat: 30 * time.Second,
	}
}

// Manager owns the transport connection. All other components reach the
// connection only through the Registry's subscribe surface and the
// manager's Publish, never by holding the transport directly.
type Manager struct {
	config    ManagerConfig
	transport transport.Transport
	registry  *Registry

	mu       sync.Mutex
	status   Status
	identity *Identity
	hbDone   chan struct{}
}

// NewManager creates a Manager over the given transport. The transport's
// close handler must be wired to HandleTransportClose by the caller.
func NewManager(t transport.Transport, config ManagerConfig) *Manager {
	if config.Heartbeat <= 0 {
		config.Heartbeat = DefaultManagerConfig().Heartbeat
	}
	return &Manager{
		config:    config,
		transport: t,
		registry:  NewRegistry(t),
	}
}

// Registry returns the subscription registry for this connection.
func (m *Manager) Registry() *Registry { return m.registry }

// Status returns the current connection status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Connected reports whether the connection is established.
func (m *Manager) Connected() bool {
	return m.Status().State == StateConnected
}

// CurrentIdentity returns the identity supplied by the last login event.
func (m *Manager) CurrentIdentity() (Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity == nil {
		return Identity{}, false
	}
	return *m.identity, true
}

// HandleAuthEvent applies a login/logout transition: login stores the
// identity and connects, logout disconnects and clears it.
func (m *Manager) HandleAuthEvent(ctx context.Context, ev AuthEvent) {
	if ev.LoggedIn {
		m.mu.Lock()
		user := ev.User
		m.identity = &user
		m.mu.Unlock()
		if err := m.Connect(ctx); err == nil {
			metrics.Reconnects.WithLabelValues("login").Inc()
		}
		return
	}

	m.Disconnect()
	m.mu.Lock()
	m.identity = nil
	m.mu.Unlock()
}

// Connect establishes the connection. It is a no-op when already connected
// or connecting. Without a current identity it logs, records LastError, and
// stays disconnected without returning an error; the auth collaborator
// will deliver an identity eventually and retry via HandleAuthEvent.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.status.State != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	if m.identity == nil {
		m.status.LastError = "no current user identity"
		m.mu.Unlock()
		log.Printf("[conn] connect skipped: no current user identity")
		return nil
	}
	m.status = Status{State: StateConnecting}
	m.mu.Unlock()
	if fn := m.config.OnStateChange; fn != nil {
		fn(Status{State: StateConnecting})
	}

	if err := m.transport.Connect(ctx); err != nil {
		log.Printf("[conn] connect failed: %v", err)
		m.setStatus(Status{State: StateDisconnected, LastError: err.Error()})
		return err
	}

	m.setStatus(Status{State: StateConnected})
	log.Printf("[conn] connected")

	// Presence rides on every connection: attach the aggregator, announce
	// ourselves, and keep announcing on the heartbeat interval.
	if m.config.OnPresenceFrame != nil {
		if err := m.registry.Subscribe(protocol.TopicPresence, m.config.OnPresenceFrame); err != nil {
			log.Printf("[conn] presence subscribe failed: %v", err)
		}
	}
	m.publishPresence(true)
	m.startHeartbeat()
	return nil
}

// Disconnect releases every live topic, emits a best-effort going-offline
// presence frame, and tears down the transport. Safe to call when already
// disconnected.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.status.State == StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.stopHeartbeatLocked()
	m.mu.Unlock()

	m.registry.UnsubscribeAll()
	m.publishPresence(false)

	if err := m.transport.Close(); err != nil {
		log.Printf("[conn] close: %v", err)
	}
	m.setStatus(Status{State: StateDisconnected})
	log.Printf("[conn] disconnected")
}

// HandleTransportClose is the transport's close callback. A nil error means
// the close was locally initiated (Disconnect already ran); a non-nil error
// is a transport failure, which surfaces as LastError with no automatic
// retry.
func (m *Manager) HandleTransportClose(err error) {
	m.mu.Lock()
	m.stopHeartbeatLocked()
	wasDisconnected := m.status.State == StateDisconnected
	m.mu.Unlock()

	m.registry.DropAll()

	if err != nil {
		log.Printf("[conn] connection lost: %v", err)
		m.setStatus(Status{State: StateDisconnected, LastError: err.Error()})
	} else if !wasDisconnected {
		m.setStatus(Status{State: StateDisconnected})
	}
}

// Publish sends payload to an application destination over the live
// connection.
func (m *Manager) Publish(dest string, payload any) error {
	return m.transport.Publish(dest, payload)
}

// publishPresence emits an online/offline frame for the current identity.
// Best effort: failures are logged, never propagated.
func (m *Manager) publishPresence(online bool) {
	id, ok := m.CurrentIdentity()
	if !ok {
		return
	}
	msg := protocol.PresenceMessage{UserID: id.ID, Online: online}
	if err := m.transport.Publish(protocol.DestPresence, msg); err != nil {
		log.Printf("[conn] presence publish (online=%v): %v", online, err)
	}
}

// startHeartbeat begins re-emitting the online presence frame on the
// configured interval until the connection ends.
func (m *Manager) startHeartbeat() {
	m.mu.Lock()
	m.stopHeartbeatLocked()
	done := make(chan struct{})
	m.hbDone = done
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.config.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if !m.transport.Connected() {
					return
				}
				m.publishPresence(true)
			}
		}
	}()
}

func (m *Manager) stopHeartbeatLocked() {
	if m.hbDone != nil {
		close(m.hbDone)
		m.hbDone = nil
	}
}

// setStatus updates the status and invokes the change callback outside the
// lock, so listeners may call back into the manager.
func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
	if fn := m.config.OnStateChange; fn != nil {
		fn(s)
	}
}
