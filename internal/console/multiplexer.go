// Package console implements C8, the console session multiplexer: it dials
// a VM's console unix socket per session_id and ferries bytes in both
// directions between that socket and the control channel. Grounded on the
// teacher's ron package, whose client/server relay treats each connected
// endpoint as an independent reader goroutine feeding a shared dispatch
// point -- the same shape this multiplexer uses per VM console.
package console

import (
	"errors"
	"io"
	"net"
	"sync"

	log "github.com/strato-vm/hyperagent/pkg/minilog"
)

var (
	ErrSocketNotFound   = errors.New("console: socket not found")
	ErrConnectionFailed = errors.New("console: connection failed")
	ErrSessionNotFound  = errors.New("console: session not found")
	ErrWriteFailed      = errors.New("console: write failed")
)

// DataFunc is invoked with every raw chunk of console output read from a VM;
// the caller frames it into a console_data message and sends it outbound.
type DataFunc func(vmID, sessionID string, data []byte)

type session struct {
	id    string
	vmID  string
	conn  net.Conn
	done  chan struct{}
	mu    sync.Mutex
	first bool
}

// Multiplexer owns every live console session for this agent.
type Multiplexer struct {
	mu           sync.Mutex
	byID         map[string]*session
	byVM         map[string]map[string]*session
	onData       DataFunc
	firstLogged  map[string]bool
}

func NewMultiplexer(onData DataFunc) *Multiplexer {
	return &Multiplexer{
		byID:        make(map[string]*session),
		byVM:        make(map[string]map[string]*session),
		onData:      onData,
		firstLogged: make(map[string]bool),
	}
}

// Connect dials socketPath for vmID/sessionID, replacing any stale session
// already registered under sessionID.
func (m *Multiplexer) Connect(vmID, sessionID, socketPath string) error {
	m.Disconnect(sessionID)

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return ErrConnectionFailed
	}

	s := &session{
		id:   sessionID,
		vmID: vmID,
		conn: conn,
		done: make(chan struct{}),
	}

	m.mu.Lock()
	m.byID[sessionID] = s
	if m.byVM[vmID] == nil {
		m.byVM[vmID] = make(map[string]*session)
	}
	m.byVM[vmID][sessionID] = s
	m.mu.Unlock()

	go m.readLoop(s)

	return nil
}

func (m *Multiplexer) readLoop(s *session) {
	defer close(s.done)

	buf := make([]byte, 32*1024)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			m.mu.Lock()
			logged := m.firstLogged[s.id]
			if !logged {
				m.firstLogged[s.id] = true
			}
			m.mu.Unlock()
			if !logged {
				log.Info("console: first data for session %v (vm %v)", s.id, s.vmID)
			}

			if m.onData != nil {
				m.onData(s.vmID, s.id, chunk)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("console: session %v read error: %v", s.id, err)
			}
			m.Disconnect(s.id)
			return
		}
	}
}

// Write sends data (already decoded from a console_data message) into the
// session's socket.
func (m *Multiplexer) Write(sessionID string, data []byte) error {
	m.mu.Lock()
	s, ok := m.byID[sessionID]
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.conn.Write(data); err != nil {
		return ErrWriteFailed
	}
	return nil
}

// Disconnect tears down a session. Idempotent.
func (m *Multiplexer) Disconnect(sessionID string) {
	m.mu.Lock()
	s, ok := m.byID[sessionID]
	if ok {
		delete(m.byID, sessionID)
		if vm, ok2 := m.byVM[s.vmID]; ok2 {
			delete(vm, sessionID)
			if len(vm) == 0 {
				delete(m.byVM, s.vmID)
			}
		}
		delete(m.firstLogged, sessionID)
	}
	m.mu.Unlock()

	if ok {
		s.conn.Close()
	}
}

// DisconnectAllForVM tears down every session attached to vmID, e.g. on VM
// delete.
func (m *Multiplexer) DisconnectAllForVM(vmID string) {
	m.mu.Lock()
	vm, ok := m.byVM[vmID]
	var ids []string
	if ok {
		for id := range vm {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Disconnect(id)
	}
}

func (m *Multiplexer) HasSession(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byID[sessionID]
	return ok
}

func (m *Multiplexer) SessionsForVM(vmID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	vm, ok := m.byVM[vmID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(vm))
	for id := range vm {
		ids = append(ids, id)
	}
	return ids
}
