package radio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"airguard/go-detection-server/internal/clock"
)

// CommandTopic returns the topic a scanner listens on for commands aimed at
// address.
func CommandTopic(address string) string {
	return "gatt/" + address + "/commands"
}

// Command is published to the scanner.
type Command struct {
	Command string `json:"command"`
	Address string `json:"address"`
}

// Publisher is satisfied by the embedded MQTT broker.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// ErrBusy is returned when a session for the address is still running.
var ErrBusy = errors.New("session already running")

// ErrNoSession is returned for events or lookups of an unknown address.
var ErrNoSession = errors.New("no session")

// Manager keeps at most one play-sound session per address.
type Manager struct {
	pub     Publisher
	clock   clock.Clock
	timeout time.Duration
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Machine
	wg       sync.WaitGroup
}

func NewManager(pub Publisher, clk clock.Clock, timeout time.Duration, logger *slog.Logger) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		pub:      pub,
		clock:    clk,
		timeout:  timeout,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Machine),
	}
}

// PlaySound starts a session for address: the scanner is asked to connect
// and, once it reports the connection, to play the sound.
func (m *Manager) PlaySound(address string) (Snapshot, error) {
	m.mu.Lock()
	if cur, ok := m.sessions[address]; ok && !cur.Snapshot().State.Terminal() {
		m.mu.Unlock()
		return cur.Snapshot(), ErrBusy
	}

	machine := NewMachine(address, m.clock, func(s State) {
		switch s {
		case StateConnected:
			m.command(address, "play_sound")
		case StateCompleted, StateFailed:
			m.logger.Info("gatt session finished", "address", address, "state", s)
		}
	})
	m.sessions[address] = machine
	m.mu.Unlock()

	runCtx, cancel := context.WithTimeout(m.ctx, m.timeout)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		machine.Run(runCtx)
	}()

	if err := machine.Send(Event{Type: EventConnect}); err != nil {
		return machine.Snapshot(), err
	}
	if err := m.command(address, "connect"); err != nil {
		_ = machine.Send(Event{Type: EventFailed, Error: err.Error()})
		return machine.Snapshot(), err
	}
	return machine.Snapshot(), nil
}

// Dispatch routes a scanner event to the session of address.
func (m *Manager) Dispatch(address string, ev Event) error {
	m.mu.Lock()
	machine, ok := m.sessions[address]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w for %s", ErrNoSession, address)
	}
	return machine.Send(ev)
}

// DispatchJSON decodes an event published on gatt/<address>/events.
func (m *Manager) DispatchJSON(address string, payload []byte) error {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("decode gatt event: %w", err)
	}
	return m.Dispatch(address, ev)
}

// Session returns the latest session state of address.
func (m *Manager) Session(address string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	machine, ok := m.sessions[address]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w for %s", ErrNoSession, address)
	}
	return machine.Snapshot(), nil
}

// Close fails every running session and waits for them to finish.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) command(address, name string) error {
	payload, err := json.Marshal(Command{Command: name, Address: address})
	if err != nil {
		return fmt.Errorf("encode gatt command: %w", err)
	}
	if err := m.pub.Publish(CommandTopic(address), payload); err != nil {
		m.logger.Warn("publish gatt command failed", "address", address, "command", name, "error", err)
		return fmt.Errorf("publish gatt command: %w", err)
	}
	return nil
}
