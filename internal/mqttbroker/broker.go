// Package mqttbroker is the embedded MQTT 3.1.1 broker scanners publish
// sightings to. It supports QoS 0 publish and subscribe with + and #
// wildcards, which is all the scanners and alert consumers use.
package mqttbroker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// PublishMessage is a QoS 0 publish received from a client.
type PublishMessage struct {
	ClientID string
	Topic    string
	Payload  []byte
}

// Handler is invoked for each received publish message.
type Handler func(context.Context, PublishMessage)

type session struct {
	conn     net.Conn
	reader   *bufio.Reader
	writeMu  sync.Mutex
	clientID string
	closed   atomic.Bool

	subMu   sync.RWMutex
	filters map[string]struct{}
}

func newSession(conn net.Conn) *session {
	return &session{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		filters: make(map[string]struct{}),
	}
}

func (s *session) matches(topic string) bool {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for f := range s.filters {
		if matchTopic(f, topic) {
			return true
		}
	}
	return false
}

func (s *session) subscribe(filter string) {
	s.subMu.Lock()
	s.filters[filter] = struct{}{}
	s.subMu.Unlock()
}

func (s *session) unsubscribe(filter string) {
	s.subMu.Lock()
	delete(s.filters, filter)
	s.subMu.Unlock()
}

func (s *session) write(packet []byte) error {
	if s.closed.Load() {
		return net.ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := s.conn.Write(packet)
	return err
}

// Broker accepts MQTT clients, hands every publish to the installed Handler
// and forwards it to matching subscribers.
type Broker struct {
	logger       *slog.Logger
	handler      atomic.Value // Handler
	shuttingDown atomic.Bool
	wg           sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener

	sessionsMu sync.RWMutex
	sessions   map[*session]struct{}
}

func New(logger *slog.Logger) *Broker {
	b := &Broker{logger: logger, sessions: make(map[*session]struct{})}
	b.handler.Store(Handler(func(context.Context, PublishMessage) {}))
	return b
}

// Start listens on bind. The returned channel receives a fatal accept error
// and is closed when the accept loop ends.
func (b *Broker) Start(bind string) (<-chan error, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("mqtt listen: %w", err)
	}

	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	errCh := make(chan error, 1)
	b.logger.Info("mqtt broker listening", "addr", ln.Addr().String())

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(errCh)
		for {
			conn, err := ln.Accept()
			if err != nil {
				if b.shuttingDown.Load() {
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					b.logger.Warn("temporary accept error", "error", err)
					time.Sleep(50 * time.Millisecond)
					continue
				}
				errCh <- fmt.Errorf("mqtt accept: %w", err)
				return
			}

			s := newSession(conn)
			b.sessionsMu.Lock()
			b.sessions[s] = struct{}{}
			b.sessionsMu.Unlock()

			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.serve(s)
			}()
		}
	}()

	return errCh, nil
}

// Addr returns the listening address, or nil before Start.
func (b *Broker) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Stop closes the listener and every client connection.
func (b *Broker) Stop() error {
	if !b.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	ln := b.listener
	b.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}

	b.sessionsMu.Lock()
	for s := range b.sessions {
		s.closed.Store(true)
		_ = s.conn.Close()
	}
	b.sessions = make(map[*session]struct{})
	b.sessionsMu.Unlock()

	b.wg.Wait()
	return nil
}

// SetPublishHandler installs the function invoked for each received publish.
func (b *Broker) SetPublishHandler(h Handler) {
	if h == nil {
		h = func(context.Context, PublishMessage) {}
	}
	b.handler.Store(h)
}

// Publish sends a message to every client subscribed to a matching filter.
func (b *Broker) Publish(topic string, payload []byte) error {
	if topic == "" || strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("invalid publish topic %q", topic)
	}
	packet, err := buildPublishPacket(topic, payload)
	if err != nil {
		return err
	}
	b.fanOut(topic, packet, nil)
	return nil
}

func (b *Broker) fanOut(topic string, packet []byte, exclude *session) {
	b.sessionsMu.RLock()
	defer b.sessionsMu.RUnlock()

	for s := range b.sessions {
		if s == exclude || !s.matches(topic) {
			continue
		}
		if err := s.write(packet); err != nil {
			b.logger.Debug("deliver publish failed", "client", s.clientID, "topic", topic, "error", err)
		}
	}
}

func (b *Broker) serve(s *session) {
	defer func() {
		s.closed.Store(true)
		b.sessionsMu.Lock()
		delete(b.sessions, s)
		b.sessionsMu.Unlock()
		_ = s.conn.Close()
	}()

	ctx := context.Background()
	connected := false

	for {
		header, err := s.reader.ReadByte()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				b.logger.Debug("read header error", "client", s.clientID, "error", err)
			}
			return
		}

		remaining, err := readRemainingLength(s.reader)
		if err != nil || remaining > maxPacketSize {
			b.logger.Debug("bad remaining length", "client", s.clientID, "length", remaining, "error", err)
			return
		}

		body := make([]byte, remaining)
		if _, err := io.ReadFull(s.reader, body); err != nil {
			b.logger.Debug("read packet body error", "client", s.clientID, "error", err)
			return
		}

		packetType := header >> 4
		if !connected && packetType != packetConnect {
			b.logger.Debug("packet before connect", "type", packetType)
			return
		}

		switch packetType {
		case packetConnect:
			if connected {
				return
			}
			if err := b.connect(s, body); err != nil {
				b.logger.Debug("connect rejected", "error", err)
				return
			}
			connected = true
		case packetPublish:
			msg, err := parsePublish(header, body)
			if err != nil {
				b.logger.Debug("parse publish error", "client", s.clientID, "error", err)
				return
			}
			msg.ClientID = s.clientID
			if h, ok := b.handler.Load().(Handler); ok {
				b.dispatch(ctx, h, msg)
			}
			if packet, err := buildPublishPacket(msg.Topic, msg.Payload); err == nil {
				b.fanOut(msg.Topic, packet, s)
			}
		case packetSubscribe:
			if err := b.subscribe(s, body); err != nil {
				b.logger.Debug("subscribe error", "client", s.clientID, "error", err)
				return
			}
		case packetUnsubscribe:
			if err := b.unsubscribe(s, body); err != nil {
				b.logger.Debug("unsubscribe error", "client", s.clientID, "error", err)
				return
			}
		case packetPingReq:
			if err := s.write([]byte{0xD0, 0x00}); err != nil {
				return
			}
		case packetDisconnect:
			return
		default:
			b.logger.Debug("unsupported packet", "client", s.clientID, "type", packetType)
			return
		}
	}
}

func (b *Broker) connect(s *session, body []byte) error {
	rd := bytesReader(body)

	proto, err := rd.readString()
	if err != nil {
		return fmt.Errorf("read protocol name: %w", err)
	}
	if proto != "MQTT" {
		return fmt.Errorf("unsupported protocol %q", proto)
	}

	level, err := rd.readByte()
	if err != nil {
		return fmt.Errorf("read protocol level: %w", err)
	}
	if level != 4 {
		// 0x01: unacceptable protocol version
		_ = s.write([]byte{0x20, 0x02, 0x00, 0x01})
		return fmt.Errorf("unsupported protocol level %d", level)
	}

	flags, err := rd.readByte()
	if err != nil {
		return fmt.Errorf("read connect flags: %w", err)
	}
	// only the clean-session bit is supported: no will, no credentials
	if flags&^0x02 != 0 {
		return fmt.Errorf("unsupported connect flags %08b", flags)
	}

	if _, err := rd.readUint16(); err != nil {
		return fmt.Errorf("read keepalive: %w", err)
	}

	clientID, err := rd.readString()
	if err != nil {
		return fmt.Errorf("read client id: %w", err)
	}
	if clientID == "" {
		clientID = "anon-" + uuid.NewString()
	}
	s.clientID = clientID

	if err := s.write([]byte{0x20, 0x02, 0x00, 0x00}); err != nil {
		return fmt.Errorf("write connack: %w", err)
	}
	b.logger.Debug("mqtt client connected", "client", clientID)
	return nil
}

func (b *Broker) subscribe(s *session, body []byte) error {
	rd := bytesReader(body)

	packetID, err := rd.readUint16()
	if err != nil {
		return fmt.Errorf("read packet id: %w", err)
	}

	var codes []byte
	for rd.remaining() > 0 {
		filter, err := rd.readString()
		if err != nil {
			return fmt.Errorf("read topic filter: %w", err)
		}
		if _, err := rd.readByte(); err != nil {
			return fmt.Errorf("read requested qos: %w", err)
		}
		if err := validFilter(filter); err != nil {
			b.logger.Debug("subscription rejected", "client", s.clientID, "error", err)
			codes = append(codes, 0x80)
			continue
		}
		// every grant is QoS 0 regardless of the requested level
		s.subscribe(filter)
		codes = append(codes, 0x00)
	}
	if len(codes) == 0 {
		return fmt.Errorf("subscribe without topic filters")
	}
	return s.write(buildAck(0x90, packetID, codes))
}

func (b *Broker) unsubscribe(s *session, body []byte) error {
	rd := bytesReader(body)

	packetID, err := rd.readUint16()
	if err != nil {
		return fmt.Errorf("read packet id: %w", err)
	}
	for rd.remaining() > 0 {
		filter, err := rd.readString()
		if err != nil {
			return fmt.Errorf("read topic filter: %w", err)
		}
		s.unsubscribe(filter)
	}
	return s.write(buildAck(0xB0, packetID, nil))
}

func (b *Broker) dispatch(ctx context.Context, h Handler, msg PublishMessage) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("publish handler panic", "topic", msg.Topic, "panic", r)
		}
	}()
	h(ctx, msg)
}
