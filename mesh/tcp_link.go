package mesh

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	dialTimeout      = 10 * time.Second
	helloReadTimeout = 10 * time.Second
	maxPeerIDLength  = 128
)

// AddressResolver maps a peer identifier to a dialable address.
// Discovery provides one; see discovery.Service.
type AddressResolver func(peerID string) (string, error)

// TCPLink is a framed-TCP implementation of Link used on LAN segments
// where the radio stack is unavailable. Each session starts with a
// hello frame carrying the sender's peer identifier.
type TCPLink struct {
	log     *zap.Logger
	localID string
	resolve AddressResolver

	listener net.Listener
	frames   chan InboundFrame

	mu    sync.Mutex
	conns map[string]net.Conn

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ListenTCP starts a link listener on address (":0" picks a port).
func ListenTCP(log *zap.Logger, localID, address string, resolve AddressResolver) (*TCPLink, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if localID == "" {
		return nil, errors.New("mesh: local peer ID is required")
	}
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	link := &TCPLink{
		log:      log,
		localID:  localID,
		resolve:  resolve,
		listener: listener,
		frames:   make(chan InboundFrame, 128),
		conns:    make(map[string]net.Conn),
		closed:   make(chan struct{}),
	}

	link.wg.Add(1)
	go link.acceptLoop()
	return link, nil
}

// Addr returns the listening address.
func (l *TCPLink) Addr() net.Addr {
	return l.listener.Addr()
}

// ConnectedPeers implements Link.
func (l *TCPLink) ConnectedPeers() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	peers := make([]string, 0, len(l.conns))
	for peerID := range l.conns {
		peers = append(peers, peerID)
	}
	return peers
}

// IsConnected implements Link.
func (l *TCPLink) IsConnected(peerID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.conns[peerID]
	return ok
}

// Frames implements Link.
func (l *TCPLink) Frames() <-chan InboundFrame {
	return l.frames
}

// Send implements Link: writes one frame to the peer, dialing on
// demand through the address resolver.
func (l *TCPLink) Send(peerID string, frame Frame) error {
	conn, err := l.connectionFor(peerID)
	if err != nil {
		return err
	}

	raw, err := EncodeFrame(frame)
	if err != nil {
		return err
	}

	if _, err := conn.Write(raw); err != nil {
		l.dropConnection(peerID, conn)
		return fmt.Errorf("write frame to %q: %w", peerID, err)
	}
	return nil
}

// Connect dials a peer address eagerly and registers the session.
func (l *TCPLink) Connect(peerID, address string) error {
	_, err := l.dialAndRegister(peerID, address)
	return err
}

// Close stops the listener and every session. Idempotent.
func (l *TCPLink) Close() error {
	var closeErr error
	l.closeOnce.Do(func() {
		close(l.closed)
		closeErr = l.listener.Close()

		l.mu.Lock()
		for _, conn := range l.conns {
			_ = conn.Close()
		}
		l.conns = make(map[string]net.Conn)
		l.mu.Unlock()

		l.wg.Wait()
		close(l.frames)
	})
	return closeErr
}

func (l *TCPLink) acceptLoop() {
	defer l.wg.Done()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.closed:
				return
			default:
			}
			l.log.Warn("accept failed", zap.Error(err))
			continue
		}

		l.wg.Add(1)
		go l.handleInbound(conn)
	}
}

func (l *TCPLink) handleInbound(conn net.Conn) {
	defer l.wg.Done()

	peerID, err := l.exchangeHello(conn, false)
	if err != nil {
		l.log.Debug("inbound hello failed", zap.Error(err))
		_ = conn.Close()
		return
	}

	l.register(peerID, conn)
	l.readLoop(peerID, conn)
}

func (l *TCPLink) connectionFor(peerID string) (net.Conn, error) {
	l.mu.Lock()
	conn, ok := l.conns[peerID]
	l.mu.Unlock()
	if ok {
		return conn, nil
	}

	if l.resolve == nil {
		return nil, fmt.Errorf("no session with %q and no resolver", peerID)
	}
	address, err := l.resolve(peerID)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", peerID, err)
	}
	return l.dialAndRegister(peerID, address)
}

func (l *TCPLink) dialAndRegister(peerID, address string) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", address, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	remoteID, err := l.exchangeHello(conn, true)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if peerID != "" && remoteID != peerID {
		_ = conn.Close()
		return nil, fmt.Errorf("peer at %q identified as %q, expected %q", address, remoteID, peerID)
	}

	l.register(remoteID, conn)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.readLoop(remoteID, conn)
	}()

	return conn, nil
}

// exchangeHello sends the local hello and reads the remote one. The
// dialer sends first so the acceptor can attribute the session.
func (l *TCPLink) exchangeHello(conn net.Conn, dialer bool) (string, error) {
	hello, err := EncodeFrame(Frame{Type: TypeHello, HopLimit: 0, Payload: []byte(l.localID)})
	if err != nil {
		return "", err
	}

	if dialer {
		if _, err := conn.Write(hello); err != nil {
			return "", fmt.Errorf("write hello: %w", err)
		}
	}

	frame, err := readFrame(conn, helloReadTimeout)
	if err != nil {
		return "", fmt.Errorf("read hello: %w", err)
	}
	if frame.Type != TypeHello || len(frame.Payload) == 0 || len(frame.Payload) > maxPeerIDLength {
		return "", errors.New("mesh: invalid hello frame")
	}

	if !dialer {
		if _, err := conn.Write(hello); err != nil {
			return "", fmt.Errorf("write hello: %w", err)
		}
	}

	return string(frame.Payload), nil
}

func (l *TCPLink) register(peerID string, conn net.Conn) {
	l.mu.Lock()
	if existing, ok := l.conns[peerID]; ok && existing != conn {
		_ = existing.Close()
	}
	l.conns[peerID] = conn
	l.mu.Unlock()
}

func (l *TCPLink) dropConnection(peerID string, conn net.Conn) {
	l.mu.Lock()
	if current, ok := l.conns[peerID]; ok && current == conn {
		delete(l.conns, peerID)
	}
	l.mu.Unlock()
	_ = conn.Close()
}

func (l *TCPLink) readLoop(peerID string, conn net.Conn) {
	defer l.dropConnection(peerID, conn)

	for {
		frame, err := readFrame(conn, 0)
		if err != nil {
			select {
			case <-l.closed:
			default:
				if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
					l.log.Debug("read frame failed",
						zap.String("peer", peerID),
						zap.Error(err))
				}
			}
			return
		}

		select {
		case l.frames <- InboundFrame{From: peerID, Frame: frame}:
		case <-l.closed:
			return
		}
	}
}

func readFrame(conn net.Conn, timeout time.Duration) (Frame, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return Frame{}, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}

	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(conn, header); err != nil {
		return Frame{}, err
	}

	length := binary.BigEndian.Uint32(header[2:6])
	if length > MaxFramePayload {
		return Frame{}, ErrFrameTooLarge
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(conn, payload); err != nil {
			return Frame{}, err
		}
	}

	return Frame{Type: header[0], HopLimit: header[1], Payload: payload}, nil
}
