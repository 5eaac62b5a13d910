// Package session implements the controller state machine and receiver-reader
// task for one streamer-to-receiver connection: it resolves or dials a
// receiver, drives the optional encryption handshake and capability
// exchange, then hands the established connection to a frame pipeline and a
// background reader loop for the steady-state streaming run.
package session

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/inconshreveable/log15"

	"github.com/rebroad/displaycast/internal/audio"
	"github.com/rebroad/displaycast/internal/discovery"
	"github.com/rebroad/displaycast/internal/display"
	"github.com/rebroad/displaycast/internal/pipeline"
	"github.com/rebroad/displaycast/internal/videocodec"
	"github.com/rebroad/displaycast/internal/wire"
)

// State is one node of the session's lifecycle state machine.
type State int

const (
	Idle State = iota
	Resolving
	Connecting
	Hello
	Handshaking
	Auth
	CapExchange
	Streaming
	Teardown
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Resolving:
		return "resolving"
	case Connecting:
		return "connecting"
	case Hello:
		return "hello"
	case Handshaking:
		return "handshaking"
	case Auth:
		return "auth"
	case CapExchange:
		return "cap_exchange"
	case Streaming:
		return "streaming"
	case Teardown:
		return "teardown"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Sentinel errors distinguishing fatal failures from recoverable ones.
var (
	ErrAuth        = errors.New("session: PIN verification failed")
	ErrCapability  = errors.New("session: malformed capability announcement")
	ErrTransport   = errors.New("session: transport error")
	ErrNoPIN       = errors.New("session: PIN required but not provided")
	ErrNotStreaming = errors.New("session: not in the streaming state")
)

// Config controls one session run.
type Config struct {
	// Host names a specific receiver and disables broadcast discovery;
	// Host empty means "discover". Port, when non-zero, is the TCP port to
	// connect to in either case; zero means the receiver-advertised port
	// (discovery) or discovery.DefaultPort (explicit Host).
	Host string
	Port uint16

	BroadcastTimeout time.Duration
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	HelloTimeout     time.Duration

	// ForceEncrypt overrides the USB-tethering auto-detection: true
	// forces encryption, false forces plaintext, nil defers to the
	// USB-interface heuristic.
	ForceEncrypt *bool

	// PIN is the operator-supplied PIN (0..9999), or nil to prompt.
	PIN *uint16

	// USBInterfaceIP is the local address of a USB-tethering interface,
	// if any; a resolved endpoint matching it selects plaintext+no-PIN.
	USBInterfaceIP net.IP

	Pipeline pipeline.Config

	// Discovery, PIN prompting, and candidate selection are injectable
	// seams for tests; a nil value uses the package defaults below.
	Discover    func(discovery.Config, discovery.Selector) (net.IP, uint16, error)
	ChooseCandidate discovery.Selector
	PromptPIN   func() (uint16, error)
}

func (c Config) connectTimeout() time.Duration {
	if c.ConnectTimeout <= 0 {
		return 5 * time.Second
	}
	return c.ConnectTimeout
}

func (c Config) handshakeTimeout() time.Duration {
	if c.HandshakeTimeout <= 0 {
		return 5 * time.Second
	}
	return c.HandshakeTimeout
}

func (c Config) helloTimeout() time.Duration {
	if c.HelloTimeout <= 0 {
		return 2 * time.Second
	}
	return c.HelloTimeout
}

// Session owns one streamer-to-receiver connection: resolution, transport,
// optional encryption, capability exchange, and the steady-state frame
// pipeline plus reader task.
type Session struct {
	id  uuid.UUID
	log log15.Logger
	cfg Config

	host         display.Host
	audioSrc     audio.Source
	codecFactory videocodec.Factory

	stateMu sync.Mutex
	state   State

	running atomic.Bool

	conn   net.Conn
	framer *wire.Framer

	// mu guards paused, the output handle, refresh rate, and (by
	// extension) ordered access to the outbound stream via the Send*
	// methods below.
	mu            sync.Mutex
	paused        bool
	outputID      uint32
	refreshRateHz uint32

	pipe       *pipeline.Pipeline
	readerDone chan struct{}
	readerErr  error
}

// New creates a session against the given display host and audio source.
// codecFactory may be nil (no H264 support; the pipeline falls back to an
// uncompressed encoding).
func New(host display.Host, audioSrc audio.Source, codecFactory videocodec.Factory, cfg Config) *Session {
	id := uuid.New()
	return &Session{
		id:           id,
		log:          log15.New("component", "session", "session_id", id.String()),
		cfg:          cfg,
		host:         host,
		audioSrc:     audioSrc,
		codecFactory: codecFactory,
		readerDone:   make(chan struct{}),
	}
}

// State returns the session's current state.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
	s.log.Debug("state transition", "state", st.String())
}

// Stop requests a graceful shutdown; it is lock-free and safe to call from
// any goroutine, including from a signal handler.
func (s *Session) Stop() {
	s.running.Store(false)
}

// Paused reports whether the receiver has asked the pipeline to stop
// sending frames, via a PAUSE/RESUME control message.
func (s *Session) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Session) setPaused(p bool) {
	s.mu.Lock()
	s.paused = p
	s.mu.Unlock()
	s.log.Info("pause state changed", "paused", p)
}

// Report returns a deep, developer-facing dump of session state for
// diagnostics.
func (s *Session) Report() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return spewReport(s)
}

// Run drives the full state machine to completion: it blocks until the
// session reaches Idle (clean stop) or Failed (fatal error), returning the
// terminal error if any.
func (s *Session) Run() error {
	s.setState(Resolving)
	addr, port, err := s.resolve()
	if err != nil {
		s.setState(Failed)
		return fmt.Errorf("session: resolve: %w", err)
	}

	s.setState(Connecting)
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(addr.String(), fmt.Sprint(port)), s.cfg.connectTimeout())
	if err != nil {
		s.setState(Failed)
		return fmt.Errorf("session: connect: %w: %w", ErrTransport, err)
	}
	s.conn = conn

	if err := s.negotiate(addr); err != nil {
		s.setState(Failed)
		conn.Close()
		return err
	}

	s.setState(CapExchange)
	modes, name, err := s.exchangeCapabilities()
	if err != nil {
		s.setState(Failed)
		conn.Close()
		return err
	}

	out, err := s.host.CreateOutput(display.Mode{
		Width: modes[0].Width, Height: modes[0].Height, RefreshCentihz: modes[0].RefreshCentihz,
	})
	if err != nil {
		s.setState(Failed)
		conn.Close()
		return fmt.Errorf("session: create virtual output %q: %w", name, err)
	}
	s.mu.Lock()
	s.outputID = out.ID
	s.refreshRateHz = out.RefreshHz
	s.mu.Unlock()

	s.pipe = pipeline.New(s.host, s.audioSrc, s, out.ID, s.cfg.Pipeline)
	if s.codecFactory != nil {
		s.pipe.SetCodec(videocodec.NewAdapter(s.codecFactory, int(out.RefreshHz)))
	}
	s.pipe.SetPauseCheck(s.Paused)

	s.setState(Streaming)
	s.running.Store(true)
	go s.readLoop()

	runErr := s.runControlLoop()

	s.setState(Teardown)
	s.running.Store(false)
	conn.Close() // unblocks readLoop's Recv(), which is parked in a blocking read
	<-s.readerDone
	s.host.DestroyOutput(out.ID)
	s.setState(Idle)

	if runErr != nil {
		return runErr
	}
	return s.readerErr
}

// runControlLoop is the control thread: it ticks the pipeline at the poll
// cadence until Stop is called or a tick reports a fatal error.
func (s *Session) runControlLoop() error {
	const pollInterval = 100 * time.Millisecond
	for s.running.Load() {
		if err := s.pipe.Tick(); err != nil {
			s.log.Error("pipeline tick failed", "err", err)
			return fmt.Errorf("session: pipeline: %w", err)
		}
		time.Sleep(pollInterval)
	}
	return nil
}

// resolve implements discovery when no explicit host was configured.
func (s *Session) resolve() (net.IP, uint16, error) {
	if s.cfg.Host != "" {
		ips, err := net.LookupIP(s.cfg.Host)
		if err != nil || len(ips) == 0 {
			return nil, 0, fmt.Errorf("session: resolve host %q: %w", s.cfg.Host, err)
		}
		port := s.cfg.Port
		if port == 0 {
			port = discovery.DefaultPort
		}
		return ips[0], port, nil
	}

	discoverFn := s.cfg.Discover
	if discoverFn == nil {
		discoverFn = discovery.Discover
	}
	ip, port, err := discoverFn(discovery.Config{Timeout: s.cfg.BroadcastTimeout}, s.cfg.ChooseCandidate)
	if err == nil && s.cfg.Port != 0 {
		port = s.cfg.Port
	}
	return ip, port, err
}

// SendConfig, SendFrame, and SendAudio implement pipeline.Sender, each
// performing its writes atomically under mu so the reader goroutine's
// PONG replies cannot interleave mid-message. The frame/audio body is
// written directly to the framer's raw stream, bypassing per-message
// framing; on an encrypted connection that stream chunks bodies larger
// than one AEAD record transparently, so the size of the body has no
// bearing on whether the send succeeds.
func (s *Session) SendConfig(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.framer.Send(wire.Config, payload)
}

func (s *Session) SendFrame(header wire.FrameHeader, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.framer.Send(wire.Frame, wire.EncodeFrameHeader(header)); err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	_, err := s.framer.RawWriter().Write(body)
	return err
}

func (s *Session) SendAudio(header wire.AudioHeader, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.framer.Send(wire.Audio, wire.EncodeAudioHeader(header)); err != nil {
		return err
	}
	if len(pcm) == 0 {
		return nil
	}
	_, err := s.framer.RawWriter().Write(pcm)
	return err
}

func (s *Session) sendPong() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.framer.Send(wire.Pong, nil)
}
