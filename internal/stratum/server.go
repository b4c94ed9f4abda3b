// Package stratum also implements the StratumServer's TCP endpoint: one
// reader goroutine and one writer goroutine per connection, generalized
// from a fixed accept-everything miner to authorized sessions backed by
// DifficultyController, HashrateEstimator, and ShareValidator.
package stratum

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/velora-pool/coordinator/internal/job"
)

// sendQueueSize bounds the per-connection outbound buffer; once a slow
// miner's buffer is full, further messages to it are dropped rather than
// blocking the broadcast path. The connection itself stays open.
const sendQueueSize = 256

// writeTimeout bounds a single write to a miner socket.
const writeTimeout = 30 * time.Second

// Authorizer validates a worker login and assigns it a canonical miner id,
// parsed from the wire's "address[.worker]" login string.
type Authorizer interface {
	Authorize(ctx context.Context, login, pass string) (minerID string, ok bool)
}

// Difficulty is the subset of DifficultyController the server drives.
type Difficulty interface {
	Register(clientID string) uint64
	Remove(clientID string)
	Difficulty(clientID string) uint64
	SetSuggested(clientID string, d uint64)
}

// Hashrate is the subset of HashrateEstimator the server drives on
// disconnect.
type Hashrate interface {
	Remove(clientID string)
}

// Jobs is the subset of JobManager the server drives: reading back the
// current job for login's inline payload and mining.get_transactions.
type Jobs interface {
	GetCurrentJob() *job.Job
}

// ShareSubmitter is the subset of ShareValidator the server drives.
type ShareSubmitter interface {
	Validate(ctx context.Context, sub ShareSubmission, now time.Time) ShareOutcome
}

// ShareSubmission and ShareOutcome mirror internal/share's Submission and
// Outcome shapes; kept as local types so this package does not import
// internal/share directly (it is wired in by the caller via an adapter),
// keeping the wire-framing package free of business-logic imports.
type ShareSubmission struct {
	ClientID   string
	JobID      string
	Nonce      string
	Hash       string
	NTime      uint32
	Difficulty uint64
}

type ShareOutcome struct {
	Valid   bool
	IsBlock bool
	Reason  string
}

// Config configures the Server.
type Config struct {
	Address         string
	IdleTimeout     time.Duration
	MaxConnections  int
	Extranonce2Size int
}

// ClientConnection is one connected miner session.
type ClientConnection struct {
	ID          string
	MinerID     string
	WorkerName  string
	Subscribed  bool
	Authorized  bool
	Extranonce1 string

	conn     net.Conn
	sendChan chan []byte
	ctx      context.Context
	cancel   context.CancelFunc

	mu           sync.Mutex
	lastActivity time.Time
}

// Server is the StratumServer: the TCP endpoint miners connect to.
type Server struct {
	cfg Config
	log *zap.Logger

	authorizer Authorizer
	difficulty Difficulty
	hashrate   Hashrate
	shares     ShareSubmitter
	jobs       Jobs

	listenerMu sync.RWMutex
	listener   net.Listener

	connMu      sync.RWMutex
	connections map[string]*ClientConnection
	byMiner     map[string]map[string]*ClientConnection

	connectionCount int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer constructs a Server. Call Start to begin accepting connections.
func NewServer(cfg Config, authorizer Authorizer, difficulty Difficulty, hashrate Hashrate, shares ShareSubmitter, jobs Jobs, log *zap.Logger) *Server {
	if cfg.Extranonce2Size <= 0 {
		cfg.Extranonce2Size = 4
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:         cfg,
		log:         log,
		authorizer:  authorizer,
		difficulty:  difficulty,
		hashrate:    hashrate,
		shares:      shares,
		jobs:        jobs,
		connections: make(map[string]*ClientConnection),
		byMiner:     make(map[string]map[string]*ClientConnection),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start listens and accepts connections until Stop is called or the
// listener errors.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("starting stratum listener: %w", err)
	}

	s.listenerMu.Lock()
	s.listener = listener
	s.listenerMu.Unlock()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			continue
		}

		if s.cfg.MaxConnections > 0 && s.ConnectionCount() >= s.cfg.MaxConnections {
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// Stop cancels every in-flight connection and blocks until they exit.
func (s *Server) Stop() {
	s.cancel()

	s.listenerMu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	s.listenerMu.Unlock()

	s.connMu.Lock()
	for _, c := range s.connections {
		c.cancel()
		c.conn.Close()
	}
	s.connMu.Unlock()

	s.wg.Wait()
}

// ConnectionCount returns the number of currently connected clients.
func (s *Server) ConnectionCount() int {
	return int(atomic.LoadInt64(&s.connectionCount))
}

// ConnectedMinerIDs returns the distinct miner IDs with at least one
// authorized connection, used by the dashboard API to aggregate hashrate.
func (s *Server) ConnectedMinerIDs() []string {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	ids := make([]string, 0, len(s.byMiner))
	for id := range s.byMiner {
		ids = append(ids, id)
	}
	return ids
}

// Address returns the server's actual listening address, useful when
// Config.Address uses port 0.
func (s *Server) Address() string {
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Address
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	clientCtx, clientCancel := context.WithCancel(s.ctx)
	client := &ClientConnection{
		ID:           uuid.New().String(),
		Extranonce1:  generateExtranonce1(),
		conn:         conn,
		sendChan:     make(chan []byte, sendQueueSize),
		ctx:          clientCtx,
		cancel:       clientCancel,
		lastActivity: time.Now(),
	}

	s.connMu.Lock()
	s.connections[client.ID] = client
	s.connMu.Unlock()
	atomic.AddInt64(&s.connectionCount, 1)

	defer s.cleanupConnection(client)

	s.wg.Add(1)
	go s.writeLoop(client)

	scanner := bufio.NewScanner(conn)
	for {
		select {
		case <-clientCtx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		client.touch()
		s.dispatch(client, []byte(line))
	}
}

func (s *Server) writeLoop(client *ClientConnection) {
	defer s.wg.Done()
	for {
		select {
		case <-client.ctx.Done():
			return
		case msg := <-client.sendChan:
			client.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := client.conn.Write(append(msg, '\n')); err != nil {
				return
			}
		}
	}
}

func (c *ClientConnection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *ClientConnection) send(data []byte) {
	select {
	case c.sendChan <- data:
	default:
		// backpressure: the client isn't draining fast enough, drop rather
		// than block the caller.
	}
}

func (s *Server) cleanupConnection(client *ClientConnection) {
	client.cancel()

	s.connMu.Lock()
	delete(s.connections, client.ID)
	if client.MinerID != "" {
		if set, ok := s.byMiner[client.MinerID]; ok {
			delete(set, client.ID)
			if len(set) == 0 {
				delete(s.byMiner, client.MinerID)
			}
		}
	}
	s.connMu.Unlock()

	atomic.AddInt64(&s.connectionCount, -1)
	if client.MinerID != "" {
		s.difficulty.Remove(client.MinerID)
		s.hashrate.Remove(client.MinerID)
	}

	// Drain then close, not close outright: the write loop may still be
	// mid-select on sendChan when cancel() fires, which would otherwise
	// risk a send-after-close panic.
	go func() {
		time.Sleep(10 * time.Millisecond)
		for {
			select {
			case <-client.sendChan:
			default:
				close(client.sendChan)
				return
			}
		}
	}()
}

// BroadcastJob implements job.Broadcaster: it fans a new job out to every
// subscribed, authorized connection.
func (s *Server) BroadcastJob(j *job.Job) {
	notif := jobNotification(j)

	s.connMu.RLock()
	defer s.connMu.RUnlock()
	for _, c := range s.connections {
		if c.Subscribed && c.Authorized {
			c.send(notif)
		}
	}
}

// SetDifficulty implements difficulty.Notifier: it pushes a
// mining.set_difficulty notification to every connection for a miner (a
// miner may have several connections sharing one DifficultyController
// entry keyed by minerID).
func (s *Server) SetDifficulty(clientID string, difficulty uint64) {
	notif := difficultyNotification(difficulty)

	s.connMu.RLock()
	set := s.byMiner[clientID]
	conns := make([]*ClientConnection, 0, len(set))
	for _, c := range set {
		conns = append(conns, c)
	}
	s.connMu.RUnlock()

	for _, c := range conns {
		c.send(notif)
	}
}

func generateExtranonce1() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}
