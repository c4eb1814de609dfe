package ci

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// ErrChannelExists is returned when an agent channel is already attached for
// a worker.
var ErrChannelExists = errors.New("agent channel already attached")

// AgentChannel accepts the stdio streams of a remote build agent. onClose
// runs once when the channel closes from either side.
type AgentChannel interface {
	Attach(worker string, agentOut io.Reader, agentIn io.WriteCloser, onClose func()) (io.Closer, error)
}

// ChannelHub tracks one agent connection per worker. Agent output is copied
// line by line into the logger.
type ChannelHub struct {
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*AgentConn
}

var _ AgentChannel = (*ChannelHub)(nil)

func NewChannelHub(logger *slog.Logger) *ChannelHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChannelHub{logger: logger, conns: map[string]*AgentConn{}}
}

// AgentConn is an attached agent. Writes go to the agent's stdin.
type AgentConn struct {
	worker  string
	in      io.WriteCloser
	onClose func()
	hub     *ChannelHub
	once    sync.Once
	done    chan struct{}
}

func (h *ChannelHub) Attach(worker string, agentOut io.Reader, agentIn io.WriteCloser, onClose func()) (io.Closer, error) {
	h.mu.Lock()
	if _, exists := h.conns[worker]; exists {
		h.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrChannelExists, worker)
	}
	conn := &AgentConn{
		worker:  worker,
		in:      agentIn,
		onClose: onClose,
		hub:     h,
		done:    make(chan struct{}),
	}
	h.conns[worker] = conn
	h.mu.Unlock()

	go conn.pump(agentOut)
	h.logger.Info("agent channel attached", "worker", worker)
	return conn, nil
}

func (c *AgentConn) pump(agentOut io.Reader) {
	scanner := bufio.NewScanner(agentOut)
	for scanner.Scan() {
		c.hub.logger.Info("agent output", "worker", c.worker, "line", scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		c.hub.logger.Warn("agent stream error", "worker", c.worker, "error", err)
	}
	_ = c.Close()
}

func (c *AgentConn) Write(p []byte) (int, error) {
	select {
	case <-c.done:
		return 0, io.ErrClosedPipe
	default:
	}
	return c.in.Write(p)
}

// Done is closed once the connection has been torn down.
func (c *AgentConn) Done() <-chan struct{} {
	return c.done
}

func (c *AgentConn) Close() error {
	var err error
	c.once.Do(func() {
		c.hub.mu.Lock()
		if c.hub.conns[c.worker] == c {
			delete(c.hub.conns, c.worker)
		}
		c.hub.mu.Unlock()

		err = c.in.Close()
		if c.onClose != nil {
			c.onClose()
		}
		close(c.done)
		c.hub.logger.Info("agent channel closed", "worker", c.worker)
	})
	return err
}

// Get returns the attached connection for worker.
func (h *ChannelHub) Get(worker string) (*AgentConn, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn, ok := h.conns[worker]
	return conn, ok
}

// Close tears down the connection for worker, if any.
func (h *ChannelHub) Close(worker string) error {
	conn, ok := h.Get(worker)
	if !ok {
		return nil
	}
	return conn.Close()
}
