package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dchu3/base-mcp-bot/internal/metrics"
)

const (
	// zombieGrace is how long a timed-out request id is remembered so a late
	// response is dropped instead of misdelivered.
	zombieGrace = 30 * time.Second

	// maxConsecutiveMalformed is the protocol-error budget before the server
	// is restarted.
	maxConsecutiveMalformed = 3

	// maxLineBytes bounds a single JSON line from the server.
	maxLineBytes = 1024 * 1024
)

// transport owns the stdio dialogue with one tool-server process: a single
// writer goroutine draining a FIFO queue onto stdin, a single reader goroutine
// routing responses by id, and a stderr forwarder.
type transport struct {
	server string
	logger *slog.Logger

	proc  *exec.Cmd
	stdin io.WriteCloser

	nextID   atomic.Int64
	writeQ   chan []byte
	inflight chan struct{}

	pendingMu sync.Mutex
	pending   map[int64]chan *jsonrpcMessage
	zombies   map[int64]time.Time

	stop    chan struct{} // closed by close()
	exited  chan struct{} // closed when stdout reaches EOF
	faulted chan struct{} // signalled on triple protocol fault
	wg      sync.WaitGroup

	closeOnce sync.Once
}

func newTransport(server string, logger *slog.Logger, maxInflight int) *transport {
	return &transport{
		server:   server,
		logger:   logger.With("server", server),
		writeQ:   make(chan []byte, 64),
		inflight: make(chan struct{}, maxInflight),
		pending:  make(map[int64]chan *jsonrpcMessage),
		zombies:  make(map[int64]time.Time),
		stop:     make(chan struct{}),
		exited:   make(chan struct{}),
		faulted:  make(chan struct{}, 1),
	}
}

// start spawns the process via `sh -c` with stdin/stdout piped and stderr
// captured, then starts the I/O goroutines. Environment is inherited; working
// directory is the host's current directory.
func (t *transport) start(command string) error {
	t.proc = exec.Command("/bin/sh", "-c", command)
	t.proc.Env = os.Environ()

	stdin, err := t.proc.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := t.proc.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := t.proc.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := t.proc.Start(); err != nil {
		return fmt.Errorf("start process: %w", err)
	}

	t.logger.Info("started tool server", "command", command, "pid", t.proc.Process.Pid)
	t.begin(stdin, stdout, stderr)

	// Reap the process once stdout closes.
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		<-t.exited
		_ = t.proc.Wait()
	}()

	return nil
}

// begin wires the I/O goroutines onto the given streams. Split from start so
// tests can drive the transport over in-memory pipes.
func (t *transport) begin(stdin io.WriteCloser, stdout, stderr io.Reader) {
	t.stdin = stdin

	t.wg.Add(2)
	go t.readLoop(stdout)
	go t.writeLoop()

	if stderr != nil {
		t.wg.Add(1)
		go t.forwardStderr(stderr)
	}
}

// call issues one request and suspends the caller until the response arrives,
// the deadline elapses, or the server exits.
func (t *transport) call(ctx context.Context, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	select {
	case t.inflight <- struct{}{}:
		defer func() { <-t.inflight }()
	case <-t.exited:
		return nil, newCallError(KindServerCrashed, t.server, "", "server exited")
	case <-t.stop:
		return nil, newCallError(KindServerCrashed, t.server, "", "transport closed")
	case <-ctx.Done():
		return nil, newCallError(KindCallTimeout, t.server, "", ctx.Err().Error())
	}

	id := t.nextID.Add(1)
	if params == nil {
		params = json.RawMessage("{}")
	}
	data, err := json.Marshal(jsonrpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, newCallError(KindProtocolError, t.server, "", fmt.Sprintf("encode request: %v", err))
	}

	respCh := make(chan *jsonrpcMessage, 1)
	t.pendingMu.Lock()
	t.pending[id] = respCh
	t.pendingMu.Unlock()

	select {
	case t.writeQ <- data:
	case <-t.exited:
		t.forget(id)
		return nil, newCallError(KindServerCrashed, t.server, "", "server exited")
	case <-t.stop:
		t.forget(id)
		return nil, newCallError(KindServerCrashed, t.server, "", "transport closed")
	case <-ctx.Done():
		t.forget(id)
		return nil, newCallError(KindCallTimeout, t.server, "", ctx.Err().Error())
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, &CallError{
				Kind:    KindRemoteError,
				Server:  t.server,
				Code:    resp.Error.Code,
				Message: resp.Error.Message,
				Cause:   resp.Error,
			}
		}
		return resp.Result, nil
	case <-timer.C:
		t.markZombie(id)
		return nil, newCallError(KindCallTimeout, t.server, "", fmt.Sprintf("no response within %s", timeout))
	case <-ctx.Done():
		t.markZombie(id)
		return nil, newCallError(KindCallTimeout, t.server, "", ctx.Err().Error())
	case <-t.exited:
		t.forget(id)
		return nil, newCallError(KindServerCrashed, t.server, "", "server exited while call was pending")
	case <-t.stop:
		t.forget(id)
		return nil, newCallError(KindServerCrashed, t.server, "", "transport closed")
	}
}

func (t *transport) forget(id int64) {
	t.pendingMu.Lock()
	delete(t.pending, id)
	t.pendingMu.Unlock()
}

// markZombie releases the pending slot but remembers the id for a grace
// period so a late response is dropped, not misdelivered.
func (t *transport) markZombie(id int64) {
	now := time.Now()
	t.pendingMu.Lock()
	delete(t.pending, id)
	t.zombies[id] = now
	for zid, seen := range t.zombies {
		if now.Sub(seen) > zombieGrace {
			delete(t.zombies, zid)
		}
	}
	t.pendingMu.Unlock()
}

func (t *transport) writeLoop() {
	defer t.wg.Done()

	for {
		select {
		case data := <-t.writeQ:
			if _, err := t.stdin.Write(append(data, '\n')); err != nil {
				t.logger.Warn("stdin write failed", "error", err)
			}
		case <-t.stop:
			return
		case <-t.exited:
			return
		}
	}
}

func (t *transport) readLoop(stdout io.Reader) {
	defer t.wg.Done()
	defer close(t.exited)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	malformed := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg jsonrpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			malformed++
			metrics.ProtocolErrors.WithLabelValues(t.server).Inc()
			t.logger.Warn("malformed line from server", "error", err, "consecutive", malformed)
			if malformed >= maxConsecutiveMalformed {
				select {
				case t.faulted <- struct{}{}:
				default:
				}
			}
			continue
		}
		malformed = 0

		if msg.ID == nil {
			t.handleNotification(&msg)
			continue
		}
		t.route(&msg)
	}

	if err := scanner.Err(); err != nil {
		t.logger.Warn("stdout read error", "error", err)
	}
}

func (t *transport) route(msg *jsonrpcMessage) {
	id := *msg.ID

	t.pendingMu.Lock()
	ch, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	_, wasZombie := t.zombies[id]
	if wasZombie {
		delete(t.zombies, id)
	}
	t.pendingMu.Unlock()

	switch {
	case ok:
		ch <- msg
	case wasZombie:
		t.logger.Debug("dropped late response", "id", id)
	default:
		t.logger.Warn("response for unknown id dropped", "id", id)
	}
}

// handleNotification forwards the reserved log method to the logging sink and
// discards everything else.
func (t *transport) handleNotification(msg *jsonrpcMessage) {
	if msg.Method == "log" {
		t.logger.Info("server log", "params", string(msg.Params))
		return
	}
	t.logger.Debug("notification dropped", "method", msg.Method)
}

// forwardStderr relays stderr line-by-line to the logging sink. It is never
// parsed as protocol traffic.
func (t *transport) forwardStderr(stderr io.Reader) {
	defer t.wg.Done()

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			t.logger.Warn("server stderr", "message", line)
		}
	}
}

// signal delivers sig to the process group, if the process is still running.
func (t *transport) signal(sig syscall.Signal) {
	if t.proc != nil && t.proc.Process != nil {
		_ = t.proc.Process.Signal(sig)
	}
}

// close tears the transport down without waiting for a clean server exit.
func (t *transport) close() {
	t.closeOnce.Do(func() {
		close(t.stop)
		if t.stdin != nil {
			_ = t.stdin.Close()
		}
	})
}

// done reports whether the server's stdout has reached EOF.
func (t *transport) done() <-chan struct{} {
	return t.exited
}

// protocolFault fires after three consecutive malformed lines.
func (t *transport) protocolFault() <-chan struct{} {
	return t.faulted
}
