package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"
)

// pipeHarness drives a transport over in-memory pipes, playing the part of
// the tool-server process.
type pipeHarness struct {
	tr *transport

	// requests as the fake server sees them.
	fromTransport *bufio.Scanner
	toTransport   *io.PipeWriter
}

func newPipeHarness(t *testing.T) *pipeHarness {
	t.Helper()

	inR, inW := io.Pipe()   // transport stdin -> server
	outR, outW := io.Pipe() // server -> transport stdout

	tr := newTransport("test", slog.Default(), 8)
	tr.begin(inW, outR, nil)
	t.Cleanup(func() {
		tr.close()
		outW.Close()
	})

	return &pipeHarness{
		tr:            tr,
		fromTransport: bufio.NewScanner(inR),
		toTransport:   outW,
	}
}

func (h *pipeHarness) readRequest(t *testing.T) jsonrpcRequest {
	t.Helper()
	if !h.fromTransport.Scan() {
		t.Fatalf("transport stdin closed: %v", h.fromTransport.Err())
	}
	var req jsonrpcRequest
	if err := json.Unmarshal(h.fromTransport.Bytes(), &req); err != nil {
		t.Fatalf("transport wrote invalid JSON: %v", err)
	}
	return req
}

func (h *pipeHarness) writeLine(t *testing.T, line string) {
	t.Helper()
	if _, err := h.toTransport.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("write to transport: %v", err)
	}
}

func (h *pipeHarness) respond(t *testing.T, id int64, result string) {
	h.writeLine(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%s}`, id, result))
}

func TestCallsCorrelatedOutOfOrder(t *testing.T) {
	h := newPipeHarness(t)
	ctx := context.Background()

	type reply struct {
		result json.RawMessage
		err    error
	}
	first := make(chan reply, 1)
	second := make(chan reply, 1)

	go func() {
		res, err := h.tr.call(ctx, "alpha", nil, time.Second)
		first <- reply{res, err}
	}()
	reqA := h.readRequest(t)

	go func() {
		res, err := h.tr.call(ctx, "beta", nil, time.Second)
		second <- reply{res, err}
	}()
	reqB := h.readRequest(t)

	// Answer in reverse order; responses must still land on the right caller.
	h.respond(t, reqB.ID, `{"for":"beta"}`)
	h.respond(t, reqA.ID, `{"for":"alpha"}`)

	a := <-first
	b := <-second
	if a.err != nil || b.err != nil {
		t.Fatalf("call errors: %v / %v", a.err, b.err)
	}
	if string(a.result) != `{"for":"alpha"}` {
		t.Errorf("first call got %s", a.result)
	}
	if string(b.result) != `{"for":"beta"}` {
		t.Errorf("second call got %s", b.result)
	}
}

func TestCallTimeoutAndLateResponseDropped(t *testing.T) {
	h := newPipeHarness(t)
	ctx := context.Background()

	_, err := h.tr.call(ctx, "slow", nil, 30*time.Millisecond)
	if KindOf(err) != KindCallTimeout {
		t.Fatalf("expected CallTimeout, got %v", err)
	}
	slowReq := h.readRequest(t)

	// The late response for the zombie id must be dropped, not delivered to
	// the next caller.
	done := make(chan struct{})
	go func() {
		defer close(done)
		res, err := h.tr.call(ctx, "fast", nil, time.Second)
		if err != nil {
			t.Errorf("fast call failed: %v", err)
			return
		}
		if string(res) != `{"ok":true}` {
			t.Errorf("fast call got the zombie's response: %s", res)
		}
	}()
	fastReq := h.readRequest(t)

	h.respond(t, slowReq.ID, `{"stale":true}`)
	h.respond(t, fastReq.ID, `{"ok":true}`)
	<-done
}

func TestRemoteErrorPassedThrough(t *testing.T) {
	h := newPipeHarness(t)

	done := make(chan error, 1)
	go func() {
		_, err := h.tr.call(context.Background(), "failing", nil, time.Second)
		done <- err
	}()
	req := h.readRequest(t)
	h.writeLine(t, fmt.Sprintf(
		`{"jsonrpc":"2.0","id":%d,"error":{"code":-32001,"message":"pool not found"}}`, req.ID))

	err := <-done
	ce, ok := AsCallError(err)
	if !ok || ce.Kind != KindRemoteError {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if ce.Code != -32001 || ce.Message != "pool not found" {
		t.Errorf("remote error fields lost: %+v", ce)
	}
}

func TestTripleMalformedLineSignalsFault(t *testing.T) {
	h := newPipeHarness(t)

	h.writeLine(t, "definitely not json")
	h.writeLine(t, "{broken")
	select {
	case <-h.tr.protocolFault():
		t.Fatal("fault fired after only two malformed lines")
	case <-time.After(20 * time.Millisecond):
	}

	h.writeLine(t, "%%%")
	select {
	case <-h.tr.protocolFault():
	case <-time.After(time.Second):
		t.Fatal("fault did not fire after three malformed lines")
	}
}

func TestValidLineResetsMalformedCounter(t *testing.T) {
	h := newPipeHarness(t)

	h.writeLine(t, "garbage one")
	h.writeLine(t, "garbage two")
	h.writeLine(t, `{"jsonrpc":"2.0","method":"log","params":{"msg":"hi"}}`)
	h.writeLine(t, "garbage three")

	select {
	case <-h.tr.protocolFault():
		t.Fatal("counter not reset by valid traffic")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNotificationsDoNotDisturbPendingCalls(t *testing.T) {
	h := newPipeHarness(t)

	done := make(chan error, 1)
	var result json.RawMessage
	go func() {
		res, err := h.tr.call(context.Background(), "lookup", nil, time.Second)
		result = res
		done <- err
	}()
	req := h.readRequest(t)

	h.writeLine(t, `{"jsonrpc":"2.0","method":"log","params":{"level":"info"}}`)
	h.writeLine(t, `{"jsonrpc":"2.0","method":"progress","params":{"pct":50}}`)
	h.respond(t, req.ID, `{"answer":42}`)

	if err := <-done; err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if string(result) != `{"answer":42}` {
		t.Errorf("got %s", result)
	}
}

func TestServerExitFailsPendingCalls(t *testing.T) {
	h := newPipeHarness(t)

	done := make(chan error, 1)
	go func() {
		_, err := h.tr.call(context.Background(), "doomed", nil, 5*time.Second)
		done <- err
	}()
	h.readRequest(t)

	// Closing the server's stdout is EOF for the transport.
	h.toTransport.Close()

	err := <-done
	if KindOf(err) != KindServerCrashed {
		t.Fatalf("expected ServerCrashed, got %v", err)
	}

	// Later calls fail fast the same way.
	_, err = h.tr.call(context.Background(), "after", nil, time.Second)
	if KindOf(err) != KindServerCrashed {
		t.Errorf("post-exit call: expected ServerCrashed, got %v", err)
	}
}

func TestRequestIDsAreMonotonic(t *testing.T) {
	h := newPipeHarness(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 3; i++ {
		done := make(chan struct{})
		go func() {
			_, _ = h.tr.call(ctx, "ping", nil, time.Second)
			close(done)
		}()
		req := h.readRequest(t)
		ids = append(ids, req.ID)
		h.respond(t, req.ID, `{}`)
		<-done
	}

	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("ids not monotonic: %v", ids)
		}
	}
}
