package cdp

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/require"
)

// fakeTarget is a minimal CDP-speaking WebSocket server used to exercise
// Conn against real framing without needing a real Chrome process.
type fakeTarget struct {
	ln    net.Listener
	nc    net.Conn
	ready chan struct{}
}

func startFakeTarget(t *testing.T) (url string, ft *fakeTarget) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ft = &fakeTarget{ln: ln, ready: make(chan struct{})}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		_, err = ws.Upgrade(conn)
		if err != nil {
			conn.Close()
			return
		}
		ft.nc = conn
		close(ft.ready)
	}()

	return "ws://" + ln.Addr().String() + "/devtools/page/fake", ft
}

func (ft *fakeTarget) waitReady(t *testing.T) {
	t.Helper()
	select {
	case <-ft.ready:
	case <-time.After(2 * time.Second):
		t.Fatal("fake target never completed handshake")
	}
}

func (ft *fakeTarget) readRequest(t *testing.T) wireRequest {
	t.Helper()
	data, err := wsutil.ReadClientText(ft.nc)
	require.NoError(t, err)
	var req wireRequest
	require.NoError(t, json.Unmarshal(data, &req))
	return req
}

func (ft *fakeTarget) respond(t *testing.T, id int64, result any) {
	t.Helper()
	payload, err := json.Marshal(struct {
		ID     int64 `json:"id"`
		Result any   `json:"result"`
	}{ID: id, Result: result})
	require.NoError(t, err)
	require.NoError(t, wsutil.WriteServerText(ft.nc, payload))
}

func (ft *fakeTarget) sendEvent(t *testing.T, method string, params any) {
	t.Helper()
	payload, err := json.Marshal(struct {
		Method string `json:"method"`
		Params any    `json:"params"`
	}{Method: method, Params: params})
	require.NoError(t, err)
	require.NoError(t, wsutil.WriteServerText(ft.nc, payload))
}

func (ft *fakeTarget) close() {
	if ft.nc != nil {
		ft.nc.Close()
	}
	ft.ln.Close()
}

func TestCall_RoundTrip(t *testing.T) {
	url, ft := startFakeTarget(t)
	defer ft.close()

	conn, err := Dial(context.Background(), url)
	require.NoError(t, err)
	defer conn.Close()

	ft.waitReady(t)

	done := make(chan json.RawMessage, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := conn.Call(context.Background(), "Page.navigate", map[string]string{"url": "http://x"}, time.Second)
		if err != nil {
			errCh <- err
			return
		}
		done <- res
	}()

	req := ft.readRequest(t)
	require.Equal(t, "Page.navigate", req.Method)
	ft.respond(t, req.ID, map[string]string{"frameId": "abc"})

	select {
	case res := <-done:
		var parsed struct {
			FrameID string `json:"frameId"`
		}
		require.NoError(t, Unmarshal(res, &parsed))
		require.Equal(t, "abc", parsed.FrameID)
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Call result")
	}
}

func TestCall_ProtocolError(t *testing.T) {
	url, ft := startFakeTarget(t)
	defer ft.close()

	conn, err := Dial(context.Background(), url)
	require.NoError(t, err)
	defer conn.Close()

	ft.waitReady(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Call(context.Background(), "Bogus.method", nil, time.Second)
		errCh <- err
	}()

	req := ft.readRequest(t)
	payload, _ := json.Marshal(struct {
		ID    int64      `json:"id"`
		Error *wireError `json:"error"`
	}{ID: req.ID, Error: &wireError{Code: -32601, Message: "method not found"}})
	require.NoError(t, wsutil.WriteServerText(ft.nc, payload))

	select {
	case err := <-errCh:
		var protoErr *ProtocolError
		require.ErrorAs(t, err, &protoErr)
		require.Equal(t, -32601, protoErr.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error")
	}
}

func TestCall_Timeout(t *testing.T) {
	url, ft := startFakeTarget(t)
	defer ft.close()

	conn, err := Dial(context.Background(), url)
	require.NoError(t, err)
	defer conn.Close()

	ft.waitReady(t)

	_, err = conn.Call(context.Background(), "Slow.method", nil, 30*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestWaitEvent_BuffersOutOfOrderEvents(t *testing.T) {
	url, ft := startFakeTarget(t)
	defer ft.close()

	conn, err := Dial(context.Background(), url)
	require.NoError(t, err)
	defer conn.Close()

	ft.waitReady(t)

	// Event arrives before anyone calls WaitEvent for it.
	ft.sendEvent(t, "Page.loadEventFired", map[string]any{})
	time.Sleep(50 * time.Millisecond)

	ev, err := conn.WaitEvent(context.Background(), MethodIs("Page.loadEventFired"), time.Second)
	require.NoError(t, err)
	require.Equal(t, "Page.loadEventFired", ev.Method)
}

func TestWaitEvent_Timeout(t *testing.T) {
	url, ft := startFakeTarget(t)
	defer ft.close()

	conn, err := Dial(context.Background(), url)
	require.NoError(t, err)
	defer conn.Close()

	ft.waitReady(t)

	_, err = conn.WaitEvent(context.Background(), MethodIs("Never.fires"), 30*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestClose_UnblocksPendingCalls(t *testing.T) {
	url, ft := startFakeTarget(t)
	defer ft.close()

	conn, err := Dial(context.Background(), url)
	require.NoError(t, err)
	ft.waitReady(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Call(context.Background(), "Never.responds", nil, 5*time.Second)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, conn.Close())

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrTransportClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not unblock pending Call")
	}
}
