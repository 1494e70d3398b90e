package cdpkit

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"
)

// acceptWebSocketHandshake performs just enough of the server side of RFC
// 6455 to satisfy ws.Dial: read the client's HTTP upgrade request, echo back
// a Sec-WebSocket-Accept computed from its Sec-WebSocket-Key.
func acceptWebSocketHandshake(conn net.Conn) error {
	req, err := http.ReadRequest(bufio.NewReader(conn))
	if err != nil {
		return err
	}
	key := req.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		return fmt.Errorf("process_test: request carried no Sec-WebSocket-Key")
	}
	h := sha1.New()
	h.Write([]byte(key + "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"))
	accept := base64.StdEncoding.EncodeToString(h.Sum(nil))

	_, err = conn.Write([]byte("HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + accept + "\r\n\r\n"))
	return err
}

func TestReadDevToolsURLFindsThePrefixedLine(t *testing.T) {
	r := io.NopCloser(strings.NewReader("some banner\nmore noise\nDevTools listening on ws://127.0.0.1:9222/devtools/browser/abc\ntrailer\n"))
	got, err := readDevToolsURL(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ws://127.0.0.1:9222/devtools/browser/abc" {
		t.Fatalf("got %q", got)
	}
}

func TestReadDevToolsURLErrorsWhenProcessExitsFirst(t *testing.T) {
	r := io.NopCloser(strings.NewReader("boom: could not start\n"))
	_, err := readDevToolsURL(r)
	if err == nil {
		t.Fatal("expected an error when no DevTools line appears before EOF")
	}
	if !strings.Contains(err.Error(), "boom: could not start") {
		t.Fatalf("got error %v, want it to echo the accumulated output", err)
	}
}

func TestHTTPAddrFromWebSocketURL(t *testing.T) {
	cases := []struct{ in, want string }{
		{"ws://127.0.0.1:9222/devtools/browser/abc", "http://127.0.0.1:9222"},
		{"wss://example.com:443/devtools/browser/abc", "https://example.com:443"},
	}
	for _, c := range cases {
		got, err := httpAddrFromWebSocketURL(c.in)
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("httpAddrFromWebSocketURL(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestHTTPAddrFromWebSocketURLRejectsGarbage(t *testing.T) {
	if _, err := httpAddrFromWebSocketURL("://not a url"); err == nil {
		t.Fatal("expected an error for an unparseable url")
	}
}

func TestBrowserProcessAddrDerivesFromWebSocketURL(t *testing.T) {
	p := &BrowserProcess{wsURL: "ws://127.0.0.1:9333/devtools/browser/xyz"}
	if got := p.Addr(); got != "http://127.0.0.1:9333" {
		t.Fatalf("got %q, want http://127.0.0.1:9333", got)
	}
}

func TestBrowserProcessAddrEmptyWhenNotStarted(t *testing.T) {
	p := &BrowserProcess{}
	if got := p.Addr(); got != "" {
		t.Fatalf("got %q, want empty string before Start", got)
	}
}

func TestWaitReadySucceedsOncePingServerIsUp(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if err := acceptWebSocketHandshake(conn); err != nil {
			return
		}
		io.Copy(io.Discard, conn)
	}()

	wsURL := "ws://" + ln.Addr().String() + "/devtools/browser/test"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := waitReady(ctx, wsURL); err != nil {
		t.Fatalf("waitReady returned error against a live ping server: %v", err)
	}
}

func TestWaitReadyGivesUpAfterExhaustingAttempts(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	wsURL := "ws://" + addr + "/devtools/browser/test"

	err = waitReady(context.Background(), wsURL)
	if !errors.Is(err, ErrBrowserLaunchError) {
		t.Fatalf("got err %v, want errors.Is to match ErrBrowserLaunchError", err)
	}
}
