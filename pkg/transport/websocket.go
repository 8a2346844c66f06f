// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// WebSocket carries the bootloader byte stream over binary WebSocket
// messages to a network serial bridge. Reset lines are not available.
type WebSocket struct {
	conn *websocket.Conn
	url  string

	messages chan []byte
	done     chan struct{}
	readErr  error
	errMu    sync.Mutex

	buf       []byte
	bufOffset int

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// OpenWebSocket dials a ws:// or wss:// bridge with optional HTTP Basic auth.
func OpenWebSocket(wsURL, username, password string, skipSSLVerify bool) (*WebSocket, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, errors.Wrapf(ErrUnavailable, "invalid URL: %v", err)
	}

	switch u.Scheme {
	case "ws", "wss":
		// OK
	default:
		return nil, errors.Wrapf(ErrUnavailable, "unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: skipSSLVerify,
		}
	}

	headers := http.Header{}
	if username != "" && password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(ErrUnavailable, "WebSocket connection failed (HTTP %d): %v", resp.StatusCode, err)
		}
		return nil, errors.Wrapf(ErrUnavailable, "WebSocket connection failed: %v", err)
	}

	return NewWebSocket(conn, wsURL), nil
}

// NewWebSocket wraps an established connection.
func NewWebSocket(conn *websocket.Conn, wsURL string) *WebSocket {
	w := &WebSocket{
		conn:     conn,
		url:      wsURL,
		messages: make(chan []byte, 64),
		done:     make(chan struct{}),
	}
	go w.readLoop()
	return w
}

// readLoop pumps binary messages into the channel. A read deadline would
// poison a gorilla connection, so timeouts are applied on the channel side.
func (w *WebSocket) readLoop() {
	defer close(w.messages)
	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			w.errMu.Lock()
			w.readErr = err
			w.errMu.Unlock()
			return
		}

		// Only binary messages carry bootloader bytes
		if messageType != websocket.BinaryMessage || len(data) == 0 {
			continue
		}

		select {
		case w.messages <- data:
		case <-w.done:
			return
		}
	}
}

// ReadByteTimeout implements Transport.
func (w *WebSocket) ReadByteTimeout(timeout time.Duration) (byte, error) {
	if w.bufOffset < len(w.buf) {
		b := w.buf[w.bufOffset]
		w.bufOffset++
		return b, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case data, ok := <-w.messages:
		if !ok {
			return 0, w.closedErr()
		}
		w.buf = data
		w.bufOffset = 1
		return data[0], nil
	case <-timer.C:
		return 0, ErrTimeout
	}
}

func (w *WebSocket) Write(p []byte) (int, error) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, errors.Wrapf(err, "write %s", w.url)
	}
	return len(p), nil
}

func (w *WebSocket) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.conn.Close()
	})
	return err
}

// ResetInputBuffer implements InputFlusher by dropping queued messages.
func (w *WebSocket) ResetInputBuffer() error {
	w.buf = nil
	w.bufOffset = 0
	for {
		select {
		case _, ok := <-w.messages:
			if !ok {
				return nil
			}
		default:
			return nil
		}
	}
}

func (w *WebSocket) closedErr() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	if w.readErr != nil {
		return errors.Wrapf(ErrClosed, "%s: %s", w.url, w.readErr)
	}
	return ErrClosed
}
