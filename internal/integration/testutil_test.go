package integration_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/clawdeck"
	"pkt.systems/clawdeck/httpapi"
	"pkt.systems/clawdeck/internal/credstore"
	"pkt.systems/clawdeck/internal/gatewaymock"
	"pkt.systems/clawdeck/internal/gatewayws"
	"pkt.systems/clawdeck/schema"
)

func requireLong(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
}

type gateway struct {
	mock *gatewaymock.Server
	url  string
}

func startGateway(t *testing.T, token string) gateway {
	t.Helper()
	mock := gatewaymock.New(gatewaymock.Options{Token: token, Version: "2026.3.1"})
	srv := httptest.NewServer(mock)
	t.Cleanup(srv.Close)
	return gateway{mock: mock, url: srv.URL}
}

type daemon struct {
	server clawdeck.Server
	base   string
	cancel context.CancelFunc
}

type stateDir struct {
	creds string
	keys  string
}

func newStateDir(t *testing.T) stateDir {
	t.Helper()
	dir := t.TempDir()
	return stateDir{
		creds: filepath.Join(dir, "credentials.enc"),
		keys:  filepath.Join(dir, "keys.bundle"),
	}
}

func startDaemon(t *testing.T, dir stateDir) *daemon {
	t.Helper()
	creds, err := credstore.NewFile(dir.creds, dir.keys, nil)
	if err != nil {
		t.Fatalf("credentials: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	server, err := clawdeck.New(clawdeck.ServerConfig{
		Gateway: gatewayws.Config{CallTimeout: 2 * time.Second, ClientID: "clawdeck-integration"},
		HTTP:    httpapi.Config{BasePath: "/deck", HubHistory: 32},
	}, clawdeck.ServerDeps{
		Credentials:  creds,
		HTTPListener: ln,
	}, clawdeck.WithHTTP())
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := server.Start(ctx); err != nil {
		cancel()
		t.Fatalf("start daemon: %v", err)
	}
	d := &daemon{server: server, base: "http://" + ln.Addr().String() + "/deck", cancel: cancel}
	t.Cleanup(func() { d.stop(t) })
	waitHTTP(t, d.base+"/healthz")
	return d
}

func (d *daemon) stop(t *testing.T) {
	t.Helper()
	if d.cancel == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.server.Stop(ctx); err != nil {
		t.Errorf("stop daemon: %v", err)
	}
	d.cancel()
	d.cancel = nil
}

func waitHTTP(t *testing.T, url string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s never became ready: %v", url, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func call(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

func waitState(t *testing.T, base string, pred func(schema.GatewayState) bool) schema.GatewayState {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var state schema.GatewayState
	for {
		call(t, http.MethodGet, base+"/api/state", nil, &state)
		if pred(state) {
			return state
		}
		if time.Now().After(deadline) {
			t.Fatalf("state never matched, last %+v", state)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

type stream struct {
	t      *testing.T
	reader *bufio.Reader
}

func openStream(t *testing.T, base string) *stream {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/stream", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return &stream{t: t, reader: bufio.NewReader(resp.Body)}
}

func (s *stream) next() httpapi.StreamEvent {
	s.t.Helper()
	var data string
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			s.t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && data != "":
			var event httpapi.StreamEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				s.t.Fatalf("decode event: %v", err)
			}
			return event
		}
	}
}
