package integration_test

import (
	"bytes"
	"net/http"
	"os"
	"testing"

	"pkt.systems/clawdeck/schema"
)

type configBody struct {
	Endpoint   string `json:"endpoint"`
	Credential string `json:"credential"`
}

type refreshBody struct {
	State     schema.GatewayState `json:"state"`
	Error     string              `json:"error"`
	ErrorKind string              `json:"error_kind"`
}

func TestDaemonStreamFollowsRefresh(t *testing.T) {
	requireLong(t)
	gw := startGateway(t, "stream-token")
	d := startDaemon(t, newStateDir(t))

	events := openStream(t, d.base)
	initial := events.next()
	if initial.Reason != "snapshot" || initial.State.Configured {
		t.Fatalf("unexpected initial event %+v", initial)
	}

	if status := call(t, http.MethodPut, d.base+"/api/config", configBody{Endpoint: gw.url, Credential: "stream-token"}, nil); status != http.StatusOK {
		t.Fatalf("set config: status %d", status)
	}
	var refreshed refreshBody
	if status := call(t, http.MethodPost, d.base+"/api/refresh", nil, &refreshed); status != http.StatusOK {
		t.Fatalf("refresh: status %d (%s)", status, refreshed.Error)
	}

	last := initial.Seq
	for {
		event := events.next()
		if event.Seq <= last {
			t.Fatalf("stream revisions not increasing: %d after %d", event.Seq, last)
		}
		last = event.Seq
		if event.State.IsConnected {
			if event.Reason != string(schema.ReasonRefresh) {
				t.Fatalf("expected refresh to connect, got %q", event.Reason)
			}
			if event.State.SystemInfo == nil || event.State.SystemInfo.Version != "2026.3.1" {
				t.Fatalf("unexpected system info %+v", event.State.SystemInfo)
			}
			break
		}
	}
}

func TestDaemonRestoresEncryptedCredentials(t *testing.T) {
	requireLong(t)
	gw := startGateway(t, "persisted-token")
	dir := newStateDir(t)

	first := startDaemon(t, dir)
	if status := call(t, http.MethodPut, first.base+"/api/config", configBody{Endpoint: gw.url, Credential: "persisted-token"}, nil); status != http.StatusOK {
		t.Fatalf("set config: status %d", status)
	}
	first.stop(t)

	raw, err := os.ReadFile(dir.creds)
	if err != nil {
		t.Fatalf("read credential file: %v", err)
	}
	if bytes.Contains(raw, []byte("persisted-token")) {
		t.Fatalf("credential file holds the token in clear text")
	}

	second := startDaemon(t, dir)
	state := waitState(t, second.base, func(s schema.GatewayState) bool { return s.IsConnected })
	if len(state.Sessions) == 0 || len(state.CronJobs) == 0 {
		t.Fatalf("expected restored daemon to load sessions and jobs, got %+v", state)
	}

	var cleared schema.GatewayState
	call(t, http.MethodDelete, second.base+"/api/config", nil, &cleared)
	if cleared.Configured || len(cleared.Sessions) != 0 || len(cleared.Health) != 0 {
		t.Fatalf("expected clear to reset state, got %+v", cleared)
	}
	if _, err := os.Stat(dir.creds); !os.IsNotExist(err) {
		t.Fatalf("expected credential file removed after clear, stat err %v", err)
	}
}

func TestDaemonTokenRotation(t *testing.T) {
	requireLong(t)
	gw := startGateway(t, "old-token")
	d := startDaemon(t, newStateDir(t))

	call(t, http.MethodPut, d.base+"/api/config", configBody{Endpoint: gw.url, Credential: "old-token"}, nil)
	var first refreshBody
	if status := call(t, http.MethodPost, d.base+"/api/refresh", nil, &first); status != http.StatusOK {
		t.Fatalf("first refresh: status %d", status)
	}
	sessions := len(first.State.Sessions)

	gw.mock.SetToken("new-token")
	var rejected refreshBody
	if status := call(t, http.MethodPost, d.base+"/api/refresh", nil, &rejected); status != http.StatusBadGateway {
		t.Fatalf("expected 502 after rotation, got %d", status)
	}
	if rejected.ErrorKind != "auth" || rejected.State.IsConnected {
		t.Fatalf("expected auth failure, got kind %q connected %v", rejected.ErrorKind, rejected.State.IsConnected)
	}
	if len(rejected.State.Sessions) != sessions {
		t.Fatalf("expected cached sessions kept on failure, got %d want %d", len(rejected.State.Sessions), sessions)
	}

	call(t, http.MethodPut, d.base+"/api/config", configBody{Endpoint: gw.url, Credential: "new-token"}, nil)
	// Error fields are omitted when empty, so each response needs its own value.
	var recovered refreshBody
	if status := call(t, http.MethodPost, d.base+"/api/refresh", nil, &recovered); status != http.StatusOK {
		t.Fatalf("refresh with rotated token: status %d (%s)", status, recovered.Error)
	}
	if recovered.State.Error != "" || !recovered.State.IsConnected {
		t.Fatalf("expected recovered connection, got error %q connected %v", recovered.State.Error, recovered.State.IsConnected)
	}
}
