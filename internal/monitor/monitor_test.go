package monitor

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/okempf/btkit/internal/bluez"
	"github.com/okempf/btkit/internal/config"
	"github.com/okempf/btkit/internal/testutil/testlog"
)

type fakeClient struct {
	connected map[string]bool
	calls     []string
	actionErr error
}

func (f *fakeClient) Status(addr string) (bluez.DeviceStatus, error) {
	return bluez.DeviceStatus{
		Address:   addr,
		Powered:   true,
		Paired:    true,
		Connected: f.connected[addr],
	}, nil
}

func (f *fakeClient) Connect(addr string) error {
	f.calls = append(f.calls, "connect "+addr)
	if f.actionErr != nil {
		return f.actionErr
	}
	if f.connected == nil {
		f.connected = make(map[string]bool)
	}
	f.connected[addr] = true
	return nil
}

func (f *fakeClient) Disconnect(addr string) error {
	f.calls = append(f.calls, "disconnect "+addr)
	if f.actionErr != nil {
		return f.actionErr
	}
	f.connected[addr] = false
	return nil
}

var testDevices = []config.Device{
	{Name: "headphones", Address: "AA:BB:CC:DD:EE:01"},
	{Name: "speaker", Address: "AA:BB:CC:DD:EE:02"},
}

func newTestService(t *testing.T, client *fakeClient, token string) *Service {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return New(config.Monitor{AuthToken: token}, testDevices, client)
}

func do(t *testing.T, s *Service, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	testlog.Start(t)
	s := newTestService(t, &fakeClient{}, "")

	w := do(t, s, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad health body: %v", err)
	}
	if body["service"] != "btmon" {
		t.Fatalf("unexpected health body: %v", body)
	}
}

func TestListDevicesReportsLiveState(t *testing.T) {
	testlog.Start(t)
	client := &fakeClient{connected: map[string]bool{"AA:BB:CC:DD:EE:01": true}}
	s := newTestService(t, client, "")

	w := do(t, s, http.MethodGet, "/devices", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body struct {
		Devices []DeviceView `json:"devices"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad devices body: %v", err)
	}
	if len(body.Devices) != 2 {
		t.Fatalf("expected 2 devices, got %v", body.Devices)
	}
	if !body.Devices[0].State.Connected || body.Devices[1].State.Connected {
		t.Fatalf("unexpected connection states: %v", body.Devices)
	}
}

func TestActionRequiresToken(t *testing.T) {
	testlog.Start(t)
	client := &fakeClient{}
	s := newTestService(t, client, "secret")

	w := do(t, s, http.MethodPost, "/devices/headphones/actions/connect", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if len(client.calls) != 0 {
		t.Fatalf("unauthorized request must not reach the client: %v", client.calls)
	}

	w = do(t, s, http.MethodPost, "/devices/headphones/actions/connect", "secret")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	if len(client.calls) != 1 || client.calls[0] != "connect AA:BB:CC:DD:EE:01" {
		t.Fatalf("unexpected client calls: %v", client.calls)
	}
}

func TestActionWithoutConfiguredTokenIsOpen(t *testing.T) {
	testlog.Start(t)
	client := &fakeClient{connected: map[string]bool{}}
	s := newTestService(t, client, "")

	w := do(t, s, http.MethodPost, "/devices/speaker/actions/disconnect", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}
}

func TestActionUnknownDeviceAndAction(t *testing.T) {
	testlog.Start(t)
	s := newTestService(t, &fakeClient{}, "")

	w := do(t, s, http.MethodPost, "/devices/toaster/actions/connect", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown device: expected 404, got %d", w.Code)
	}

	w = do(t, s, http.MethodPost, "/devices/headphones/actions/explode", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown action: expected 404, got %d", w.Code)
	}
}

func TestExecuteActionLookupByAddress(t *testing.T) {
	testlog.Start(t)
	client := &fakeClient{}
	s := newTestService(t, client, "")

	st, err := s.ExecuteAction("AA:BB:CC:DD:EE:02", "connect")
	if err != nil {
		t.Fatalf("action by address failed: %v", err)
	}
	if !st.Connected {
		t.Fatalf("refreshed state should show connected, got %+v", st)
	}
}

func TestExecuteActionPropagatesClientError(t *testing.T) {
	testlog.Start(t)
	client := &fakeClient{actionErr: fmt.Errorf("dbus: no reply")}
	s := newTestService(t, client, "")

	if _, err := s.ExecuteAction("headphones", "connect"); err == nil {
		t.Fatalf("expected client error")
	}

	if _, err := s.ExecuteAction("ghost", "connect"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
}
