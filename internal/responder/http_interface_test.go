package responder

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/informalsystems/mq-load-test/internal/logging"
)

const testUser = "testuser"
const testPassword = "testpassword"
const testPasswordHash = "$2a$08$icFrbtWXmEHXZJ9cZWqQJ.j3DA8r1fHwKs.gXEDpDjN3TzGRFFO.y"

type fakeController struct {
	paused bool
}

func (c *fakeController) Paused() bool { return c.paused }

func (c *fakeController) Pause() bool {
	changed := !c.paused
	c.paused = true
	return changed
}

func (c *fakeController) Resume() bool {
	changed := c.paused
	c.paused = false
	return changed
}

func newTestServer(t *testing.T, ctrl OutageController) (*httptest.Server, *url.URL) {
	t.Helper()
	ts := httptest.NewServer(MakeOutageEndpointHandler(testUser, testPasswordHash, ctrl, logging.NewNoopLogger()))
	tsURL, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	tsURL.User = url.UserPassword(testUser, testPassword)
	return ts, tsURL
}

func TestBringResponderDown(t *testing.T) {
	ctrl := &fakeController{}
	ts, tsURL := newTestServer(t, ctrl)
	defer ts.Close()

	r, err := http.Post(tsURL.String(), "text/plain", strings.NewReader("down"))
	if err != nil {
		t.Fatalf("Got unexpected error: %s", err)
	}
	defer r.Body.Close()
	if r.StatusCode != http.StatusOK {
		t.Fatalf("Expected status code %d, got %d", http.StatusOK, r.StatusCode)
	}
	if !ctrl.paused {
		t.Error("Expected responder to be paused")
	}
}

func TestBringResponderUp(t *testing.T) {
	ctrl := &fakeController{paused: true}
	ts, tsURL := newTestServer(t, ctrl)
	defer ts.Close()

	r, err := http.Post(tsURL.String(), "text/plain", strings.NewReader("up"))
	if err != nil {
		t.Fatalf("Got unexpected error: %s", err)
	}
	defer r.Body.Close()
	if r.StatusCode != http.StatusOK {
		t.Fatalf("Expected status code %d, got %d", http.StatusOK, r.StatusCode)
	}
	if ctrl.paused {
		t.Error("Expected responder to be running")
	}
}

func TestResponderStatus(t *testing.T) {
	ctrl := &fakeController{paused: true}
	ts, tsURL := newTestServer(t, ctrl)
	defer ts.Close()

	r, err := http.Get(tsURL.String())
	if err != nil {
		t.Fatalf("Got unexpected error: %s", err)
	}
	defer r.Body.Close()
	body, _ := io.ReadAll(r.Body)
	if strings.TrimSpace(string(body)) != "down" {
		t.Errorf("Expected status \"down\", got %q", string(body))
	}
}

func TestUnrecognisedCommand(t *testing.T) {
	ts, tsURL := newTestServer(t, &fakeController{})
	defer ts.Close()

	r, err := http.Post(tsURL.String(), "text/plain", strings.NewReader("sideways"))
	if err != nil {
		t.Fatalf("Got unexpected error: %s", err)
	}
	defer r.Body.Close()
	if r.StatusCode != http.StatusBadRequest {
		t.Fatalf("Expected status code %d, got %d", http.StatusBadRequest, r.StatusCode)
	}
}

func TestWrongPassword(t *testing.T) {
	ctrl := &fakeController{}
	ts, tsURL := newTestServer(t, ctrl)
	defer ts.Close()
	tsURL.User = url.UserPassword(testUser, "wrong")

	r, err := http.Post(tsURL.String(), "text/plain", strings.NewReader("down"))
	if err != nil {
		t.Fatalf("Got unexpected error: %s", err)
	}
	defer r.Body.Close()
	if r.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Expected status code %d, got %d", http.StatusUnauthorized, r.StatusCode)
	}
	if ctrl.paused {
		t.Error("Expected unauthenticated request not to pause the responder")
	}
}

func TestInvalidHTTPMethod(t *testing.T) {
	ts, _ := newTestServer(t, &fakeController{})
	defer ts.Close()

	req, err := http.NewRequest(http.MethodDelete, ts.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	r, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Got unexpected error: %s", err)
	}
	defer r.Body.Close()
	if r.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("Expected status code %d, got %d", http.StatusMethodNotAllowed, r.StatusCode)
	}
}
