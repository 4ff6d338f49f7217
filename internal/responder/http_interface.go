package responder

import (
	"fmt"
	"io"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/informalsystems/mq-load-test/internal/logging"
)

// OutageController is the part of a Responder the outage endpoint drives.
type OutageController interface {
	Paused() bool
	Pause() bool
	Resume() bool
}

var _ OutageController = (*Responder)(nil)

func respond(w http.ResponseWriter, code int, msg string) {
	w.WriteHeader(code)
	fmt.Fprint(w, msg+"\n")
}

// MakeOutageEndpointHandler creates an HTTP handler through which a downstream
// outage can be simulated. A POST with "down" in the body pauses the
// responder, "up" resumes it, and a GET reports its current state. Every
// request must carry basic auth credentials matching username and the given
// bcrypt password hash.
func MakeOutageEndpointHandler(username, passwordHash string, ctrl OutageController, logger logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost && r.Method != http.MethodGet {
			respond(w, http.StatusMethodNotAllowed, "Unsupported method")
			return
		}
		if err := authenticate(r, username, passwordHash); err != nil {
			logger.Info("Failed authentication attempt", "remoteAddr", r.RemoteAddr)
			respond(w, http.StatusUnauthorized, fmt.Sprintf("Error: %v", err))
			return
		}
		if r.Method == http.MethodGet {
			if ctrl.Paused() {
				respond(w, http.StatusOK, "down")
			} else {
				respond(w, http.StatusOK, "up")
			}
			return
		}
		if r.Body == nil {
			respond(w, http.StatusBadRequest, "Missing command in request")
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			respond(w, http.StatusInternalServerError, "Internal server error while reading request body")
			return
		}
		switch string(body) {
		case "up":
			if ctrl.Resume() {
				respond(w, http.StatusOK, "Responder resumed")
			} else {
				respond(w, http.StatusOK, "Responder is already running")
			}
		case "down":
			if ctrl.Pause() {
				respond(w, http.StatusOK, "Responder paused")
			} else {
				respond(w, http.StatusOK, "Responder is already paused")
			}
		default:
			respond(w, http.StatusBadRequest, "Unrecognised command")
		}
	}
}

func authenticate(req *http.Request, username, passwordHash string) error {
	u, p, ok := req.BasicAuth()
	if !ok {
		return fmt.Errorf("missing username and/or password in request")
	}
	if u != username {
		return fmt.Errorf("invalid username and/or password")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(p)); err != nil {
		return fmt.Errorf("invalid username and/or password")
	}
	return nil
}
