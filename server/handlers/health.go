package handlers

import "net/http"

// HandleHealth answers liveness checks with a plain "ok". It does not touch
// the run store, so a slow database never fails the probe.
func HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
