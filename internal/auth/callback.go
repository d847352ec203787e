package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const successPage = `<!doctype html>
<html lang="en">
  <head><meta charset="utf-8"><title>OAuth complete</title></head>
  <body>
    <h2>Authentication complete</h2>
    <p>You can close this window and return to your terminal.</p>
  </body>
</html>`

// callbackResult is what one valid callback (or a manual paste) yields.
type callbackResult struct {
	code string
	err  error
}

// callbackServer is the ephemeral loopback listener that lives only while a
// flow awaits its redirect.
type callbackServer struct {
	srv         *http.Server
	ln          net.Listener
	redirectURI string

	nonce   string
	results chan<- callbackResult

	once sync.Once
	used bool
	mu   sync.Mutex
}

func startCallbackServer(host string, port int, nonce string, results chan<- callbackResult) (*callbackServer, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind OAuth callback server on %s: %w", addr, err)
	}

	cs := &callbackServer{
		ln:      ln,
		nonce:   nonce,
		results: results,
	}
	actualPort := ln.Addr().(*net.TCPAddr).Port
	// the redirect must match what was registered for the client: localhost, not 127.0.0.1
	cs.redirectURI = fmt.Sprintf("http://localhost:%d%s", actualPort, CallbackPath)

	mux := http.NewServeMux()
	mux.HandleFunc(CallbackPath, cs.handle)
	cs.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		_ = cs.srv.Serve(ln)
	}()
	return cs, nil
}

func (cs *callbackServer) handle(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	cs.mu.Lock()
	used := cs.used
	cs.mu.Unlock()
	if used {
		http.Error(w, "Sign-in already completed", http.StatusConflict)
		return
	}

	if q.Get("state") != cs.nonce {
		http.Error(w, "Invalid state", http.StatusBadRequest)
		return
	}
	if e := q.Get("error"); e != "" {
		desc := q.Get("error_description")
		cs.deliver(callbackResult{err: fmt.Errorf("%w: %s %s", ErrDenied, e, desc)})
		http.Error(w, "Sign-in was denied: "+e, http.StatusUnauthorized)
		return
	}
	code := q.Get("code")
	if code == "" {
		http.Error(w, "Missing code", http.StatusBadRequest)
		return
	}

	cs.deliver(callbackResult{code: code})
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(successPage))
}

func (cs *callbackServer) deliver(res callbackResult) {
	cs.once.Do(func() {
		cs.mu.Lock()
		cs.used = true
		cs.mu.Unlock()
		select {
		case cs.results <- res:
		default:
		}
	})
}

// Close stops accepting callbacks. In-flight responses get a short grace period.
func (cs *callbackServer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := cs.srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		_ = cs.srv.Close()
	}
}
