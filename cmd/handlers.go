package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"
)

func (app *application) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := app.db.PingContext(r.Context()); err != nil {
		app.errorLog.Printf("health: db ping: %v", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "degraded"})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// issueWSTicket hands an authenticated user a short-lived token for the
// websocket endpoints, which cannot carry an Authorization header from a
// browser client.
func (app *application) issueWSTicket(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(contextKeyUserID).(int)
	if !ok || userID <= 0 {
		app.clientError(w, http.StatusUnauthorized)
		return
	}
	ticket, err := app.tokens.NewJWT(fmt.Sprint(userID), 2*time.Minute)
	if err != nil {
		app.serverError(w, err)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"ticket": ticket})
}

func (app *application) serverError(w http.ResponseWriter, err error) {
	trace := fmt.Sprintf("%s\n%s", err.Error(), debug.Stack())
	app.errorLog.Output(2, trace)
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

func (app *application) clientError(w http.ResponseWriter, status int) {
	http.Error(w, http.StatusText(status), status)
}
