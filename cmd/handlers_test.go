package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"

	"dastarBack/utils"
)

func testApp(t *testing.T) *application {
	t.Helper()
	tokens, err := utils.NewManager("test-secret")
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return &application{
		errorLog: log.New(io.Discard, "", 0),
		infoLog:  log.New(io.Discard, "", 0),
		tokens:   tokens,
	}
}

func TestIssueWSTicketRejectsAnonymousRequests(t *testing.T) {
	app := testApp(t)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/auth/ws_ticket", nil)

	app.issueWSTicket(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestIssueWSTicketReturnsTokenForAuthenticatedUser(t *testing.T) {
	app := testApp(t)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/auth/ws_ticket", nil)
	req = req.WithContext(context.WithValue(req.Context(), contextKeyUserID, 42))

	app.issueWSTicket(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var body map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ticket"] == "" {
		t.Fatal("expected a non-empty ticket")
	}
}
