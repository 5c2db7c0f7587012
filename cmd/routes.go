package main

import (
	"net/http"

	"github.com/bmizerany/pat"
	"github.com/justinas/alice"
)

func (app *application) JWTMiddlewareWithRole(requiredRole string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return app.JWTMiddleware(next, requiredRole)
	}
}

func (app *application) routes() http.Handler {
	standardMiddleware := alice.New(app.recoverPanic, app.logRequest, secureHeaders, makeResponseJSON)
	authMiddleware := standardMiddleware.Append(app.JWTMiddlewareWithRole("user"))
	adminAuthMiddleware := standardMiddleware.Append(app.JWTMiddlewareWithRole("admin"))

	mux := pat.New()

	mux.Get("/health", standardMiddleware.ThenFunc(app.healthCheck))

	// Short-lived tickets for the delivery websocket endpoints: issued over
	// an authenticated REST call, presented by the socket client on connect.
	mux.Post("/auth/ws_ticket", authMiddleware.ThenFunc(app.issueWSTicket))

	mux.Get("/admin/health", adminAuthMiddleware.ThenFunc(app.healthCheck))

	return standardMiddleware.Then(mux)
}
