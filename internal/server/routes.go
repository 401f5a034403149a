package server

import "net/http"

// Routes configures and returns an HTTP ServeMux with all application
// routes.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", HealthHandler)
	mux.HandleFunc("GET /test", TestPageHandler)
	mux.HandleFunc("/ws", s.WebSocketHandler)

	mux.HandleFunc("POST /auth/register", s.RegisterHandler)
	mux.HandleFunc("POST /auth/login", s.LoginHandler)

	mux.Handle("GET /messages/history", s.requireToken(http.HandlerFunc(s.HistoryHandler)))
	mux.Handle("GET /users/online", s.requireToken(http.HandlerFunc(s.OnlineHandler)))
	mux.Handle("POST /files", s.requireToken(http.HandlerFunc(s.UploadHandler)))
	mux.HandleFunc("GET /files/{key}", s.FileHandler)
	return mux
}
