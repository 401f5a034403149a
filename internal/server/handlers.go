package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/Tyrowin/livechat/internal/chat"
)

const maxRequestBody = 1 << 20

type identityKey struct{}

type credentialsRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,max=72"`
}

type uploadRequest struct {
	Filename    string `json:"filename" validate:"required,max=255"`
	ContentType string `json:"content_type" validate:"required,max=127"`
	Data        []byte `json:"data" validate:"required"`
}

type loginResponse struct {
	Token string        `json:"token"`
	User  chat.Identity `json:"user"`
}

type userResponse struct {
	User chat.Identity `json:"user"`
}

type onlineResponse struct {
	Users []chat.Identity `json:"users"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// WebSocketHandler upgrades the request and admits the connection. The
// hub starts its read and write pumps.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	if _, err := s.lifecycle.Connect(r.Context(), conn, r.RemoteAddr); err != nil {
		s.logger.Warn("connection not admitted", "remote_addr", r.RemoteAddr, "error", err)
		_ = conn.Close()
	}
}

// RegisterHandler creates a new identity.
func (s *Server) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.CredentialTimeout)
	defer cancel()

	ident, err := s.deps.Credentials.Create(ctx, req.Username, req.Password)
	if err != nil {
		s.logger.Info("registration failed", "username", req.Username, "error", err)
		writeError(w, err)
		return
	}

	s.logger.Info("identity registered", "identity_id", ident.ID)
	writeJSON(w, http.StatusCreated, userResponse{User: ident})
}

// LoginHandler verifies credentials and issues a session token.
func (s *Server) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.CredentialTimeout)
	defer cancel()

	ident, err := s.deps.Credentials.Verify(ctx, req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}

	token, err := s.deps.Tokens.Issue(ident.ID)
	if err != nil {
		s.logger.Error("issuing token", "identity_id", ident.ID, "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{Token: token, User: ident})
}

// HistoryHandler returns a page of messages, oldest first.
func (s *Server) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := s.pageParams(r)
	if err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.LogTimeout)
	defer cancel()

	msgs, err := s.deps.Messages.Recent(ctx, limit, offset)
	if err != nil {
		s.logger.Error("reading history", "error", err)
		writeError(w, storageError("log.recent", chat.ErrLogUnavailable, err))
		return
	}

	writeJSON(w, http.StatusOK, historyPayload(msgs))
}

// OnlineHandler returns the online identities.
func (s *Server) OnlineHandler(w http.ResponseWriter, r *http.Request) {
	users, err := s.hub.Snapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, onlineResponse{Users: users})
}

// UploadHandler stores an attachment outside of a send and returns its
// reference.
func (s *Server) UploadHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Blobs == nil {
		writeError(w, &chat.StorageError{Op: "blob.store", Kind: chat.ErrBlobUnavailable})
		return
	}

	var req uploadRequest
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxAttachmentSize*4/3+maxRequestBody)
	if err := s.decodeBody(r.Body, &req); err != nil {
		writeError(w, err)
		return
	}
	upload := chat.Upload{Filename: req.Filename, ContentType: req.ContentType, Data: req.Data}
	if err := s.engine.checkUpload(upload); err != nil {
		writeError(w, err)
		return
	}

	att, err := s.engine.storeAttachment(r.Context(), upload)
	if err != nil {
		s.logger.Warn("upload failed", "identity_id", identityFrom(r.Context()), "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, att)
}

// FileHandler serves a stored attachment as a download in a sandboxed
// context, so uploaded markup never runs on the chat origin.
func (s *Server) FileHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Files == nil {
		http.NotFound(w, r)
		return
	}

	contentType, data, err := s.deps.Files.Open(r.PathValue("key"))
	if err != nil {
		if !errors.Is(err, chat.ErrNotFound) {
			s.logger.Error("reading file", "key", r.PathValue("key"), "error", err)
		}
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Disposition", "attachment")
	w.Header().Set("Content-Security-Policy", "sandbox")
	_, _ = w.Write(data)
}

// HealthHandler provides a simple health check endpoint that returns server status.
// It responds with a plain text message indicating the server is running.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "livechat server is running!")
}

// requireToken rejects requests without a valid bearer token and stores
// the token's identity id in the request context.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, chat.ErrNotAuthenticated)
			return
		}

		identityID, err := s.deps.Tokens.Verify(strings.TrimSpace(token))
		if err != nil {
			writeError(w, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, identityID)))
	})
}

func identityFrom(ctx context.Context) string {
	id, _ := ctx.Value(identityKey{}).(string)
	return id
}

func (s *Server) pageParams(r *http.Request) (limit, offset int, err error) {
	limit, offset = s.cfg.HistoryLimit, 0
	q := r.URL.Query()

	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			return 0, 0, fmt.Errorf("%w: limit must be an integer", chat.ErrInvalidRequest)
		}
	}
	if v := q.Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil {
			return 0, 0, fmt.Errorf("%w: offset must be an integer", chat.ErrInvalidRequest)
		}
	}

	limit = min(max(limit, 1), maxHistoryLimit)
	offset = max(offset, 0)
	return limit, offset, nil
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	return s.decodeBody(r.Body, v)
}

func (s *Server) decodeBody(body io.Reader, v any) error {
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", chat.ErrInvalidRequest, err)
	}
	if err := s.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", chat.ErrInvalidRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, httpStatus(err), errorResponse{Error: describe(err), Reason: chat.Reason(err)})
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, chat.ErrInvalidRequest), errors.Is(err, chat.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, chat.ErrNotFound):
		return http.StatusNotFound
	case chat.IsAuthError(err):
		return http.StatusUnauthorized
	case errors.Is(err, chat.ErrStorageTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, chat.ErrBlobUnavailable),
		errors.Is(err, chat.ErrLogUnavailable),
		errors.Is(err, chat.ErrCredentialsUnavailable),
		errors.Is(err, chat.ErrHubClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// TestPageHandler serves an HTML page for exercising the server by hand:
// it logs in over REST, authenticates the socket and sends messages.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = io.WriteString(w, testPage)
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>livechat WebSocket Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        input[type="text"], input[type="password"] { padding: 5px; margin-right: 10px; }
        button {
            padding: 5px 15px;
            background-color: #007cba;
            color: white;
            border: none;
            cursor: pointer;
        }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>livechat WebSocket Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>
    <div>
        <input type="text" id="username" placeholder="username">
        <input type="password" id="password" placeholder="password">
        <button onclick="register()">Register</button>
        <button onclick="login()">Log in</button>
    </div>
    <div id="online"></div>
    <div>
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
    </div>
    <div id="messages"></div>

    <script>
        let ws = null;
        let token = null;
        let ref = 0;
        const messagesDiv = document.getElementById('messages');
        const messageInput = document.getElementById('messageInput');
        const sendButton = document.getElementById('sendButton');
        const statusDiv = document.getElementById('status');

        function addLine(text, color) {
            const el = document.createElement('div');
            el.style.margin = '5px 0';
            el.style.color = color || 'gray';
            el.textContent = text;
            messagesDiv.appendChild(el);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function updateStatus(text, active) {
            statusDiv.textContent = text;
            statusDiv.className = 'status ' + (active ? 'connected' : 'disconnected');
            messageInput.disabled = !active;
            sendButton.disabled = !active;
        }

        function credentials() {
            return JSON.stringify({
                username: document.getElementById('username').value,
                password: document.getElementById('password').value,
            });
        }

        async function register() {
            const res = await fetch('/auth/register', { method: 'POST', body: credentials() });
            addLine('register: ' + res.status + ' ' + await res.text());
        }

        async function login() {
            const res = await fetch('/auth/login', { method: 'POST', body: credentials() });
            const body = await res.json();
            if (!res.ok) {
                addLine('login failed: ' + body.reason);
                return;
            }
            token = body.token;
            connect();
        }

        function connect() {
            if (ws) ws.close();
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws');
            ws.onopen = () => ws.send(JSON.stringify({ type: 'authenticate', token: token }));
            ws.onmessage = (event) => handleFrame(JSON.parse(event.data));
            ws.onclose = () => { updateStatus('Disconnected', false); ws = null; };
        }

        function handleFrame(frame) {
            switch (frame.type) {
            case 'auth_result':
                if (frame.success) updateStatus('Signed in as ' + frame.identity.display_name, true);
                else updateStatus('Authentication failed: ' + frame.reason, false);
                break;
            case 'presence':
                document.getElementById('online').textContent =
                    'Online: ' + frame.users.map(u => u.display_name).join(', ');
                break;
            case 'message':
                addLine('#' + frame.message.seq + ' ' + frame.message.sender_name + ': ' +
                    (frame.message.text || '') + (frame.message.attachment ? ' [' + frame.message.attachment.url + ']' : ''), 'green');
                break;
            case 'session_superseded':
                updateStatus('Signed in elsewhere', false);
                break;
            default:
                addLine(JSON.stringify(frame), 'red');
            }
        }

        function sendMessage() {
            const text = messageInput.value.trim();
            if (text && ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify({ type: 'send', ref: String(++ref), text: text }));
                messageInput.value = '';
            }
        }

        messageInput.addEventListener('keypress', function(e) {
            if (e.key === 'Enter') {
                sendMessage();
            }
        });
    </script>
</body>
</html>`
