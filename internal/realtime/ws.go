// Package realtime gates websocket channel upgrades behind session token
// verification. The gate authenticates the upgrade; message routing beyond
// the keepalive loop is the consumer's concern.
package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harborhealth/gatekeep/internal/auth"
	"github.com/harborhealth/gatekeep/internal/models"
	pkghttp "github.com/harborhealth/gatekeep/pkg/http"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	maxMessageSize = 4096
)

// SubjectResolver resolves a verified token subject to a live account.
type SubjectResolver interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
}

// Gate authenticates websocket upgrade requests. A request must present a
// valid session token before the connection is upgraded; outside of
// development mode there are no exceptions.
type Gate struct {
	tm       *auth.TokenManager
	resolver SubjectResolver
	logger   *slog.Logger
	env      string
	upgrader websocket.Upgrader
}

// NewGate creates a new Gate. allowedOrigins bounds the Origin check; an
// empty list admits only same-host requests.
func NewGate(tm *auth.TokenManager, resolver SubjectResolver, logger *slog.Logger, env string, allowedOrigins []string) *Gate {
	return &Gate{
		tm:       tm,
		resolver: resolver,
		logger:   logger,
		env:      env,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(env, allowedOrigins),
		},
	}
}

// ServeHTTP authenticates and upgrades a channel subscription request. The
// token comes from the Authorization header or, for browser websocket
// clients that cannot set headers, the token query parameter.
func (g *Gate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := extractToken(r)
	if token == "" {
		if g.env == "development" {
			// Local tooling may connect without a session
			g.logger.Warn("unauthenticated websocket upgrade allowed in development")
			g.upgrade(w, r, "dev")
			return
		}
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	claims, err := g.tm.VerifySession(token)
	if err != nil {
		g.logger.Info("websocket upgrade refused", slog.Any("error", err))
		pkghttp.WriteUnauthorized(w, "Authentication failed")
		return
	}

	user, err := g.resolver.GetByID(r.Context(), claims.UserID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			pkghttp.WriteUnauthorized(w, "Authentication failed")
			return
		}
		g.logger.Error("failed to resolve websocket subject", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	g.upgrade(w, r, user.ID)
}

func (g *Gate) upgrade(w http.ResponseWriter, r *http.Request, subject string) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		g.logger.Info("websocket upgrade failed", slog.Any("error", err))
		return
	}

	g.logger.Info("websocket channel opened", slog.String("subject", subject))
	go g.serve(conn, subject)
}

// serve runs the keepalive loop until the peer goes away.
func (g *Gate) serve(conn *websocket.Conn, subject string) {
	defer func() {
		conn.Close()
		g.logger.Info("websocket channel closed", slog.String("subject", subject))
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func extractToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func originChecker(env string, allowedOrigins []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if env == "development" {
			return true
		}
		for _, allowed := range allowedOrigins {
			if origin == allowed {
				return true
			}
		}
		return false
	}
}
