// Package adminapi exposes a read-only, loopback-only diagnostics
// surface over the daemon's live state: connected peers, router
// scores, and in-progress handshakes. It carries no network-management
// business logic — nothing here can change mesh membership or routing.
package adminapi

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/fullbrightkay/routeweaver/internal/handshake"
	"github.com/fullbrightkay/routeweaver/internal/identity"
	"github.com/fullbrightkay/routeweaver/internal/meshstate"
	"github.com/fullbrightkay/routeweaver/internal/router"
)

// DeriveSecret turns a node's private key into the HMAC secret used to
// sign and verify diagnostics API tokens, so the daemon and an
// operator CLI holding the same identity can agree on it without any
// separate secret-distribution step.
func DeriveSecret(priv identity.PrivateKey) []byte {
	secret := make([]byte, len(priv))
	copy(secret, priv[:])
	return secret
}

// Server serves the diagnostics API.
type Server struct {
	engine *gin.Engine
	log    *slog.Logger
}

// New builds the diagnostics API bound to the given live state.
// Every request must carry a bearer token signed with secret.
func New(state *meshstate.State, rt *router.Router, hs *handshake.Driver, secret []byte, log *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	v1 := engine.Group("/v1")
	v1.Use(bearerAuth(secret))
	{
		v1.GET("/peers", func(c *gin.Context) {
			peers := state.ConnectedPeers()
			out := make([]gin.H, 0, len(peers))
			for _, p := range peers {
				out = append(out, gin.H{"public_key": p.String()})
			}
			c.JSON(http.StatusOK, out)
		})

		v1.GET("/router/stats", func(c *gin.Context) {
			stats := rt.Stats()
			out := make([]gin.H, 0, len(stats))
			for _, s := range stats {
				out = append(out, gin.H{"public_key": s.Peer.String(), "score": s.Score})
			}
			c.JSON(http.StatusOK, out)
		})

		v1.GET("/handshakes", func(c *gin.Context) {
			pending := hs.Pending()
			out := make([]gin.H, 0, len(pending))
			for _, p := range pending {
				out = append(out, gin.H{
					"public_key": p.Peer.String(),
					"initiator":  p.Initiator,
					"anonymous":  p.Anonymous,
					"created_at": p.CreatedAt,
				})
			}
			c.JSON(http.StatusOK, out)
		})
	}

	return &Server{engine: engine, log: log.With("component", "adminapi")}
}

// Run binds to addr and serves until the process exits or the listener
// errors. It refuses any addr whose host is not "localhost" or a
// loopback IP.
func (s *Server) Run(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("adminapi: invalid listen address %q: %w", addr, err)
	}
	if host != "localhost" {
		if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
			return fmt.Errorf("adminapi: refusing non-loopback listen address %q", addr)
		}
	}
	s.log.Info("admin API listening", "addr", addr)
	return s.engine.Run(addr)
}

func bearerAuth(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		raw := header[len(prefix):]
		_, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return secret, nil
		})
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

// IssueToken mints a bearer token for the operator CLI, signed with
// secret and valid for ttl.
func IssueToken(secret []byte, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		Subject:   "routeweaverctl",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
