// Package server exposes the media and account API over HTTP.
package server

import (
	"net/http"

	"github.com/MalauD/Pixure/media"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const (
	// SessionCookie names the cookie carrying the logged in user
	SessionCookie = "pixure-id"

	sessionKeyUser = "username"

	paramResourceID = "id"
	paramUser       = "user"

	keyRequester = "pixure.requester"
)

var log = logrus.WithField("logger", "server")

// Server is the pixure service root
type Server struct {
	Engine      *gin.Engine
	media       *media.Service
	listen      string
	promHandler http.Handler
}

func newEngine(sessionSecret string) *gin.Engine {
	store := cookie.NewStore([]byte(sessionSecret))
	store.Options(sessions.Options{Path: "/", HttpOnly: true, MaxAge: 30 * 24 * 3600})

	engine := gin.New()
	engine.Use(gin.Logger(), gin.Recovery(), engineMetrics(), apiSpan(), sessions.Sessions(SessionCookie, store))
	return engine
}

// New creates a new server - params are injected dependencies
func New(service *media.Service, listenAddress string, sessionSecret string) (*Server, error) {
	s := &Server{
		Engine:      newEngine(sessionSecret),
		media:       service,
		listen:      listenAddress,
		promHandler: promhttp.Handler(),
	}

	s.Engine.GET("/ping", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	s.Engine.GET("/metrics", s.handlePrometheusMetrics)

	createUserAPI(s)
	createMediaAPI(s)
	return s, nil
}

// Run starts the server
func (s *Server) Run() error {
	log.WithField("listen_url", s.listen).Info("Starting pixure server")
	return s.Engine.Run(s.listen)
}

func (s *Server) handlePrometheusMetrics(c *gin.Context) {
	s.promHandler.ServeHTTP(c.Writer, c.Request)
}

// identify resolves the session cookie to a logged in user, leaving the
// requester anonymous when there is none
func (s *Server) identify(c *gin.Context) {
	session := sessions.Default(c)
	if username, ok := session.Get(sessionKeyUser).(string); ok {
		if _, loggedIn := s.media.Authenticated(username); loggedIn {
			c.Set(keyRequester, username)
		}
	}
	c.Next()
}

// requireUser rejects requests without a logged in user
func requireUser(c *gin.Context) {
	if requester(c) == "" {
		renderError(ErrNotLoggedIn, c)
		c.Abort()
		return
	}
	c.Next()
}

func requester(c *gin.Context) string {
	return c.GetString(keyRequester)
}

func startSession(c *gin.Context, username string) error {
	session := sessions.Default(c)
	session.Set(sessionKeyUser, username)
	return session.Save()
}

func endSession(c *gin.Context) error {
	session := sessions.Default(c)
	session.Clear()
	session.Options(sessions.Options{Path: "/", MaxAge: -1})
	return session.Save()
}

func createUserAPI(s *Server) {
	user := s.Engine.Group("/user", s.identify)
	{
		user.POST("/register", s.handleRegister)
		user.POST("/login", s.handleLogin)
		user.POST("/logout", requireUser, s.handleLogout)
	}
}

func createMediaAPI(s *Server) {
	m := s.Engine.Group("/media", s.identify)
	{
		m.GET("", requireUser, s.handleListOwned)
		m.POST("/upload", requireUser, s.handleUpload)
		m.GET("/:id", s.handleFetch)
		m.PUT("/:id", s.handleOverwrite)
		m.PUT("/:id/access", requireUser, s.handleUpdateAccess)
		m.PUT("/:id/grants/:user", requireUser, s.handleGrant)
		m.DELETE("/:id/grants/:user", requireUser, s.handleRevoke)
	}
}
