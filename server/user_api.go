package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type credentialsRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type userResponse struct {
	Username string `json:"username"`
}

func bindCredentials(c *gin.Context) (*credentialsRequest, bool) {
	req := &credentialsRequest{}
	if err := c.ShouldBindJSON(req); err != nil {
		renderError(&Error{HTTPStatus: http.StatusBadRequest, Message: "Invalid credentials body: " + err.Error()}, c)
		return nil, false
	}
	if !validUsername(req.Username) {
		renderError(ErrInvalidUsername, c)
		return nil, false
	}
	return req, true
}

func (s *Server) handleRegister(c *gin.Context) {
	req, ok := bindCredentials(c)
	if !ok {
		return
	}
	u, err := s.media.Register(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		renderError(err, c)
		return
	}
	if err := startSession(c, u.Username); err != nil {
		renderError(err, c)
		return
	}
	c.JSON(http.StatusOK, userResponse{Username: u.Username})
}

func (s *Server) handleLogin(c *gin.Context) {
	req, ok := bindCredentials(c)
	if !ok {
		return
	}
	u, err := s.media.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		log.WithField("username", req.Username).Info("Failed login")
		renderError(err, c)
		return
	}
	if err := startSession(c, u.Username); err != nil {
		renderError(err, c)
		return
	}
	c.JSON(http.StatusOK, userResponse{Username: u.Username})
}

func (s *Server) handleLogout(c *gin.Context) {
	s.media.Logout(requester(c))
	if err := endSession(c); err != nil {
		renderError(err, c)
		return
	}
	c.Status(http.StatusOK)
}
