package server

import (
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"chatter/identity"
	"chatter/models"
	"chatter/store"
)

// credentials are kept out of the user document so profile records can be
// read by other participants. Keyed by email.
const collectionCredentials = "credentials"

type credential struct {
	UserID       string `json:"user_id"`
	PasswordHash string `json:"password_hash"`
}

type registerRequest struct {
	Email       string `json:"email" binding:"required,email"`
	Password    string `json:"password" binding:"required,min=6"`
	DisplayName string `json:"display_name"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type authResponse struct {
	Token string              `json:"token"`
	User  models.UserResponse `json:"user"`
}

func (s *Server) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	email := strings.ToLower(req.Email)

	if _, err := s.store.GetOnce(c.Request.Context(), collectionCredentials, email); err == nil {
		conflict(c, "email already registered")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		internalError(c, "failed to hash password")
		return
	}

	displayName := req.DisplayName
	if displayName == "" {
		displayName, _, _ = strings.Cut(email, "@")
	}

	now := time.Now()
	user := models.User{
		ID:          uuid.New().String(),
		DisplayName: displayName,
		Email:       email,
		Online:      false,
		LastSeen:    now,
		CreatedAt:   now,
	}
	userRec, err := store.Encode(user.ID, user)
	if err == nil {
		err = s.store.Create(c.Request.Context(), models.CollectionUsers, userRec)
	}
	if err != nil {
		internalError(c, "failed to create user")
		return
	}

	credRec, err := store.Encode(email, credential{UserID: user.ID, PasswordHash: string(hash)})
	if err == nil {
		err = s.store.Create(c.Request.Context(), collectionCredentials, credRec)
	}
	if err != nil {
		internalError(c, "failed to store credentials")
		return
	}

	token, err := identity.GenerateToken(s.cfg.JWTSecret, user.ID)
	if err != nil {
		internalError(c, "failed to generate token")
		return
	}

	ok(c, authResponse{Token: token, User: *user.ToResponse()})
}

func (s *Server) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	email := strings.ToLower(req.Email)

	rec, err := s.store.GetOnce(c.Request.Context(), collectionCredentials, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			unauthorized(c, "invalid email or password")
			return
		}
		internalError(c, "store error")
		return
	}
	var cred credential
	if err := rec.Decode(&cred); err != nil {
		internalError(c, "corrupt credential record")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(req.Password)) != nil {
		unauthorized(c, "invalid email or password")
		return
	}

	userRec, err := s.store.GetOnce(c.Request.Context(), models.CollectionUsers, cred.UserID)
	if err != nil {
		internalError(c, "user record missing")
		return
	}
	var user models.User
	if err := userRec.Decode(&user); err != nil {
		internalError(c, "corrupt user record")
		return
	}

	token, err := identity.GenerateToken(s.cfg.JWTSecret, user.ID)
	if err != nil {
		internalError(c, "failed to generate token")
		return
	}

	ok(c, authResponse{Token: token, User: *user.ToResponse()})
}
