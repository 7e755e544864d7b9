package server

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"

	"chatter/models"
	"chatter/store"
)

type createRequest struct {
	ID   string          `json:"id" binding:"required"`
	Data json.RawMessage `json:"data" binding:"required"`
}

func (s *Server) createRecord(c *gin.Context) {
	collection := c.Param("collection")
	userID := currentUserID(c)

	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	var doc map[string]any
	if err := json.Unmarshal(req.Data, &doc); err != nil {
		badRequest(c, "record data is not a JSON object")
		return
	}
	if !mayWrite(userID, collection, doc) {
		forbidden(c, "not allowed to create this record")
		return
	}

	err := s.store.Create(c.Request.Context(), collection, store.Record{ID: req.ID, Data: req.Data})
	switch {
	case errors.Is(err, store.ErrExists):
		conflict(c, "record already exists")
	case err != nil:
		internalError(c, "store error")
	default:
		ok(c, gin.H{"id": req.ID})
	}
}

func (s *Server) getRecord(c *gin.Context) {
	rec, err := s.store.GetOnce(c.Request.Context(), c.Param("collection"), c.Param("id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		notFound(c, "record not found")
	case err != nil:
		internalError(c, "store error")
	default:
		ok(c, rec)
	}
}

func (s *Server) updateRecord(c *gin.Context) {
	collection := c.Param("collection")
	id := c.Param("id")
	userID := currentUserID(c)

	var patch map[string]any
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, err.Error())
		return
	}

	if allowed, err := s.mayMutate(c, userID, collection, id); err != nil {
		return
	} else if !allowed {
		forbidden(c, "not allowed to modify this record")
		return
	}

	err := s.store.Update(c.Request.Context(), collection, id, patch)
	switch {
	case errors.Is(err, store.ErrNotFound):
		notFound(c, "record not found")
	case err != nil:
		internalError(c, "store error")
	default:
		ok(c, gin.H{"id": id})
	}
}

type incrementRequest struct {
	Field string `json:"field" binding:"required"`
	Delta int    `json:"delta"`
}

func (s *Server) incrementField(c *gin.Context) {
	collection := c.Param("collection")
	id := c.Param("id")
	userID := currentUserID(c)

	var req incrementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	if allowed, err := s.mayMutate(c, userID, collection, id); err != nil {
		return
	} else if !allowed {
		forbidden(c, "not allowed to modify this record")
		return
	}

	err := s.store.Increment(c.Request.Context(), collection, id, req.Field, req.Delta)
	switch {
	case errors.Is(err, store.ErrNotFound):
		notFound(c, "record not found")
	case err != nil:
		internalError(c, "store error")
	default:
		ok(c, gin.H{"id": id})
	}
}

func (s *Server) deleteRecord(c *gin.Context) {
	collection := c.Param("collection")
	id := c.Param("id")
	userID := currentUserID(c)

	if allowed, err := s.mayMutate(c, userID, collection, id); err != nil {
		return
	} else if !allowed {
		forbidden(c, "not allowed to delete this record")
		return
	}

	err := s.store.Delete(c.Request.Context(), collection, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		notFound(c, "record not found")
	case err != nil:
		internalError(c, "store error")
	default:
		ok(c, nil)
	}
}

// mayMutate loads the existing record and checks membership. It writes
// the error response itself when the lookup fails.
func (s *Server) mayMutate(c *gin.Context, userID, collection, id string) (bool, error) {
	rec, err := s.store.GetOnce(c.Request.Context(), collection, id)
	if errors.Is(err, store.ErrNotFound) {
		notFound(c, "record not found")
		return false, err
	}
	if err != nil {
		internalError(c, "store error")
		return false, err
	}
	var doc map[string]any
	if err := json.Unmarshal(rec.Data, &doc); err != nil {
		internalError(c, "corrupt record")
		return false, err
	}
	return mayWrite(userID, collection, doc), nil
}

// mayWrite is the development-grade authorization rule set: a signed-in
// user may touch records they participate in. Notifications may be
// created for anyone (clients notify their counterpart) but only the
// recipient may modify them afterwards.
func mayWrite(userID, collection string, doc map[string]any) bool {
	field := func(name string) string {
		v, _ := doc[name].(string)
		return v
	}
	switch collection {
	case models.CollectionUsers:
		return field("id") == userID
	case models.CollectionFriendRequest:
		return field("sender_id") == userID || field("receiver_id") == userID
	case models.CollectionFriendships:
		return field("user1_id") == userID || field("user2_id") == userID
	case models.CollectionConversations:
		arr, _ := doc["participants"].([]any)
		for _, p := range arr {
			if p == userID {
				return true
			}
		}
		return false
	case models.CollectionMessages:
		return field("sender_id") == userID || field("receiver_id") == userID
	case models.CollectionNotifications:
		return true
	}
	return false
}
