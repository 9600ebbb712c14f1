// Package httpapi mounts the five engine operations — post, get, delete,
// discover, continue — as gin routes.
package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/graffitidb/engine/internal/model"
)

const contextKeySession = "graffiti.session"

// AuthMiddleware resolves a model.Session from the Authorization header.
// The bearer token is taken as the actor identity directly: this engine
// has no opinion on how an actor string was authenticated upstream, so
// resolver is a hook for callers that need to exchange the token for a
// verified actor id (OIDC, an API-key table, mTLS subject, ...). A nil
// resolver treats the token itself as the actor.
//
// A missing Authorization header is not rejected here — it resolves to
// the anonymous session, since get/discover are valid for anonymous
// callers against public objects. post/delete reject anonymous sessions
// themselves.
func AuthMiddleware(resolver func(token string) (string, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := &model.Session{}

		auth := strings.TrimSpace(c.GetHeader("Authorization"))
		if auth != "" {
			token := strings.TrimPrefix(auth, "Bearer ")
			if token == auth {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid Authorization header; expected Bearer token"})
				return
			}
			actor := token
			if resolver != nil {
				resolved, err := resolver(token)
				if err != nil {
					c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
					return
				}
				actor = resolved
			}
			sess.Actor = actor
		}

		c.Set(contextKeySession, sess)
		c.Next()
	}
}

func sessionOf(c *gin.Context) *model.Session {
	v, ok := c.Get(contextKeySession)
	if !ok {
		return &model.Session{}
	}
	sess, _ := v.(*model.Session)
	if sess == nil {
		return &model.Session{}
	}
	return sess
}
