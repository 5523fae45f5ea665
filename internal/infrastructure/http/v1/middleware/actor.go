package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	appctx "markhub/internal/core/context"
)

// HeaderActorID names the operator on whose behalf the request runs.
const HeaderActorID = "X-Actor-ID"

// Actor puts the request initiator into the request context. Requests
// without the header run as the API system actor.
func Actor() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := appctx.SystemActor("api")
		if v := strings.TrimSpace(c.GetHeader(HeaderActorID)); v != "" {
			actor = &appctx.Actor{ID: v, Kind: appctx.ActorOperator}
		}
		c.Request = c.Request.WithContext(appctx.WithActor(c.Request.Context(), actor))
		c.Set("actor_id", actor.ID)
		c.Next()
	}
}
