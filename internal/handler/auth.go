// internal/handler/auth.go
package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/models"
)

const actorKey = "actor"

// Claims are issued by the external auth service.
type Claims struct {
	Role   string `json:"role"`
	Active *bool  `json:"active,omitempty"`
	jwt.RegisteredClaims
}

// AuthRequired validates an HS256 bearer token and stores the caller as a
// models.Actor on the request context.
func AuthRequired(secret string) gin.HandlerFunc {
	key := []byte(secret)
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		tokenStr, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenStr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing auth"})
			return
		}

		claims := &Claims{}
		token, err := parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
			return key, nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		actor, err := actorFromClaims(claims)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(actorKey, actor)
		c.Next()
	}
}

// AdminRequired must run after AuthRequired.
func AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := ActorFrom(c)
		if !ok || !actor.IsAdmin() || !actor.Active {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

func ActorFrom(c *gin.Context) (models.Actor, bool) {
	v, ok := c.Get(actorKey)
	if !ok {
		return models.Actor{}, false
	}
	actor, ok := v.(models.Actor)
	return actor, ok
}

func actorFromClaims(claims *Claims) (models.Actor, error) {
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return models.Actor{}, errors.New("subject is not a user id")
	}

	role := models.RoleUser
	if claims.Role == string(models.RoleAdmin) {
		role = models.RoleAdmin
	}

	active := true
	if claims.Active != nil {
		active = *claims.Active
	}

	return models.Actor{ID: id, Role: role, Active: active}, nil
}
