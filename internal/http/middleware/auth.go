package middleware

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chatroom-backend/internal/identity"
)

// Context keys set by Authenticate.
const (
	ctxKeyUserID = "userID"
	ctxKeyTier   = "tier"
)

// HeaderUserID carries the caller id when the header identity provider is
// configured (local development).
const HeaderUserID = "X-User-ID"

// Authenticate resolves the caller through p and stores it on both the Gin
// context ("userID", "tier") and the request context (identity.FromContext).
//
// The credential is the bearer token when an Authorization header is
// present, otherwise the X-User-ID header. Which one is acceptable is up to
// the provider. Any failure aborts with 401, except a store failure which
// aborts with 500.
func Authenticate(p identity.Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		cred, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			cred = c.GetHeader(HeaderUserID)
		}

		caller, err := p.ResolveCaller(c.Request.Context(), cred)
		if err != nil {
			rid := c.Writer.Header().Get(requestIDHeader)
			if errors.Is(err, identity.ErrUnauthenticated) {
				rejected.WithLabelValues(rejectUnauthenticated).Inc()
				c.Header("WWW-Authenticate", `Bearer realm="chatroom"`)
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"request_id": rid,
					"code":       "unauthorized",
					"message":    "missing or invalid credentials",
				})
				return
			}
			LoggerFrom(c).Error().Err(err).Msg("resolve caller")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"request_id": rid,
				"code":       "internal_error",
				"message":    "internal server error",
			})
			return
		}

		c.Set(ctxKeyUserID, caller.UserID)
		c.Set(ctxKeyTier, string(caller.Tier))
		c.Request = c.Request.WithContext(identity.WithCaller(c.Request.Context(), caller))
		c.Next()
	}
}

// bearerToken extracts the token from an "Authorization: Bearer <t>" value.
func bearerToken(h string) (string, bool) {
	scheme, tok, found := strings.Cut(strings.TrimSpace(h), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}

// RequireToken guards operator routes with a shared secret carried in
// header. An empty token rejects every request.
func RequireToken(header, token string) gin.HandlerFunc {
	want := []byte(token)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader(header))
		if len(want) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
			rejected.WithLabelValues(rejectForbidden).Inc()
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       "forbidden",
				"message":    "invalid internal token",
			})
			return
		}
		c.Next()
	}
}
