package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/genledger/internal/observability/context"
)

const (
	HeaderOwnerID       = "X-Owner-ID"
	HeaderInternalToken = "X-Internal-Token"
	contextOwnerIDKey   = "owner_id"
	maxOwnerIDLength    = 128
)

var (
	ErrMissingOwner = errors.New("missing_owner")
	ErrInvalidOwner = errors.New("invalid_owner")
)

// OwnerResolver identifies the caller of an owner-scoped request.
type OwnerResolver interface {
	ResolveOwner(r *http.Request) (string, error)
}

// HeaderOwnerResolver trusts the owner header set by the upstream gateway.
type HeaderOwnerResolver struct {
	Header string
}

func NewHeaderOwnerResolver() OwnerResolver {
	return HeaderOwnerResolver{Header: HeaderOwnerID}
}

func (h HeaderOwnerResolver) ResolveOwner(r *http.Request) (string, error) {
	header := h.Header
	if header == "" {
		header = HeaderOwnerID
	}
	owner := strings.TrimSpace(r.Header.Get(header))
	switch {
	case owner == "":
		return "", ErrMissingOwner
	case len(owner) > maxOwnerIDLength, strings.ContainsAny(owner, " \t\r\n/"):
		return "", ErrInvalidOwner
	}
	return owner, nil
}

// OwnerRequired resolves the owner and stores it on the request context.
func (s *Server) OwnerRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, err := s.owners.ResolveOwner(c.Request)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.Set(contextOwnerIDKey, owner)
		c.Request = c.Request.WithContext(obscontext.WithOwnerID(c.Request.Context(), owner))
		c.Next()
	}
}

// InternalTokenRequired guards operator routes. With no token configured they are disabled.
func (s *Server) InternalTokenRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		expected := s.cfg.InternalToken
		if expected == "" {
			AbortWithError(c, ErrNotFound)
			return
		}
		got := strings.TrimSpace(c.GetHeader(HeaderInternalToken))
		if got == "" {
			if parts := strings.Fields(c.GetHeader("Authorization")); len(parts) == 2 && parts[0] == "Bearer" {
				got = parts[1]
			}
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}

func ownerFromContext(c *gin.Context) string {
	return obscontext.OwnerIDFromGin(c)
}
