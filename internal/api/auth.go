package api

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/juju/errors"
)

// authMiddleware accepts HS256 bearer tokens signed with shared secret.
type authMiddleware struct {
	secret []byte
	parser *jwt.Parser
}

func newAuthMiddleware(secret []byte) *authMiddleware {
	return &authMiddleware{
		secret: secret,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}
}

func (self *authMiddleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := self.verify(r); err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="labpsu"`)
			writeText(w, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
			return
		}
		next(w, r)
	}
}

func (self *authMiddleware) verify(r *http.Request) error {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return errors.NotValidf("authorization header")
	}
	token, err := self.parser.Parse(strings.TrimSpace(h[len(prefix):]), func(*jwt.Token) (interface{}, error) {
		return self.secret, nil
	})
	if err != nil {
		return errors.Annotate(err, "jwt")
	}
	if !token.Valid {
		return errors.NotValidf("jwt")
	}
	return nil
}
