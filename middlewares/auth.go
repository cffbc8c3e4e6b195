package middlewares

import (
	"net/http"
	"strings"

	"github.com/dgrijalva/jwt-go"
	"github.com/factorysh/maintenance/owner"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Auth ensures a valid JWT bearer token, signed with key, and puts its owner in the context
func Auth(key string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := r.Header.Get("Authorization")
			if h == "" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}

			bToken := strings.Split(h, " ")
			if len(bToken) != 2 || !strings.EqualFold(bToken[0], "bearer") {
				w.WriteHeader(http.StatusBadRequest)
				return
			}

			t, err := jwt.Parse(bToken[1], func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, errors.Errorf("Unexpected signing method: %v", token.Header["alg"])
				}

				return []byte(key), nil
			})
			if err != nil || !t.Valid {
				log.WithError(err).WithField("path", r.URL.Path).Warning("Bad token")
				w.WriteHeader(http.StatusUnauthorized)
				return
			}

			claims, ok := t.Claims.(jwt.MapClaims)
			if !ok {
				w.WriteHeader(http.StatusBadRequest)
				return
			}

			u, err := owner.FromJWT(claims)
			if err != nil {
				log.WithError(err).Warning("Bad claims")
				w.WriteHeader(http.StatusBadRequest)
				return
			}

			next.ServeHTTP(w, r.WithContext(u.ToCtx(r.Context())))
		})
	}
}
