package middlewares

import (
	"fmt"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dgrijalva/jwt-go"
	"github.com/factorysh/maintenance/owner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(t *testing.T, key string, claims jwt.MapClaims) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	blob, err := token.SignedString([]byte(key))
	require.NoError(t, err)
	return "Bearer " + blob
}

func TestAuth(t *testing.T) {
	key := "plop"
	ts := httptest.NewServer(Auth(key)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, err := owner.FromCtx(r.Context())
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, u.Name)
	})))
	defer ts.Close()

	res, err := http.Get(ts.URL)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	for name, tc := range map[string]struct {
		authorization string
		status        int
	}{
		"valid":      {sign(t, key, jwt.MapClaims{"owner": "bob"}), http.StatusOK},
		"bad key":    {sign(t, "nope", jwt.MapClaims{"owner": "bob"}), http.StatusUnauthorized},
		"no owner":   {sign(t, key, jwt.MapClaims{"admin": true}), http.StatusBadRequest},
		"not bearer": {"Basic Ym9iOnBsb3A=", http.StatusBadRequest},
		"garbage":    {"Bearer plop", http.StatusUnauthorized},
	} {
		t.Run(name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, ts.URL, nil)
			require.NoError(t, err)
			req.Header.Set("Authorization", tc.authorization)
			res, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer res.Body.Close()
			assert.Equal(t, tc.status, res.StatusCode)
			if tc.status == http.StatusOK {
				body, err := ioutil.ReadAll(res.Body)
				require.NoError(t, err)
				assert.Equal(t, "bob", string(body))
			}
		})
	}
}
