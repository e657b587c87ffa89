package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"duel/internal/admission"
)

func TestClientIdentity(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/matches/open", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	require.Equal(t, "10.0.0.1:1234", clientIdentity(r))

	r.Header.Set("X-Real-IP", "9.9.9.9")
	require.Equal(t, "9.9.9.9", clientIdentity(r))

	// Forwarded header wins, first hop is the client
	r.Header.Set("X-Forwarded-For", "1.2.3.4, 5.6.7.8")
	require.Equal(t, "1.2.3.4", clientIdentity(r))
}

func TestRequestCategory(t *testing.T) {
	cases := []struct {
		method string
		path   string
		want   admission.Category
	}{
		{http.MethodPost, "/api/matches", admission.CategoryMatchCreate},
		{http.MethodPost, "/api/matches/m1/actions", admission.CategoryAction},
		{http.MethodPost, "/api/matches/m1/join", admission.CategoryGeneral},
		{http.MethodGet, "/api/matches", admission.CategoryGeneral},
		{http.MethodGet, "/api/matches/open", admission.CategoryGeneral},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(tc.method, tc.path, nil)
		require.Equal(t, tc.want, requestCategory(r), "%s %s", tc.method, tc.path)
	}
}

func TestAdmissionMiddleware(t *testing.T) {
	limiter := admission.NewLimiter(map[admission.Category]admission.Limit{
		admission.CategoryGeneral: {Capacity: 2, RefillPerSec: 0.01},
	}, admission.Limit{})
	defer limiter.Stop()

	handler := admissionMiddleware(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func() int {
		r := httptest.NewRequest(http.MethodGet, "/api/matches/open", nil)
		r.RemoteAddr = "10.0.0.1:1234"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		return w.Code
	}

	require.Equal(t, http.StatusOK, do())
	require.Equal(t, http.StatusOK, do())
	require.Equal(t, http.StatusTooManyRequests, do())

	// A different client is unaffected
	r := httptest.NewRequest(http.MethodGet, "/api/matches/open", nil)
	r.RemoteAddr = "10.0.0.2:1234"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)
}
