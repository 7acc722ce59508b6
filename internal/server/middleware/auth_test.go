package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClaims struct{ subject string }

func (c stubClaims) GetSubject() string { return c.subject }

type stubValidator struct {
	subject string
	err     error
}

func (v stubValidator) ValidateToken(tokenString string) (SubjectGetter, error) {
	if v.err != nil {
		return nil, v.err
	}
	return stubClaims{subject: v.subject}, nil
}

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		validator  stubValidator
		wantStatus int
	}{
		{
			name:       "valid bearer token",
			header:     "Bearer good-token",
			validator:  stubValidator{subject: "operator"},
			wantStatus: http.StatusOK,
		},
		{
			name:       "lowercase bearer prefix",
			header:     "bearer good-token",
			validator:  stubValidator{subject: "operator"},
			wantStatus: http.StatusOK,
		},
		{
			name:       "missing header",
			header:     "",
			validator:  stubValidator{subject: "operator"},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "wrong scheme",
			header:     "Basic dXNlcjpwYXNz",
			validator:  stubValidator{subject: "operator"},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "no token after prefix",
			header:     "Bearer",
			validator:  stubValidator{subject: "operator"},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "validator rejects token",
			header:     "Bearer bad-token",
			validator:  stubValidator{err: fmt.Errorf("token expired")},
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotSubject string
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				subject, err := GetSubject(r)
				require.NoError(t, err)
				gotSubject = subject
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodGet, "/protected", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			AuthMiddleware(tt.validator)(next).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, "operator", gotSubject)
			}
		})
	}
}

func TestGetSubjectWithoutMiddleware(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := GetSubject(req)
	assert.Error(t, err)
}
