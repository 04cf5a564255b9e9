package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"inloop/internal/common/cache"
	"inloop/internal/testutil"
	pkgerrors "inloop/pkg/errors"
	"inloop/pkg/utils/contextkey"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
)

const (
	testSecret = "test-secret"
	testIssuer = "inloop"
)

func newToken(t *testing.T, secret, issuer, subject, role string, groups []string, ttl time.Duration) string {
	t.Helper()
	claims := tokenClaims{
		Role:   role,
		Groups: groups,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	testutil.MustNoError(t, err)
	return token
}

type envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func TestRequireAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	redisCache, err := cache.NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	testutil.MustNoError(t, err)
	auth := NewAuthenticator(testSecret, testIssuer, redisCache)

	router := gin.New()
	handler := func(c *gin.Context) {
		p, ok := PrincipalFrom(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Header("X-Principal", fmt.Sprintf("%d/%s/%s", p.ID, p.Role, strings.Join(p.Groups, ",")))
		c.Status(http.StatusOK)
	}
	router.GET("/me", RequireAuth(auth), handler)
	router.GET("/staff", RequireAuth(auth, RoleStaff), handler)

	student := newToken(t, testSecret, testIssuer, "42", "", []string{"ws24"}, time.Hour)
	staff := newToken(t, testSecret, testIssuer, "7", "staff", nil, time.Hour)
	expired := newToken(t, testSecret, testIssuer, "42", "", nil, -time.Minute)
	foreign := newToken(t, "other-secret", testIssuer, "42", "", nil, time.Hour)
	wrongIssuer := newToken(t, testSecret, "elsewhere", "42", "", nil, time.Hour)
	badSubject := newToken(t, testSecret, testIssuer, "bob", "", nil, time.Hour)
	revoked := newToken(t, testSecret, testIssuer, "43", "", nil, time.Hour)
	mr.Set(revokedTokenKeyPrefix+hashToken(revoked), "1")

	cases := []struct {
		name          string
		path          string
		header        string
		query         string
		wantStatus    int
		wantCode      pkgerrors.ErrorCode
		wantPrincipal string
	}{
		{name: "missing token", path: "/me", wantStatus: http.StatusUnauthorized, wantCode: pkgerrors.TokenInvalid},
		{name: "student", path: "/me", header: "Bearer " + student, wantStatus: http.StatusOK, wantPrincipal: "42/student/ws24"},
		{name: "query token", path: "/me", query: "?access_token=" + student, wantStatus: http.StatusOK, wantPrincipal: "42/student/ws24"},
		{name: "expired", path: "/me", header: "Bearer " + expired, wantStatus: http.StatusUnauthorized, wantCode: pkgerrors.TokenExpired},
		{name: "foreign signature", path: "/me", header: "Bearer " + foreign, wantStatus: http.StatusUnauthorized, wantCode: pkgerrors.TokenInvalid},
		{name: "wrong issuer", path: "/me", header: "Bearer " + wrongIssuer, wantStatus: http.StatusUnauthorized, wantCode: pkgerrors.TokenInvalid},
		{name: "non numeric subject", path: "/me", header: "Bearer " + badSubject, wantStatus: http.StatusUnauthorized, wantCode: pkgerrors.TokenInvalid},
		{name: "revoked", path: "/me", header: "Bearer " + revoked, wantStatus: http.StatusUnauthorized, wantCode: pkgerrors.TokenInvalid},
		{name: "student on staff route", path: "/staff", header: "Bearer " + student, wantStatus: http.StatusForbidden, wantCode: pkgerrors.PermissionDenied},
		{name: "staff", path: "/staff", header: "bearer " + staff, wantStatus: http.StatusOK, wantPrincipal: "7/staff/"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path+tc.query, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			testutil.AssertEqual(t, rec.Code, tc.wantStatus)
			if tc.wantCode != 0 {
				var body envelope
				testutil.MustNoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				testutil.AssertEqual(t, body.Code, int(tc.wantCode))
			}
			if tc.wantPrincipal != "" {
				testutil.AssertEqual(t, rec.Header().Get("X-Principal"), tc.wantPrincipal)
			}
		})
	}
}

func TestRequireAuthWithoutAuthenticator(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/me", RequireAuth(nil), func(c *gin.Context) { c.Status(http.StatusOK) })

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/me", nil))
	testutil.AssertEqual(t, rec.Code, http.StatusServiceUnavailable)
}

func TestTraceContextMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(TraceContextMiddleware())
	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "%v", c.Request.Context().Value(contextkey.TraceID))
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(traceIDHeader, "trace-123")
	router.ServeHTTP(rec, req)
	testutil.AssertEqual(t, rec.Body.String(), "trace-123")
	testutil.AssertEqual(t, rec.Header().Get(traceIDHeader), "trace-123")
	testutil.AssertTrue(t, rec.Header().Get(requestIDHeader) != "", "request id is generated")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	generated := rec.Header().Get(traceIDHeader)
	testutil.AssertTrue(t, generated != "", "trace id is generated")
	testutil.AssertEqual(t, rec.Body.String(), generated)
}
