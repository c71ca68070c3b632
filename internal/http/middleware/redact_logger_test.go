package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func bufLogger() (*bytes.Buffer, *zerolog.Logger) {
	var buf bytes.Buffer
	l := zerolog.New(&buf)
	return &buf, &l
}

func TestRedactingLogger_RedactsAndRecordsCaller(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf, lg := bufLogger()

	r := gin.New()
	r.Use(func(c *gin.Context) { c.Header("X-Request-ID", "rid-resp"); c.Next() })
	r.Use(RedactingLogger(RedactOptions{MaskHeaders: []string{"X-Api-Key"}, Logger: lg}))
	r.Use(func(c *gin.Context) { c.Set(ctxKeyUserID, "u-42"); c.Set(ctxKeyTier, "Pro"); c.Next() })
	r.GET("/chatrooms/:id", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	q := "email=a.b+tag@example.com&phone=+1-555-123-4567&id=123e4567-e89b-12d3-a456-426614174000"
	req := httptest.NewRequest(http.MethodGet, "/chatrooms/123?"+q, nil)
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("Cookie", "sid=topsecret")
	req.Header.Set("X-Internal-Token", "ops")
	req.Header.Set("X-Api-Key", "shhh")
	req.Header.Set("X-Custom", "email a@b.com id=123e4567-e89b-12d3-a456-426614174000 phone 555-123-4567")
	req.Header.Set("X-Request-ID", "rid-req")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	logs := buf.String()
	for _, want := range []string{
		`"level":"info"`,
		`"route":"/chatrooms/:id"`,
		`"request_id":"rid-resp"`,
		`"user_id":"u-42"`,
		`"tier":"Pro"`,
		`[REDACTED:email]`,
		`[REDACTED:phone]`,
		`[REDACTED:id]`,
		`"Authorization":"[REDACTED]"`,
		`"Cookie":"[REDACTED]"`,
		`"X-Internal-Token":"[REDACTED]"`,
		`"X-Api-Key":"[REDACTED]"`,
		`"X-Custom":"email [REDACTED:email] id=[REDACTED:id] phone [REDACTED:phone]"`,
	} {
		if !strings.Contains(logs, want) {
			t.Fatalf("missing %s in log: %s", want, logs)
		}
	}
	for _, leak := range []string{"secret", "topsecret", "shhh", "example.com"} {
		if strings.Contains(logs, leak) {
			t.Fatalf("log leaked %q: %s", leak, logs)
		}
	}
}

func TestRedactingLogger_LevelsAndRequestIDFallback(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf, lg := bufLogger()

	r := gin.New()
	r.Use(RedactingLogger(RedactOptions{Logger: lg}))
	r.GET("/warn", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	r.GET("/error", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })
	r.GET("/attached", func(c *gin.Context) {
		_ = c.Error(errAttached{})
		c.Status(http.StatusBadRequest)
	})

	for path, rid := range map[string]string{"/warn": "rid-warn", "/error": "rid-err", "/attached": "rid-att"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("X-Request-ID", rid)
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("want 3 log lines, got %d: %s", len(lines), buf.String())
	}
	find := func(rid string) string {
		for _, l := range lines {
			if strings.Contains(l, `"request_id":"`+rid+`"`) {
				return l
			}
		}
		t.Fatalf("no line for %s", rid)
		return ""
	}
	if l := find("rid-warn"); !strings.Contains(l, `"level":"warn"`) {
		t.Fatalf("404 should log at warn: %s", l)
	}
	if l := find("rid-err"); !strings.Contains(l, `"level":"error"`) {
		t.Fatalf("500 should log at error: %s", l)
	}
	if l := find("rid-att"); !strings.Contains(l, `"level":"error"`) || !strings.Contains(l, "attached boom") {
		t.Fatalf("attached errors should log at error: %s", l)
	}
}

func TestRedactingLogger_InstallsRequestScopedLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf, lg := bufLogger()

	r := gin.New()
	r.Use(RequestID())
	r.Use(RedactingLogger(RedactOptions{Logger: lg}))
	r.GET("/use", func(c *gin.Context) {
		LoggerFrom(c).Info().Msg("from handler")
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/use", nil)
	req.Header.Set("X-Request-ID", "scoped-1")
	r.ServeHTTP(httptest.NewRecorder(), req)

	first := strings.SplitN(buf.String(), "\n", 2)[0]
	if !strings.Contains(first, `"message":"from handler"`) || !strings.Contains(first, `"request_id":"scoped-1"`) {
		t.Fatalf("handler log should carry request fields: %s", first)
	}
}

func TestRedact(t *testing.T) {
	cases := []struct{ in, want string }{
		{"", ""},
		{"plain", "plain"},
		{"mail me@x.io", "mail [REDACTED:email]"},
		{"call 212 555 1212", "call [REDACTED:phone]"},
		{"room 0f8fad5b-d9cb-469f-a165-70867728950e", "room [REDACTED:id]"},
	}
	for _, tc := range cases {
		if got := redact(tc.in); got != tc.want {
			t.Fatalf("redact(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

type errAttached struct{}

func (errAttached) Error() string { return "attached boom" }
