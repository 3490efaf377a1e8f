package api

import (
	"crypto/subtle"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
)

const authRealm = `Basic realm="Sideband API"`

// basicAuth checks credentials on operations that declare security. SSE
// clients that cannot set headers may pass base64(user:pass) as ?auth=.
func basicAuth(api huma.API, username, password string) func(huma.Context, func(huma.Context)) {
	want := []byte(username + ":" + password)
	reject := func(ctx huma.Context, msg string, errs ...error) {
		ctx.SetHeader("WWW-Authenticate", authRealm)
		_ = huma.WriteErr(api, ctx, http.StatusUnauthorized, msg, errs...)
	}

	return func(ctx huma.Context, next func(huma.Context)) {
		if op := ctx.Operation(); op != nil && len(op.Security) == 0 {
			next(ctx)
			return
		}

		encoded := ctx.Query("auth")
		if header := ctx.Header("Authorization"); header != "" {
			var ok bool
			if encoded, ok = strings.CutPrefix(header, "Basic "); !ok {
				reject(ctx, "Unsupported authorization scheme")
				return
			}
		}
		if encoded == "" {
			reject(ctx, "Authentication required")
			return
		}
		got, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			reject(ctx, "Malformed credentials", err)
			return
		}
		if subtle.ConstantTimeCompare(got, want) != 1 {
			reject(ctx, "Invalid credentials")
			return
		}
		next(ctx)
	}
}

// requestLogger logs each request at a level derived from its status.
func requestLogger(logger *slog.Logger) func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		start := time.Now()
		next(ctx)

		status := ctx.Status()
		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		case ctx.Method() == http.MethodOptions || strings.HasPrefix(ctx.URL().Path, "/api/health"):
			level = slog.LevelDebug
		}

		attrs := []slog.Attr{
			slog.String("method", ctx.Method()),
			slog.String("path", ctx.URL().Path),
			slog.Int("status", status),
			slog.Duration("duration", time.Since(start)),
			slog.String("remote_addr", ctx.RemoteAddr()),
		}
		if q := ctx.URL().RawQuery; q != "" && !strings.Contains(q, "auth=") {
			attrs = append(attrs, slog.String("query", q))
		}
		logger.LogAttrs(ctx.Context(), level, "HTTP request", attrs...)
	}
}

// cors is a permissive policy for tools on other origins.
type cors struct {
	origin  string
	methods string
	headers string
	maxAge  string
}

func defaultCORS() cors {
	return cors{
		origin:  "*",
		methods: strings.Join([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}, ", "),
		headers: strings.Join([]string{"Content-Type", "Authorization", "Accept", "Origin"}, ", "),
		maxAge:  strconv.Itoa(int((24 * time.Hour).Seconds())),
	}
}

func (c cors) set(h func(key, value string)) {
	h("Access-Control-Allow-Origin", c.origin)
	h("Access-Control-Allow-Methods", c.methods)
	h("Access-Control-Allow-Headers", c.headers)
	h("Access-Control-Max-Age", c.maxAge)
}

func (c cors) middleware(ctx huma.Context, next func(huma.Context)) {
	c.set(ctx.SetHeader)
	next(ctx)
}

// preflight answers OPTIONS on the mux; huma middleware never sees requests
// that match no operation.
func (c cors) preflight(mux *http.ServeMux) {
	mux.HandleFunc("OPTIONS /", func(w http.ResponseWriter, _ *http.Request) {
		c.set(w.Header().Set)
		w.WriteHeader(http.StatusNoContent)
	})
}
