package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/autoaccept/cdpdriver/api/handlers"
	"github.com/autoaccept/cdpdriver/config"
	"github.com/autoaccept/cdpdriver/internal/ctxkeys"
	"github.com/autoaccept/cdpdriver/types"
)

// Middleware 类型定义
type Middleware func(http.Handler) http.Handler

// Chain 将多个中间件串联，第一个中间件位于最外层
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// Recovery panic 恢复中间件
func Recovery(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}
					logger.Error("panic recovered", zap.Any("error", err), zap.String("path", r.URL.Path))
					handlers.WriteError(w, r, types.NewError(types.ErrInternalError, "internal server error"), nil)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestID 为每个请求分配 X-Request-ID 并写入 context，客户端提供的值会被保留
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" || len(id) > 128 {
				id = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", id)
			next.ServeHTTP(w, r.WithContext(ctxkeys.WithRequestID(r.Context(), id)))
		})
	}
}

// SecurityHeaders adds common security response headers to every request.
func SecurityHeaders() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("Referrer-Policy", "no-referrer")
			w.Header().Set("Content-Security-Policy", "default-src 'none'")
			w.Header().Set("Cache-Control", "no-store")
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger 请求日志中间件
func RequestLogger(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := handlers.NewResponseWriter(w)
			next.ServeHTTP(rw, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.StatusCode),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
			}
			if id, ok := ctxkeys.RequestID(r.Context()); ok {
				fields = append(fields, zap.String("request_id", id))
			}
			logger.Info("request", fields...)
		})
	}
}

// =============================================================================
// MetricsMiddleware: records HTTP request metrics via metrics.Collector
// =============================================================================

// HTTPRecorder 接收 HTTP 请求指标，*metrics.Collector 实现它
type HTTPRecorder interface {
	RecordHTTPRequest(method, path string, status int, duration time.Duration, responseSize int64)
}

// MetricsMiddleware records request duration, status and response size.
// Paths outside the known route set share one label value.
func MetricsMiddleware(recorder HTTPRecorder) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := handlers.NewResponseWriter(w)
			next.ServeHTTP(rw, r)

			recorder.RecordHTTPRequest(
				r.Method,
				normalizePath(r.URL.Path),
				rw.StatusCode,
				time.Since(start),
				rw.BytesWritten,
			)
		})
	}
}

// knownRoutes 是会作为独立指标标签的路径
var knownRoutes = map[string]struct{}{
	"/health": {}, "/healthz": {}, "/ready": {}, "/readyz": {}, "/version": {},
	"/api/v1/status": {}, "/api/v1/available": {}, "/api/v1/sessions": {},
	"/api/v1/start": {}, "/api/v1/stop": {}, "/api/v1/rescan": {},
	"/api/v1/stats": {}, "/api/v1/stats/summary": {}, "/api/v1/stats/away": {}, "/api/v1/stats/reset": {},
	"/api/v1/focus": {}, "/api/v1/overlay/hide": {},
	"/api/v1/config": {}, "/api/v1/config/changes": {}, "/api/v1/config/reload": {}, "/api/v1/config/behavior": {},
}

// normalizePath keeps Prometheus label cardinality bounded.
func normalizePath(path string) string {
	if _, ok := knownRoutes[path]; ok {
		return path
	}
	return "unmatched"
}

// =============================================================================
// OTelTracing: OpenTelemetry HTTP tracing middleware
// =============================================================================

// OTelTracing creates a server span per request, continuing any trace
// propagated in the request headers. The trace id is also stored in the
// request context for logging.
func OTelTracing() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			tracer := otel.Tracer("github.com/autoaccept/cdpdriver/http")
			ctx, span := tracer.Start(ctx, r.Method+" "+normalizePath(r.URL.Path),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			if sc := span.SpanContext(); sc.HasTraceID() {
				ctx = ctxkeys.WithTraceID(ctx, sc.TraceID().String())
			}

			rw := handlers.NewResponseWriter(w)
			next.ServeHTTP(rw, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.response.status_code", rw.StatusCode))
			if rw.StatusCode >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rw.StatusCode))
			}
		})
	}
}

// =============================================================================
// RateLimiter: per-IP token bucket
// =============================================================================

// RateLimiter 基于 IP 的请求限流中间件；rps <= 0 时不限流。
// 过期 visitor 的清理在 ctx 结束时停止。
func RateLimiter(ctx context.Context, rps float64, burst int, logger *zap.Logger) Middleware {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if burst < 1 {
		burst = 1
	}

	type visitor struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}
	var (
		mu       sync.Mutex
		visitors = make(map[string]*visitor)
	)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mu.Lock()
				for ip, v := range visitors {
					if time.Since(v.lastSeen) > 3*time.Minute {
						delete(visitors, ip)
					}
				}
				mu.Unlock()
			}
		}
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}
			mu.Lock()
			v, exists := visitors[ip]
			if !exists {
				v = &visitor{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
				visitors[ip] = v
			}
			v.lastSeen = time.Now()
			mu.Unlock()

			if !v.limiter.Allow() {
				logger.Debug("request rate limited", zap.String("ip", ip))
				handlers.WriteError(w, r, types.NewError(types.ErrRateLimited, "too many requests").
					WithRetryable(true), nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// =============================================================================
// Authentication: API key and JWT bearer tokens
// =============================================================================

// Authenticator 检查请求凭据，成功时返回携带调用方信息的 context
type Authenticator func(r *http.Request) (context.Context, bool)

// APIKeyAuthenticator 校验 X-API-Key 头
func APIKeyAuthenticator(validKeys []string) Authenticator {
	keySet := make(map[string]struct{}, len(validKeys))
	for _, k := range validKeys {
		if k != "" {
			keySet[k] = struct{}{}
		}
	}
	return func(r *http.Request) (context.Context, bool) {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			return nil, false
		}
		if _, ok := keySet[key]; !ok {
			return nil, false
		}
		return ctxkeys.WithSubject(r.Context(), "api-key"), true
	}
}

// JWTAuthenticator 校验 Authorization: Bearer 中的 HS256 令牌，
// 配置了 issuer/audience 时一并校验。sub 声明写入 context。
func JWTAuthenticator(cfg config.JWTConfig, logger *zap.Logger) Authenticator {
	secret := []byte(cfg.Secret)

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(parserOpts...)

	keyFunc := func(token *jwt.Token) (any, error) {
		if len(secret) == 0 {
			return nil, errors.New("HMAC secret not configured")
		}
		return secret, nil
	}

	return func(r *http.Request) (context.Context, bool) {
		authHeader := r.Header.Get("Authorization")
		tokenStr, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || tokenStr == "" {
			return nil, false
		}

		claims := &jwt.RegisteredClaims{}
		token, err := parser.ParseWithClaims(tokenStr, claims, keyFunc)
		if err != nil || !token.Valid {
			logger.Debug("JWT validation failed", zap.Error(err))
			return nil, false
		}

		ctx := r.Context()
		if claims.Subject != "" {
			ctx = ctxkeys.WithSubject(ctx, claims.Subject)
		}
		return ctx, true
	}
}

// RequireAuth 要求请求通过任一 Authenticator；skipPaths 中的路径无需认证。
// 没有 Authenticator 时不做任何检查。
func RequireAuth(skipPaths []string, logger *zap.Logger, auths ...Authenticator) Middleware {
	if len(auths) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	skipSet := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skipSet[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, skip := skipSet[r.URL.Path]; skip {
				next.ServeHTTP(w, r)
				return
			}
			for _, auth := range auths {
				if ctx, ok := auth(r); ok {
					if sub, ok := ctxkeys.Subject(ctx); ok {
						logger.Debug("request authenticated", zap.String("subject", sub), zap.String("path", r.URL.Path))
					}
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}
			logger.Debug("unauthenticated request", zap.String("path", r.URL.Path))
			handlers.WriteError(w, r, types.NewError(types.ErrUnauthorized, "invalid or missing credentials"), nil)
		})
	}
}

// APIKeyAuth API Key 认证中间件
func APIKeyAuth(validKeys []string, skipPaths []string, logger *zap.Logger) Middleware {
	return RequireAuth(skipPaths, logger, APIKeyAuthenticator(validKeys))
}

// JWTAuth JWT Bearer 认证中间件
func JWTAuth(cfg config.JWTConfig, skipPaths []string, logger *zap.Logger) Middleware {
	return RequireAuth(skipPaths, logger, JWTAuthenticator(cfg, logger))
}

// authenticators 按配置构建认证器：API Key 与 JWT 任一通过即可
func authenticators(cfg config.ServerConfig, logger *zap.Logger) []Authenticator {
	var auths []Authenticator
	if len(cfg.APIKeys) > 0 {
		auths = append(auths, APIKeyAuthenticator(cfg.APIKeys))
	}
	if cfg.JWT.Enabled() {
		auths = append(auths, JWTAuthenticator(cfg.JWT, logger))
	}
	return auths
}

// describeAuth 返回认证方式的日志描述
func describeAuth(cfg config.ServerConfig) string {
	var modes []string
	if len(cfg.APIKeys) > 0 {
		modes = append(modes, fmt.Sprintf("api_key(%d)", len(cfg.APIKeys)))
	}
	if cfg.JWT.Enabled() {
		modes = append(modes, "jwt")
	}
	if len(modes) == 0 {
		return "none"
	}
	return strings.Join(modes, "+")
}
