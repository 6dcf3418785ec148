package core

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"aisaas/internal/types"
)

// authScope is the path namespace AuthMiddleware guards. Root routes are
// public or check their own shared secrets (cron, Stripe), and unmatched
// root paths fall through to the JSON 404 handler.
const authScope = "/v1"

func isPublicPath(path string) bool {
	return path != authScope && !strings.HasPrefix(path, authScope+"/")
}

// AuthMiddleware resolves the Bearer token to an Actor and stores it in the
// request context.
//
// Responses on failure are 401 with:
//   - auth_token_missing: no Authorization header or empty Bearer token.
//   - auth_token_invalid: token unknown, malformed, expired or revoked.
//
// Public paths pass through anonymously. When no Authenticator is
// configured, every request passes.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Authenticator == nil || isPublicPath(r.URL.Path) || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Authorization header is required")
			return
		}

		token := extractBearerToken(authHeader)
		if token == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Bearer token is required")
			return
		}

		actor, err := s.Authenticator.ResolveToken(r.Context(), token)
		if err != nil {
			s.handleAuthError(w, r, err)
			return
		}
		if actor == nil {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid authentication token")
			return
		}

		ctx := types.WithActor(r.Context(), *actor)
		ctx = types.WithLogger(ctx, types.LoggerFromContext(ctx, s.Logger).With("user_id", actor.ID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractBearerToken returns the token of a "Bearer <token>" header value.
// The scheme is matched case-insensitively per RFC 7235.
func extractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) {
		return ""
	}
	if !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

func (s *Server) handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	log := types.LoggerFromContext(r.Context(), s.Logger)

	var appErr *types.AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case types.ErrCodeAuthTokenInvalid, types.ErrCodeAuthTokenRevoked:
			log.Warn("authentication failed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("error_code", string(appErr.Code)),
			)
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid authentication token")
			return
		}
	}

	log.Error("authentication failed: unexpected error",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Authentication failed")
}

func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, code types.ErrorCode, message string) {
	JSON(w, r, http.StatusUnauthorized, APIErrorResponse{
		Error: ErrorDetail{
			Code:      string(code),
			Message:   message,
			RequestID: types.GetRequestID(r.Context()),
		},
	})
}

// RequireActor rejects requests that reached the handler without an Actor.
// It guards routes when AuthMiddleware runs without an Authenticator.
func (s *Server) RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := types.GetActor(r.Context()); !ok {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin allows only actors with the ADMIN role. System actors pass.
func (s *Server) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := types.GetActor(r.Context())
		if !ok {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Authentication required")
			return
		}
		if actor.Type == types.ActorTypeSystem || actor.IsAdmin() {
			next.ServeHTTP(w, r)
			return
		}
		JSON(w, r, http.StatusForbidden, APIErrorResponse{
			Error: ErrorDetail{
				Code:      string(types.ErrCodePermissionRole),
				Message:   "Admin role required",
				RequestID: types.GetRequestID(r.Context()),
			},
		})
	})
}
