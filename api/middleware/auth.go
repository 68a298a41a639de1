package middleware

import (
	"net/http"

	"github.com/angelmondragon/kluret-checkout/api/responses"
	"github.com/angelmondragon/kluret-checkout/pkg/auth"
	"github.com/angelmondragon/kluret-checkout/pkg/config"
	pkgerrors "github.com/angelmondragon/kluret-checkout/pkg/errors"
	"github.com/angelmondragon/kluret-checkout/pkg/logger"
)

// Auth requires a valid storefront identity token and puts its user id on
// the request context. A misconfigured verifier rejects every request.
func Auth(cfg config.JWTConfig, logg *logger.Logger) func(http.Handler) http.Handler {
	verifier, verifierErr := auth.NewVerifier(cfg)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if verifierErr != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeInternal, verifierErr, "token verification unavailable"))
				return
			}
			raw, err := auth.BearerToken(r)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
				return
			}
			claims, err := verifier.Verify(raw)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid token"))
				return
			}

			ctx := WithUserID(r.Context(), claims.UserID)
			if logg != nil {
				ctx = logg.WithUserID(ctx, claims.UserID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
