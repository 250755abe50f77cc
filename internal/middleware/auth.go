package middleware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/portalhq/backend/internal/apperr"
	"github.com/portalhq/backend/internal/database"
	"github.com/portalhq/backend/internal/requestctx"
)

// keyPrefix marks platform API keys: ptl_<keyId>.<secret>.
const keyPrefix = "ptl_"

// Authenticator resolves API keys and tenant headers to tenant records.
type Authenticator struct {
	apps database.AppStore
}

func NewAuthenticator(apps database.AppStore) *Authenticator {
	return &Authenticator{apps: apps}
}

// CreateKey mints a new API key for the app. The plaintext secret is
// returned exactly once; only its bcrypt hash is stored.
func (a *Authenticator) CreateKey(ctx context.Context, appID, name string) (*database.APIKey, string, error) {
	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, "", apperr.Infra("APIKeyGenerationFailed", err)
	}
	secret := hex.EncodeToString(secretBytes)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", apperr.Infra("APIKeyHashFailed", err)
	}

	key := &database.APIKey{
		KeyID:     strings.ReplaceAll(uuid.NewString(), "-", "")[:16],
		AppID:     appID,
		Name:      name,
		KeyHash:   string(hash),
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.apps.InsertAPIKey(ctx, key); err != nil {
		return nil, "", apperr.Infra("APIKeyInsertFailed", err)
	}
	return key, keyPrefix + key.KeyID + "." + secret, nil
}

// ValidateKey checks a ptl_<keyId>.<secret> credential and returns the
// owning app. Every failure mode collapses to the same Auth error so the
// response does not leak which part of the key was wrong.
func (a *Authenticator) ValidateKey(ctx context.Context, fullKey string) (*database.App, error) {
	invalid := apperr.Auth("Invalid API key")

	if !strings.HasPrefix(fullKey, keyPrefix) {
		return nil, invalid
	}
	keyID, secret, found := strings.Cut(strings.TrimPrefix(fullKey, keyPrefix), ".")
	if !found || keyID == "" || secret == "" {
		return nil, invalid
	}

	key, err := a.apps.GetAPIKey(ctx, keyID)
	if err != nil {
		return nil, apperr.Infra("APIKeyLookupFailed", err)
	}
	if key == nil || !key.IsActive {
		return nil, invalid
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, invalid
	}
	if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(secret)) != nil {
		return nil, invalid
	}

	return a.loadActiveApp(ctx, key.AppID)
}

func (a *Authenticator) loadActiveApp(ctx context.Context, appID string) (*database.App, error) {
	app, err := a.apps.Get(ctx, appID)
	if err != nil {
		return nil, apperr.Infra("TenantLookupFailed", err)
	}
	if app == nil {
		return nil, apperr.Auth("Unknown tenant")
	}
	if app.Status != database.AppActive {
		return nil, apperr.Forbidden("tenant is " + app.Status)
	}
	return app, nil
}

// SessionResolver attaches the authenticated user session, when the
// deployment has one. The platform itself has no login flow; the embedding
// portal injects its resolver here.
type SessionResolver interface {
	Resolve(r *http.Request, app *database.App) (*requestctx.Session, error)
}

// Ingress establishes the ambient RequestContext for every request:
// correlation IDs, client network attributes, the authenticated tenant, and
// the session if a resolver is configured.
type Ingress struct {
	Auth     *Authenticator
	Sessions SessionResolver
}

func (in *Ingress) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(requestctx.HeaderRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestctx.HeaderRequestID, requestID)

		app, err := in.resolveTenant(r)
		if err != nil {
			WriteError(w, "ingress", err)
			return
		}

		rc := requestctx.RequestContext{
			TenantID:     requestctx.TenantID(app.ID),
			RequestID:    requestID,
			IPAddress:    clientIP(r),
			UserAgent:    r.UserAgent(),
			AppNamespace: app.Namespace,
		}

		if in.Sessions != nil {
			session, err := in.Sessions.Resolve(r, app)
			if err != nil {
				WriteError(w, "ingress", err)
				return
			}
			rc.Session = session
			if session != nil {
				w.Header().Set(requestctx.HeaderSessionID, session.ID)
			}
		}

		next.ServeHTTP(w, r.WithContext(requestctx.With(r.Context(), rc)))
	})
}

// resolveTenant prefers the API key; the x-tenant-id header is a fallback
// for trusted internal callers behind the gateway.
func (in *Ingress) resolveTenant(r *http.Request) (*database.App, error) {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer "+keyPrefix) {
		return in.Auth.ValidateKey(r.Context(), strings.TrimPrefix(auth, "Bearer "))
	}
	if tenantID := r.Header.Get(requestctx.HeaderTenantID); tenantID != "" {
		return in.Auth.loadActiveApp(r.Context(), tenantID)
	}
	return nil, apperr.Auth("Missing tenant credentials")
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
