package web

import (
	"crypto/subtle"
	"net/http"

	"github.com/goji/httpauth"
	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
	"go.uber.org/zap"
)

const (
	sessionName = "demos"
	sessionUser = "user"
)

// AuthMiddleware checks requests using basic auth against a single configured user. Once a
// client has logged in a session cookie is set so later requests skip the password check.
type AuthMiddleware struct {
	store *sessions.CookieStore
	opts  httpauth.AuthOptions
	log   *zap.SugaredLogger
}

// Setup new middleware for authenticating requests. Session keys are generated at startup so
// sessions do not survive a restart.
func NewAuthMiddleware(user, password string, log *zap.SugaredLogger) AuthMiddleware {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	store := sessions.NewCookieStore(securecookie.GenerateRandomKey(32), securecookie.GenerateRandomKey(32))
	store.Options = &sessions.Options{Path: "/", MaxAge: 86400, HttpOnly: true, SameSite: http.SameSiteLaxMode}
	mw := AuthMiddleware{store: store, log: log}
	mw.opts = httpauth.AuthOptions{Realm: "Restricted", AuthFunc: func(u, p string, r *http.Request) bool {
		ok := subtle.ConstantTimeCompare([]byte(u), []byte(user)) == 1 &&
			subtle.ConstantTimeCompare([]byte(p), []byte(password)) == 1
		log.Infow("auth", "user", u, "ok", ok)
		return ok
	}}
	return mw
}

// If session cookie is not present then use basic auth to login and set a cookie.
func (mw AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if session, err := mw.store.Get(r, sessionName); err == nil {
			if user, ok := session.Values[sessionUser].(string); ok && user != "" {
				next.ServeHTTP(w, r)
				return
			}
		}
		httpauth.BasicAuth(mw.opts)(mw.setCookie(next)).ServeHTTP(w, r)
	})
}

func (mw AuthMiddleware) setCookie(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// a bad cookie still returns a new session
		session, _ := mw.store.Get(r, sessionName)
		user, _, _ := r.BasicAuth()
		session.Values[sessionUser] = user
		if err := session.Save(r, w); err != nil {
			mw.log.Warnw("error saving session", "error", err)
		}
		h.ServeHTTP(w, r)
	})
}
