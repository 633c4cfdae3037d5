package auth

import (
	"net/http"
	"time"
)

// ChallengeCookieName carries the opaque challenge session token between the
// two requests of a login handshake
const ChallengeCookieName = "bastion_challenge"

// CookieConfig holds cookie configuration settings
type CookieConfig struct {
	Domain   string // Empty string = current host only
	Secure   bool   // HTTPS only
	SameSite string // "strict", "lax", or "none"
}

// SetChallengeCookie stores the challenge session token in an httpOnly cookie
// scoped to the login endpoints
func SetChallengeCookie(w http.ResponseWriter, token string, lifetime time.Duration, config CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     ChallengeCookieName,
		Value:    token,
		Path:     "/auth",
		Domain:   config.Domain,
		Expires:  time.Now().Add(lifetime),
		MaxAge:   int(lifetime.Seconds()),
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: parseSameSite(config.SameSite),
	})
}

// ClearChallengeCookie removes the challenge cookie once the handshake ends
func ClearChallengeCookie(w http.ResponseWriter, config CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     ChallengeCookieName,
		Value:    "",
		Path:     "/auth",
		Domain:   config.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: parseSameSite(config.SameSite),
	})
}

// GetChallengeCookie retrieves the challenge session token, or "" if absent
func GetChallengeCookie(r *http.Request) string {
	cookie, err := r.Cookie(ChallengeCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// parseSameSite converts string to http.SameSite constant
func parseSameSite(sameSite string) http.SameSite {
	switch sameSite {
	case "strict":
		return http.SameSiteStrictMode
	case "lax":
		return http.SameSiteLaxMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteDefaultMode
	}
}
