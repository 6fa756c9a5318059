package routes

import (
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/jwtauth"
	log "github.com/sirupsen/logrus"

	"github.com/sru-kri/BidCraft/internal/socketsvc/handlers"
)

func SetRoutes(r chi.Router, h *handlers.Handler, tokenAuth *jwtauth.JWTAuth) {
	r.Route("/v1", func(r chi.Router) {
		r.Get("/ws", h.HandleWebSocket)
		r.Get("/events", h.EventsHandler)
		// Secure routes
		r.Group(func(r chi.Router) {
			r.Use(jwtauth.Verifier(tokenAuth))
			r.Use(jwtauth.Authenticator)

			r.Get("/health", h.HealthHandler)
		})
	})
}

func InitAuth(secret string) *jwtauth.JWTAuth {
	tokenAuth := jwtauth.New("HS256", []byte(secret), nil)

	expirationTime := time.Now().Add(7 * 24 * time.Hour).Unix()

	_, tokenString, err := tokenAuth.Encode(map[string]interface{}{
		"service": "socket",
		"exp":     expirationTime,
	})
	if err != nil {
		log.Errorf("Error encoding service token: %s", err)
		return tokenAuth
	}

	log.Debugf("service token: %s", tokenString)
	return tokenAuth
}
