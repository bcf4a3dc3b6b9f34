// Development backend: serves the realtime protocol (REST + websocket) from
// memory so frontends and the chat-cli can run without the production stack.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/skillbridge/realtime/internal/backendtest"
	"github.com/skillbridge/realtime/internal/logger"
	"github.com/skillbridge/realtime/internal/model"
)

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	logger.SetPrefix("devserver")

	addr := getEnv("SERVER_ADDR", ":8080")
	secret := getEnv("JWT_SECRET", "dev-secret")
	origins := getEnv("CORS_ALLOWED_ORIGINS", "*")

	backend := backendtest.NewServer(secret)

	// Two demo users and a demo meeting 16 minutes out, so a connected client
	// sees the full reminder escalation.
	alice := model.User{ID: "u-alice", Name: "Alice", Role: model.RoleTeacher}
	bob := model.User{ID: "u-bob", Name: "Bob", Role: model.RoleStudent}
	backend.AddNotification(bob.ID, model.NotificationItem{
		Type:  model.NotificationOffer,
		Title: "Your offer was accepted",
	})
	backend.ScheduleMeeting(
		[]string{alice.ID, bob.ID},
		"m-demo", "Algebra tutoring", "offer-demo",
		"https://meet.example.com/m-demo",
		time.Now().Add(16*time.Minute),
	)
	logger.Infof("token alice: %s", backend.Token(alice.ID, alice.Name, alice.Role))
	logger.Infof("token bob:   %s", backend.Token(bob.ID, bob.Name, bob.Role))

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{origins},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	}))
	r.Mount("/", backend.Handler())

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // websocket endpoint streams
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Infof("listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("listen: %v", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("shutdown: %v", err)
	}
}
