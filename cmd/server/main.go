package main

import (
	"context"
	"flag"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"cipherchat/internal/auth"
	"cipherchat/internal/chat"
	"cipherchat/internal/db"
	"cipherchat/internal/user"
)

func main() {
	// 1. Config & Flags
	addr := flag.String("addr", ":8080", "http service address")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		log.Fatal().Msg("DB_DSN is not set")
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal().Msg("JWT_SECRET is not set")
	}

	// Optional: with REDIS_ADDR set, frames bridge between broker
	// instances over Redis pub/sub. Unset means single-process fan-out.
	redisAddr := os.Getenv("REDIS_ADDR")

	// 2. Connect to Database (Platform Layer)
	database, err := db.NewDatabase(dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	log.Info().Msg("connected to PostgreSQL")

	if err := database.AutoMigrate(); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}
	log.Info().Msg("database schema initialized")

	// 3. Fan-out layer
	ctx := context.Background()
	var fanout chat.Fanout
	if redisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
		if _, err := redisClient.Ping(ctx).Result(); err != nil {
			log.Fatal().Err(err).Msg("failed to connect to Redis")
		}
		log.Info().Str("addr", redisAddr).Msg("connected to Redis, cross-instance fan-out enabled")
		rf := chat.NewRedisFanout(redisClient, log)
		go rf.Run(ctx)
		fanout = rf
	} else {
		log.Info().Msg("no REDIS_ADDR, using in-process fan-out")
		fanout = chat.NewLoopbackFanout()
	}

	// 4. Wire the features
	authService := auth.NewService(jwtSecret)
	authMiddleware := auth.NewMiddleware(authService)

	userRepo := user.NewRepository(database.Conn)
	userHandler := user.NewHandler(userRepo)

	chatRepo := chat.NewRepository(database.Conn)
	hub := chat.NewHub(chatRepo, fanout, log)
	chatHandler := chat.NewHandler(hub, chatRepo, log)

	// 5. Define Routes
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)

		// Public identity directory
		r.Put("/api/chat/keys", userHandler.UploadKey)
		r.Get("/api/chat/keys", userHandler.GetKeys)
		r.Get("/api/users/search", userHandler.Search)

		// Conversations & history
		r.Post("/api/conversations", chatHandler.CreateConversation)
		r.Get("/api/conversations", chatHandler.ListConversations)
		r.Get("/api/messages", chatHandler.GetMessages)

		// WebSocket (Real-time)
		r.Get("/ws", chatHandler.ServeWs)
	})

	log.Info().Str("addr", *addr).Msg("🚀 server starting")
	if err := http.ListenAndServe(*addr, r); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}
