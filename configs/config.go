package config

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/cors"
	"github.com/gofrs/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/joho/godotenv"
)

var InstanceId string

// Backend selects where rooms and players are stored.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendPostgres Backend = "postgres"
	BackendRedis    Backend = "redis"
)

type Config struct {
	StoreBackend Backend `env:"STORE_BACKEND" envDefault:"memory"`

	PostgresURL string `env:"POSTGRES_URL"`
	RedisAddr   string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisDB     int    `env:"REDIS_DB" envDefault:"0"`
	NatsURL     string `env:"NATS_URL" envDefault:"nats://localhost:4224"`
	NatsToken   string `env:"NATS_TOKEN"`

	// history is archived only when a URI is set
	MongoURI   string        `env:"MONGODB_URI"`
	HistoryTTL time.Duration `env:"HISTORY_TTL" envDefault:"24h"`

	Port      string `env:"SOCKET_SERVICE_PORT" envDefault:"5004"`
	RateLimit int    `env:"RATE_LIMIT" envDefault:"100"`
	JWTSecret string `env:"JWT_SECRET_KEY"`
	MaxRounds int    `env:"MAX_ROUNDS" envDefault:"10"`

	Robo RoboConfig `envPrefix:"ROBO_"`
}

type RoboConfig struct {
	RoomCode string        `env:"ROOM_CODE"`
	Count    int           `env:"COUNT" envDefault:"3"`
	MinThink time.Duration `env:"MIN_THINK" envDefault:"1s"`
	MaxThink time.Duration `env:"MAX_THINK" envDefault:"4s"`
}

func (c Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory, BackendRedis:
	case BackendPostgres:
		if c.PostgresURL == "" {
			return fmt.Errorf("POSTGRES_URL is required for the %s backend", c.StoreBackend)
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.MaxRounds < 1 {
		return fmt.Errorf("MAX_ROUNDS must be positive, got %d", c.MaxRounds)
	}
	if c.Robo.MaxThink < c.Robo.MinThink {
		return fmt.Errorf("ROBO_MAX_THINK %s is below ROBO_MIN_THINK %s", c.Robo.MaxThink, c.Robo.MinThink)
	}
	return nil
}

func LoadEnv(service string) {
	log.Info("service configuration and env variables loading started ...")
	err := godotenv.Load("./.env")
	if err != nil {
		log.Warnf("no .env file for %s, using process environment", service)
		return
	}

	log.Info(".env file loaded.")
}

// Load parses the process environment into a Config.
func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func CreateUniqueInstance(service string) string {
	id, err := uuid.NewV4() // instance identifier
	if err != nil {
		log.Errorf("error generating instanceId: %s", err)
		os.Exit(0)
	}
	InstanceId = id.String()
	log.Infof(service+" service with Instance ID: %s is ready", id)
	return id.String()
}

func GetInstanceId() string {
	return InstanceId
}

func CORS() *cors.Cors {
	corsOptions := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:3000"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	})

	return corsOptions
}

func Logging(service string) {
	logFolder := ".l_g"

	_, err := os.Stat(logFolder)
	if os.IsNotExist(err) {
		err = os.Mkdir(logFolder, 0755)
		if err != nil {
			log.Warnf("unable to create folder for log %s", err)
			return
		}
	}

	logFilePath := filepath.Join(logFolder, service+".log")

	file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Fatal("Failed to open log file:", err)
	}

	log.SetOutput(file)

	log.SetFormatter(&log.TextFormatter{})
	log.SetLevel(log.InfoLevel)

	log.Infof("log to file started for service: %s", service)
}

func CustomLoggerMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				log.WithFields(log.Fields{
					"request_id": middleware.GetReqID(r.Context()),
					"instance":   InstanceId,
				}).Printf("%s %s %s %d %s %s",
					r.Method,
					r.RequestURI,
					r.RemoteAddr,
					ww.Status(),
					http.StatusText(ww.Status()),
					time.Since(start),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
