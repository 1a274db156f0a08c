package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// App holds the runtime configuration loaded from environment variables.
type App struct {
	Env      string
	HTTPPort string

	APIBaseURL string
	APIToken   string
	Role       string

	FaceServiceURL string
	FaceSkip       bool

	CameraIndex int

	LocationURL     string
	StaticLatitude  float64
	StaticLongitude float64

	RedisAddr      string
	JournalBackend string

	RecognitionThreshold float64
	RecognitionMinHits   int
	RecognitionDuration  time.Duration
	NoFaceTimeout        time.Duration

	RateLimitPerMin int
}

// Load returns application config populated from environment variables
// with sensible defaults. A .env file in the working directory is loaded
// first when present.
func Load() App {
	_ = godotenv.Load()

	return App{
		Env:      getEnv("APP_ENV", "dev"),
		HTTPPort: getEnv("HTTP_PORT", "8082"),

		APIBaseURL: getEnv("API_BASE_URL", "http://localhost:1337"),
		APIToken:   getEnv("API_TOKEN", ""),
		Role:       getEnv("SUBJECT_ROLE", "siswa"),

		FaceServiceURL: getEnv("FACE_SERVICE_URL", "http://localhost:8000"),
		FaceSkip:       boolEnv("FACE_SKIP", false),

		CameraIndex: intEnv("CAMERA_INDEX", 0),

		LocationURL:     getEnv("LOCATION_URL", ""),
		StaticLatitude:  floatEnv("STATIC_LATITUDE", 0),
		StaticLongitude: floatEnv("STATIC_LONGITUDE", 0),

		RedisAddr:      getEnv("REDIS_ADDR", "localhost:6379"),
		JournalBackend: getEnv("JOURNAL_BACKEND", "memory"),

		RecognitionThreshold: floatEnv("RECOGNITION_THRESHOLD", 0.5),
		RecognitionMinHits:   intEnv("RECOGNITION_MIN_HITS", 4),
		RecognitionDuration:  durationEnv("RECOGNITION_DURATION", 2*time.Second),
		NoFaceTimeout:        durationEnv("NO_FACE_TIMEOUT", 0),

		RateLimitPerMin: intEnv("RATE_LIMIT_PER_MIN", 120),
	}
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			log.Printf("invalid duration for %s: %v, using fallback %s", key, err, fallback)
			return fallback
		}
		return d
	}
	return fallback
}

func boolEnv(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if val == "1" || val == "true" || val == "TRUE" {
			return true
		}
		if val == "0" || val == "false" || val == "FALSE" {
			return false
		}
		log.Printf("invalid bool for %s, using fallback %v", key, fallback)
	}
	return fallback
}

func intEnv(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
		log.Printf("invalid int for %s, using fallback %d", key, fallback)
	}
	return fallback
}

func floatEnv(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		var parsed float64
		if _, err := fmt.Sscanf(val, "%g", &parsed); err == nil {
			return parsed
		}
		log.Printf("invalid float for %s, using fallback %g", key, fallback)
	}
	return fallback
}
