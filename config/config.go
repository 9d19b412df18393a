package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	ProviderAzure       = "azure"
	ProviderRekognition = "rekognition"
)

const (
	DefaultOriginalsSubDir  = "faces"
	DefaultThumbnailsSubDir = "thumbnail"
	DefaultFaceGroup        = "demofacegroup"
)

const (
	defaultIngestQueueSize  = 200
	defaultNumIngestWorkers = 2
	defaultFaceConcurrency  = 1
	defaultFaceAPITimeout   = 30 * time.Second
)

// ConfigurationError reports a required setting that is missing or unusable.
// It is only ever produced at startup.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s %s", e.Key, e.Reason)
}

type Config struct {
	// face service
	FaceProvider    string
	FaceAPIEndpoint string
	FaceAPIKey      string
	FaceGroup       string
	FaceAPITimeout  time.Duration
	AWSRegion       string

	// table store
	DatabasePath string

	// blob store
	MediaStoragePath string // root for originals and thumbnails
	OriginalsSubDir  string // originals directory relative to MediaStoragePath
	OriginalsPath    string // full-calculated path for uploaded originals
	ThumbnailsPath   string // full-calculated path for face thumbnails, nested under OriginalsPath
	PublicBaseURL    string // prefix used to build persisted image urls

	// ingestion settings
	IngestQueueSize  int
	NumIngestWorkers int
	FaceConcurrency  int

	Port               string
	CORSAllowedOrigins []string
}

func getEnvOrDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvIntOrDefault(envVar string, defaultVal int) int {
	valStr := os.Getenv(envVar)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(valStr)
	if err != nil || val <= 0 {
		log.Printf("Warning: Invalid %s '%s'. Using default %d. Error: %v", envVar, valStr, defaultVal, err)
		return defaultVal
	}
	return val
}

func getEnvDurationOrDefault(envVar string, defaultVal time.Duration) time.Duration {
	valStr := os.Getenv(envVar)
	if valStr == "" {
		return defaultVal
	}
	val, err := time.ParseDuration(valStr)
	if err != nil || val <= 0 {
		log.Printf("Warning: Invalid %s '%s'. Using default %s. Error: %v", envVar, valStr, defaultVal, err)
		return defaultVal
	}
	return val
}

func requireEnv(key string) (string, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return "", &ConfigurationError{Key: key, Reason: "is required but not set"}
	}
	return value, nil
}

func LoadConfig() (Config, error) {
	provider := strings.ToLower(getEnvOrDefault("FACE_PROVIDER", ProviderAzure))

	cfg := Config{
		FaceProvider:     provider,
		FaceGroup:        getEnvOrDefault("FACE_GROUP", DefaultFaceGroup),
		FaceAPITimeout:   getEnvDurationOrDefault("FACE_API_TIMEOUT", defaultFaceAPITimeout),
		IngestQueueSize:  getEnvIntOrDefault("INGEST_QUEUE_SIZE", defaultIngestQueueSize),
		NumIngestWorkers: getEnvIntOrDefault("NUM_INGEST_WORKERS", defaultNumIngestWorkers),
		FaceConcurrency:  getEnvIntOrDefault("FACE_CONCURRENCY", defaultFaceConcurrency),
	}

	var err error
	switch provider {
	case ProviderAzure:
		if cfg.FaceAPIEndpoint, err = requireEnv("FACE_API_ENDPOINT"); err != nil {
			return Config{}, err
		}
		cfg.FaceAPIEndpoint = strings.TrimRight(cfg.FaceAPIEndpoint, "/")
		if cfg.FaceAPIKey, err = requireEnv("FACE_API_KEY"); err != nil {
			return Config{}, err
		}
	case ProviderRekognition:
		if cfg.AWSRegion, err = requireEnv("AWS_REGION"); err != nil {
			return Config{}, err
		}
	default:
		return Config{}, &ConfigurationError{Key: "FACE_PROVIDER", Reason: fmt.Sprintf("has unsupported value '%s'", provider)}
	}

	if cfg.DatabasePath, err = requireEnv("DATABASE_PATH"); err != nil {
		return Config{}, err
	}

	mediaStorage, err := requireEnv("MEDIA_STORAGE_PATH")
	if err != nil {
		return Config{}, err
	}
	absMediaStorage, err := filepath.Abs(mediaStorage)
	if err != nil {
		return Config{}, fmt.Errorf("failed to get absolute path for media storage '%s': %w", mediaStorage, err)
	}
	cfg.MediaStoragePath = absMediaStorage

	cfg.OriginalsSubDir = getEnvOrDefault("ORIGINALS_SUBDIR", DefaultOriginalsSubDir)
	cfg.OriginalsPath = filepath.Join(absMediaStorage, cfg.OriginalsSubDir)
	cfg.ThumbnailsPath = filepath.Join(cfg.OriginalsPath, DefaultThumbnailsSubDir)

	cfg.Port = getEnvOrDefault("PORT", "8080")
	cfg.PublicBaseURL = strings.TrimRight(getEnvOrDefault("PUBLIC_BASE_URL", "http://localhost:"+cfg.Port+"/api/faces/assets"), "/")

	origins := getEnvOrDefault("CORS_ALLOWED_ORIGINS", "http://localhost:5173")
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, o)
		}
	}

	return cfg, nil
}
