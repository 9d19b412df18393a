package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/rs/cors"

	"github.com/camden-git/facededupe/config"
	"github.com/camden-git/facededupe/database"
	"github.com/camden-git/facededupe/faceapi"
	"github.com/camden-git/facededupe/handlers"
	"github.com/camden-git/facededupe/media"
	"github.com/camden-git/facededupe/realtime"
	"github.com/camden-git/facededupe/repository"
	"github.com/camden-git/facededupe/services"
	"github.com/camden-git/facededupe/workers"
)

func newFaceClient(ctx context.Context, cfg config.Config) (faceapi.Client, error) {
	if cfg.FaceProvider == config.ProviderRekognition {
		client, err := faceapi.NewRekognitionClient(ctx, cfg.AWSRegion, cfg.FaceAPITimeout)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	client, err := faceapi.NewAzureClient(cfg.FaceAPIEndpoint, cfg.FaceAPIKey, cfg.FaceAPITimeout)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func main() {
	err := godotenv.Load()
	if err != nil {
		log.Printf("Info: No .env file found or error loading: %v", err)
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		var cfgErr *config.ConfigurationError
		if errors.As(err, &cfgErr) {
			log.Fatalf("FATAL: Invalid configuration: %v", cfgErr)
		}
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	storagePaths := []string{cfg.OriginalsPath, cfg.ThumbnailsPath, filepath.Dir(cfg.DatabasePath)}
	for _, p := range storagePaths {
		log.Printf("Ensuring storage directory exists: %s", p)
		if err := os.MkdirAll(p, 0755); err != nil {
			log.Fatalf("FATAL: Failed to create storage directory %s: %v", p, err)
		}
	}

	db, err := database.InitGormDB(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize database: %v", err)
	}
	if err := database.AutoMigrateModels(db); err != nil {
		log.Fatalf("FATAL: Failed to migrate database: %v", err)
	}
	occurrenceRepo := repository.NewOccurrenceRepository(db)

	mediaSubDirs := map[media.AssetType]string{
		media.AssetTypeOriginal:  cfg.OriginalsSubDir,
		media.AssetTypeThumbnail: filepath.Join(cfg.OriginalsSubDir, config.DefaultThumbnailsSubDir),
	}
	mediaStore, err := media.NewLocalStorage(cfg.MediaStoragePath, cfg.PublicBaseURL, mediaSubDirs)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize media store: %v", err)
	}
	mediaProcessor := media.NewProcessor(mediaStore)

	faceClient, err := newFaceClient(ctx, cfg)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize %s face client: %v", cfg.FaceProvider, err)
	}
	log.Printf("Using %s face service with group '%s'", cfg.FaceProvider, cfg.FaceGroup)

	ingestion := services.NewIngestionService(faceClient, mediaProcessor, mediaStore, occurrenceRepo, services.IngestionConfig{
		FaceGroup:       cfg.FaceGroup,
		FaceConcurrency: cfg.FaceConcurrency,
	})

	hub := realtime.NewHub(cfg.CORSAllowedOrigins)
	go hub.Run()
	defer hub.Stop()

	log.Printf("Initializing ingestion worker pool (Workers: %d, Queue Size: %d)...", cfg.NumIngestWorkers, cfg.IngestQueueSize)
	ingestQueue := workers.NewIngestQueue(mediaStore, ingestion, cfg.IngestQueueSize, cfg.NumIngestWorkers)
	ingestQueue.Notifier = hub
	defer ingestQueue.Stop()
	mediaStore.AddListener(ingestQueue.HandleStored)

	log.Printf("Using database: %s", cfg.DatabasePath)
	log.Printf("Storing originals in: %s", cfg.OriginalsPath)
	log.Printf("Storing face thumbnails in: %s", cfg.ThumbnailsPath)
	log.Printf("Public asset URL: %s", cfg.PublicBaseURL)

	r := chi.NewRouter()

	corsOptions := cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}

	corsHandler := cors.New(corsOptions)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(corsHandler.Handler)

	faceHandler := &handlers.FaceHandler{
		Faces:   ingestion,
		Uploads: mediaProcessor,
		Assets:  handlers.AssetServer(cfg.MediaStoragePath),
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Mount("/api/faces", faceHandler.Routes())
	})
	// websocket connections outlive the request timeout
	r.Get("/api/ws", hub.ServeWS)

	serverAddr := ":" + cfg.Port
	fmt.Printf("Server starting on http://localhost:%s\n", cfg.Port)
	log.Printf("Server listening on %s", serverAddr)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Println("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error during server shutdown: %v", err)
		}
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("FATAL: Server error: %v", err)
	}
}
