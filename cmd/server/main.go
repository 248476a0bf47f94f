package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Brownie44l1/medianalytica-api/internal/config"
	"github.com/Brownie44l1/medianalytica-api/internal/handlers"
	"github.com/Brownie44l1/medianalytica-api/internal/hub"
	"github.com/Brownie44l1/medianalytica-api/internal/model"
	"github.com/Brownie44l1/medianalytica-api/internal/service"
)

func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// routes registers every endpoint with its method. Other methods get 405;
// OPTIONS answers CORS preflight.
func routes(handler *handlers.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", enableCORS(handler.Index))
	mux.HandleFunc("GET /health", enableCORS(handler.Health))
	mux.HandleFunc("GET /classes/{diseaseType}", enableCORS(handler.Classes))
	mux.HandleFunc("POST /predict/{diseaseType}", enableCORS(handler.PredictFromImage))
	mux.HandleFunc("POST /predict/{diseaseType}/raw", enableCORS(handler.Predict))
	for _, path := range []string{"/{$}", "/health", "/classes/{diseaseType}", "/predict/{diseaseType}", "/predict/{diseaseType}/raw"} {
		mux.HandleFunc("OPTIONS "+path, enableCORS(http.NotFound))
	}
	return mux
}

// serve runs srv on ln until ctx is done, then drains in-flight requests.
// It returns only after every handler has finished, or with an error when
// draining did not complete within drain.
func serve(ctx context.Context, srv *http.Server, ln net.Listener, drain time.Duration) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("drain in-flight requests: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := model.InitRuntime(cfg.ORTLibraryPath); err != nil {
		log.Fatalf("Failed to initialize ONNX Runtime: %v", err)
	}
	defer model.ShutdownRuntime()

	fetcher := hub.New(cfg.HubCacheDir, cfg.HFToken)
	registry, err := model.NewRegistry(cfg.Diseases, model.ORTOpener{}, model.WithFetcher(fetcher))
	if err != nil {
		log.Fatalf("Failed to build model registry: %v", err)
	}
	defer registry.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.PreloadModels {
		// requests for a type still loading join its load
		go func() {
			loaded := registry.LoadAll(ctx)
			log.Printf("Preloaded %d/%d models", loaded, len(cfg.Diseases))
		}()
	}

	classifier := service.NewClassifier(registry, cfg.GradCAMFormat)
	handler := handlers.NewHandler(registry, classifier, cfg.MaxUploadBytes())

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: routes(handler)}
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		log.Fatalf("Failed to listen on port %s: %v", cfg.Port, err)
	}

	log.Printf("Server starting on port %s", cfg.Port)
	log.Printf("Disease types: %v", registry.Types())
	log.Println("Endpoints:")
	log.Println("  GET  /                          - API status")
	log.Println("  GET  /health                    - Health check")
	log.Println("  GET  /classes/{type}            - Class names")
	log.Println("  POST /predict/{type}            - Predict from image upload")
	log.Println("  POST /predict/{type}/raw        - Raw array prediction")
	log.Printf("Upload test: curl -X POST -F \"image=@xray.png\" -F with_gradcam=true http://localhost:%s/predict/lung", cfg.Port)

	// models stay open until the last in-flight request is done with them;
	// Fatalf skips the deferred Close when draining timed out
	if err := serve(ctx, srv, ln, 10*time.Second); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
	log.Println("Server stopped")
}
