package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"time"

	firebase "firebase.google.com/go"
	"firebase.google.com/go/messaging"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"google.golang.org/api/option"

	"dastarBack/internal/config"
	"dastarBack/internal/delivery"
)

func main() {
	err := godotenv.Load()
	if err != nil {
		log.Printf("Warning: Error loading .env file: %v", err)
	}
	cfg := config.LoadConfig()

	port := os.Getenv("PORT")
	if port == "" {
		port = ":4001"
	} else {
		port = ":" + port
	}

	addr := flag.String("addr", port, "HTTP network address")
	flag.Parse()

	infoLog := log.New(os.Stdout, "INFO\t", log.Ldate|log.Ltime)
	errorLog := log.New(os.Stderr, "ERROR\t", log.Ldate|log.Ltime|log.Lshortfile)

	db, err := openDB(cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		errorLog.Fatal(err)
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	app, err := initializeApp(db, errorLog, infoLog)
	if err != nil {
		errorLog.Fatal(err)
	}

	deliveryCfg, err := delivery.LoadDeliveryConfig()
	if err != nil {
		errorLog.Fatal(err)
	}
	deliveryDeps := &delivery.DeliveryDeps{
		DB:     db,
		RDB:    rdb,
		FCM:    fcmClient(cfg.Firebase.CredentialsFile, infoLog),
		Logger: appLogger{infoLog, errorLog},
		Config: deliveryCfg,
	}

	rootMux := http.NewServeMux()
	if err := delivery.RegisterDeliveryRoutes(rootMux, deliveryDeps); err != nil {
		errorLog.Fatal(err)
	}
	rootMux.Handle("/", app.routes())

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	if err := delivery.StartDeliveryWorkers(workerCtx, deliveryDeps); err != nil {
		errorLog.Fatal(err)
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:3001", "http://localhost:5173", "http://localhost:5174"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowCredentials: true,
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Customer-ID", "X-Runner-ID", "X-Admin-ID"},
	})

	srv := &http.Server{
		Addr:         *addr,
		ErrorLog:     errorLog,
		Handler:      addSecurityHeaders(c.Handler(rootMux)),
		IdleTimeout:  time.Minute,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	infoLog.Printf("Starting server on %s", *addr)
	if err := srv.ListenAndServe(); err != nil {
		errorLog.Fatal(err)
	}
}

// fcmClient builds the Firebase messaging client, or nil when the
// credentials file is not configured.
func fcmClient(credentialsFile string, infoLog *log.Logger) *messaging.Client {
	if credentialsFile == "" {
		infoLog.Println("Firebase credentials not configured, pushes disabled")
		return nil
	}
	ctx := context.Background()
	fbApp, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		infoLog.Printf("Firebase init failed, pushes disabled: %v", err)
		return nil
	}
	client, err := fbApp.Messaging(ctx)
	if err != nil {
		infoLog.Printf("Firebase messaging init failed, pushes disabled: %v", err)
		return nil
	}
	return client
}

// appLogger adapts the standard loggers to the delivery Logger interface.
type appLogger struct {
	info *log.Logger
	err  *log.Logger
}

func (l appLogger) Infof(format string, args ...interface{})  { l.info.Printf(format, args...) }
func (l appLogger) Errorf(format string, args ...interface{}) { l.err.Printf(format, args...) }
