// Digest builds the daily audit-chain summary for one UTC date window,
// prints it to stdout, and optionally uploads it to WORM object storage.
//
// Usage: casf-digest [YYYY-MM-DD]   (defaults to yesterday, UTC)
//
// Exit codes: 0 valid chain, 1 broken chain, 2 infrastructure error.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/julian-najas/casf-core/pkg/audit"
	"github.com/julian-najas/casf-core/pkg/config"
	"github.com/julian-najas/casf-core/pkg/digest"
)

type minioUploader struct {
	client *minio.Client
	bucket string
}

func (m minioUploader) Upload(ctx context.Context, key string, body []byte) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	window := digest.Yesterday()
	if len(os.Args) > 1 {
		window = os.Args[1]
		if _, err := time.Parse("2006-01-02", window); err != nil {
			log.Error("invalid window, want YYYY-MM-DD", "window", window)
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		log.Error("config load failed", "error", err)
		os.Exit(2)
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("postgres connect failed", "error", err)
		os.Exit(2)
	}
	defer pool.Close()

	svc := digest.New(audit.NewStore(pool))
	report, err := svc.Build(ctx, window)
	if err != nil {
		log.Error("digest build failed", "window", window, "error", err)
		os.Exit(2)
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Error("digest marshal failed", "error", err)
		os.Exit(2)
	}
	fmt.Println(string(out))

	if cfg.DigestS3Endpoint != "" {
		minioClient, err := minio.New(cfg.DigestS3Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.DigestS3AccessKey, cfg.DigestS3SecretKey, ""),
			Secure: cfg.DigestS3UseSSL,
		})
		if err != nil {
			log.Error("minio init failed", "error", err)
			os.Exit(2)
		}
		key, err := svc.Export(ctx, report, minioUploader{client: minioClient, bucket: cfg.DigestS3Bucket})
		if err != nil {
			log.Error("digest export failed", "window", window, "error", err)
			os.Exit(2)
		}
		log.Info("digest exported", "window", window, "key", key)
	}

	if !report.ChainValid {
		log.Error("audit chain linkage broken inside window", "window", window)
		os.Exit(1)
	}
}
