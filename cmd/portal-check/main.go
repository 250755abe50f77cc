// Command portal-check is a pre-flight diagnostic: it verifies that the
// infrastructure a platform node depends on (Postgres, Redis, the crypto
// key ring, the HTTP health endpoint) is reachable before traffic is
// admitted. Exit status is non-zero when any check fails.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/portalhq/backend/internal/cache"
	"github.com/portalhq/backend/internal/config"
	"github.com/portalhq/backend/internal/crypto"
	"github.com/portalhq/backend/internal/database/postgres"
	"github.com/portalhq/backend/internal/infra"
)

type component struct {
	Name string
	Test func(ctx context.Context) error
}

func main() {
	fmt.Println("\033[96mPortal Platform Pre-Flight Diagnostic\033[0m")
	fmt.Println("---------------------------------------------------------")

	config.LoadEnv("")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	components := []component{
		{"Storage Layer (Postgres)", checkPostgres},
		{"Cache Layer (Redis)", checkRedis},
		{"Crypto Layer (Key Ring)", checkKeyRing},
		{"HTTP Layer (healthz)", checkHealthz},
	}

	failed := 0
	for _, c := range components {
		fmt.Printf("Checking %-28s ", c.Name+"...")
		if err := c.Test(ctx); err != nil {
			fmt.Println("\033[31m[FAIL]\033[0m")
			fmt.Printf("  >> Error: %v\n", err)
			failed++
		} else {
			fmt.Println("\033[32m[OK]\033[0m")
		}
	}

	fmt.Println("---------------------------------------------------------")
	if failed > 0 {
		fmt.Printf("\033[31mStatus: %d check(s) failed.\033[0m\n", failed)
		os.Exit(1)
	}
	fmt.Println("\033[96mStatus: Node ready for traffic.\033[0m")
}

func checkPostgres(ctx context.Context) error {
	dsn := config.DatabaseURL()
	if dsn == "" {
		return fmt.Errorf("DATABASE_URL is not set")
	}
	db, err := postgres.Open(ctx, dsn)
	if err != nil {
		return err
	}
	return db.Close()
}

func checkRedis(ctx context.Context) error {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return fmt.Errorf("REDIS_ADDR is not set")
	}
	adapter, err := infra.NewGoRedisAdapter(addr, os.Getenv("REDIS_PASSWORD"), 0)
	if err != nil {
		return err
	}
	defer adapter.Close()

	health := cache.New(adapter).CheckHealth(ctx)
	if !health.Connected {
		return fmt.Errorf("redis ping did not return PONG")
	}
	return nil
}

func checkKeyRing(ctx context.Context) error {
	svc, err := crypto.FromEnv()
	if err != nil {
		return err
	}
	sealed, err := svc.Encrypt([]byte("preflight"), nil)
	if err != nil {
		return err
	}
	plain, err := svc.Decrypt(sealed, nil)
	if err != nil {
		return err
	}
	if string(plain) != "preflight" {
		return fmt.Errorf("round trip mismatch")
	}
	return nil
}

func checkHealthz(ctx context.Context) error {
	base := os.Getenv("PORTAL_BASE_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthz returned %s", resp.Status)
	}
	return nil
}
