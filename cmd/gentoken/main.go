package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/saturnino-fabrica-de-software/commusage/internal/auth"
	"github.com/saturnino-fabrica-de-software/commusage/internal/domain"
)

// gentoken issues a bearer token for local testing:
//
//	JWT_SECRET=... go run ./cmd/gentoken -email dr.who@clinic.example -role practitioner
func main() {
	email := flag.String("email", "", "Caller email")
	role := flag.String("role", domain.RolePractitioner, "Caller role: practitioner or patient")
	issuer := flag.String("issuer", envOr("JWT_ISSUER", "commusage-api"), "Token issuer")
	ttl := flag.Duration("ttl", 24*time.Hour, "Token lifetime")
	flag.Parse()

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		fmt.Fprintln(os.Stderr, "Error: JWT_SECRET is not set")
		os.Exit(1)
	}

	token, err := auth.NewJWTService(secret, *issuer, *ttl).GenerateToken(*email, *role)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	fmt.Println(token)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
