package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/sofvo/sofvo/internal/config"
	"github.com/sofvo/sofvo/internal/crypto"
)

func main() {
	userID := flag.String("user", "", "Profile UUID")
	username := flag.String("username", "", "Username carried in the token")
	ttl := flag.Duration("ttl", 0, "Token lifetime (defaults to TOKEN_TTL)")
	flag.Parse()

	if *userID == "" {
		fmt.Fprintln(os.Stderr, "Usage: token -user <profile-uuid> [-username <name>] [-ttl 24h]")
		fmt.Fprintln(os.Stderr, "  Signs with JWT_SECRET, or the development secret outside production")
		os.Exit(1)
	}

	id, err := uuid.Parse(*userID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid profile id: %v\n", err)
		os.Exit(1)
	}

	cfg := config.Load()
	lifetime := cfg.TokenTTL
	if *ttl > 0 {
		lifetime = *ttl
	}

	token, err := crypto.NewTokenIssuer(cfg.JWTSecret, lifetime).Issue(id, *username)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to sign token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", time.Now().Add(lifetime).UTC().Format(time.RFC3339))
}
