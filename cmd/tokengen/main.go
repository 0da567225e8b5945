// Command tokengen mints access tokens for local testing of the credit and
// package routes.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/meetslot/meetslot-api/internal/config"
	"github.com/meetslot/meetslot-api/internal/pkg/jwt"
)

func main() {
	userFlag := flag.String("user", "", "user id (random when empty)")
	role := flag.String("role", jwt.RoleUser, "token role: user or admin")
	ttl := flag.Duration("ttl", 0, "token lifetime (defaults to JWT_ACCESS_TTL)")
	flag.Parse()

	cfg := config.Load()
	if *ttl <= 0 {
		*ttl = cfg.JWTAccessTTL
	}

	userID := uuid.New()
	if *userFlag != "" {
		parsed, err := uuid.Parse(*userFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid user id %q: %v\n", *userFlag, err)
			os.Exit(2)
		}
		userID = parsed
	}
	if *role != jwt.RoleUser && *role != jwt.RoleAdmin {
		fmt.Fprintf(os.Stderr, "unknown role %q\n", *role)
		os.Exit(2)
	}

	token, err := jwt.NewService(cfg.JWTSecret, *ttl).GenerateAccessToken(userID, *role)
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate token: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("user_id: %s\nrole:    %s\nexpires: %s\n\n%s\n", userID, *role, time.Now().Add(*ttl).Format(time.RFC3339), token)
}
