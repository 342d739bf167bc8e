// Command token mints an access token for operators and local testing.
//
//	go run ./cmd/token -sub 1 -role ADMIN -ttl 1h
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/iliyamo/booking-payments/internal/middleware"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}
	sub := flag.String("sub", "", "subject (user id)")
	role := flag.String("role", "ADMIN", "role: ADMIN, PROVIDER or CUSTOMER")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		log.Fatal("JWT_SECRET is not set")
	}
	if *sub == "" {
		log.Fatal("-sub is required")
	}
	tok, exp, err := middleware.IssueToken(secret, *sub, *role, *ttl)
	if err != nil {
		log.Fatalf("sign token: %v", err)
	}
	fmt.Println(tok)
	fmt.Fprintf(os.Stderr, "expires %s\n", exp.Format(time.RFC3339))
}
