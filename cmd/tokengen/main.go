package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/slotline/bookguard/pkg/auth"
	"github.com/slotline/bookguard/pkg/config"
)

// tokengen mints a staff bearer token for the admin API. Operators run it
// against the same env the api binary reads so the signing secret matches.
func main() {
	sub := flag.Int64("sub", 1, "staff user id for the sub claim")
	tenant := flag.Int64("tenant", 1, "tenant id")
	role := flag.String("role", "admin", "role claim")
	scope := flag.String("scope", "admin", "scope claim")
	ttl := flag.Duration("ttl", 0, "token lifetime, defaults to STAFF_TOKEN_TTL")
	flag.Parse()

	_ = godotenv.Load()
	cfg := config.Load()

	lifetime := *ttl
	if lifetime <= 0 {
		lifetime = cfg.Auth.StaffTokenTTL
	}

	token, err := auth.NewStaffToken(*sub, *tenant, *role, *scope, cfg.Auth.JWTSecret, lifetime)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to sign token:", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
