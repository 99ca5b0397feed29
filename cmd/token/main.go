// Command token mints a bearer token for an identity using the configured
// JWT secret, for local clients and manual testing.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/christopherjohns/pairchat/internal/auth"
	"github.com/christopherjohns/pairchat/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := run(cfg, os.Args[1:], os.Stdout); err != nil {
		log.Fatalf("token: %v", err)
	}
}

func run(cfg *config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	user := fs.String("user", "", "identity to issue the token for")
	ttl := fs.Duration("ttl", cfg.JWTTTL, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user == "" {
		return errors.New("-user is required")
	}

	opts := []auth.Option{auth.WithTTL(*ttl)}
	if cfg.JWTIssuer != "" {
		opts = append(opts, auth.WithIssuer(cfg.JWTIssuer))
	}
	token, err := auth.NewAuthenticator(cfg.JWTSecret, opts...).Issue(*user)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
