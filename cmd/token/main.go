// Command token prints a signed session token for local development.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/npezzotti/go-collab/internal/api"
	"github.com/npezzotti/go-collab/internal/config"
)

func main() {
	var (
		username string
		exp      time.Duration
	)

	fs := flag.NewFlagSet("token", flag.ExitOnError)
	fs.StringVar(&username, "user", "", "username to embed in the token")
	fs.DurationVar(&exp, "exp", api.DefaultTokenExpiry, "token lifetime")
	fs.Parse(os.Args[1:])

	if username == "" {
		fmt.Fprintln(os.Stderr, "-user is required")
		os.Exit(2)
	}

	cfg, err := config.Load(nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	token, err := api.IssueToken(cfg.SigningKey, username, exp)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sign token:", err)
		os.Exit(1)
	}

	fmt.Println(token)
}
