package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mheaton/tollgate/internal/app"
	"github.com/mheaton/tollgate/internal/auth"
	"github.com/mheaton/tollgate/internal/config"
	"github.com/mheaton/tollgate/internal/database"
)

// mintkey provisions accounts and API keys from the command line. The
// plaintext token prints exactly once; only the hash and ciphertext persist.
func main() {
	configFile := flag.String("config", "", "path to config file")
	envFile := flag.String("env", "", "path to .env file")
	accountID := flag.String("account", "", "existing account id (omit to create a new account)")
	accountName := flag.String("name", "", "account name when creating a new account")
	plan := flag.String("plan", "standard", "account plan when creating a new account")
	keyName := flag.String("key-name", "default", "name for the minted key")
	scopes := flag.String("scopes", "chat,models", "comma-separated scopes")
	allowedIPs := flag.String("allowed-ips", "", "comma-separated IP/CIDR allow-list")
	allowedDomains := flag.String("allowed-domains", "", "comma-separated domain allow-list")
	expiresIn := flag.Duration("expires-in", 0, "key lifetime (0 means no expiry)")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(config.Options{ConfigFile: *configFile, EnvFile: *envFile})
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer pool.Close()

	container, err := app.NewContainer(ctx, cfg, pool, nil, nil)
	if err != nil {
		log.Fatalf("build container: %v", err)
	}

	var target uuid.UUID
	if *accountID != "" {
		target, err = uuid.Parse(*accountID)
		if err != nil {
			log.Fatalf("parse account id: %v", err)
		}
	} else {
		if *accountName == "" {
			log.Fatal("either -account or -name is required")
		}
		account, err := container.CreateAccount(ctx, *accountName, *plan)
		if err != nil {
			log.Fatalf("create account: %v", err)
		}
		target = account.ID
		fmt.Printf("account:  %s (%s)\n", account.ID, account.Name)
		fmt.Printf("balance:  %s\n", account.Balance)
	}

	params := auth.IssueParams{
		AccountID:      target,
		Name:           *keyName,
		Scopes:         splitList(*scopes),
		AllowedIPs:     splitList(*allowedIPs),
		AllowedDomains: splitList(*allowedDomains),
	}
	if *expiresIn > 0 {
		expiry := time.Now().Add(*expiresIn).UTC()
		params.ExpiresAt = &expiry
	}

	key, token, err := container.Issuer.Issue(ctx, params)
	if err != nil {
		log.Fatalf("issue key: %v", err)
	}

	fmt.Printf("key id:   %s\n", key.ID)
	fmt.Printf("scopes:   %s\n", strings.Join(key.Scopes, ","))
	fmt.Printf("api key:  %s\n", token)
	fmt.Println("store this key now; it cannot be shown again")
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
