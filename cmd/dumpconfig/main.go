package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/mheaton/tollgate/internal/config"
)

// dumpconfig prints the resolved configuration with secrets redacted, for
// debugging layered config/env setups.
func main() {
	configFile := flag.String("config", "", "path to config file")
	envFile := flag.String("env", "", "path to .env file")
	flag.Parse()

	cfg, err := config.Load(config.Options{ConfigFile: *configFile, EnvFile: *envFile})
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	fmt.Printf("server:    listen=%s body_limit_mb=%d provider_timeout=%s\n",
		cfg.Server.ListenAddr, cfg.Server.BodyLimitMB, cfg.Server.ProviderTimeout)
	fmt.Printf("database:  url=%s migrations=%v\n", redact(cfg.Database.URL), cfg.Database.RunMigrations)
	fmt.Printf("redis:     url=%s db=%d\n", redact(cfg.Redis.URL), cfg.Redis.DB)
	fmt.Printf("vault:     keyring_versions=%d current=%d\n", len(cfg.Vault.Keyring), cfg.Vault.CurrentVersion)
	fmt.Printf("limits:    rpm=%d rph=%d rpd=%d tpm=%d parallel=%d\n",
		cfg.RateLimits.DefaultRequestsPerMinute, cfg.RateLimits.DefaultRequestsPerHour,
		cfg.RateLimits.DefaultRequestsPerDay, cfg.RateLimits.DefaultTokensPerMinute,
		cfg.RateLimits.DefaultParallelRequests)
	fmt.Printf("credit:    trial=%.2f min_reserve=%.4f\n", cfg.Credit.TrialGrantUSD, cfg.Credit.MinimumReserveUSD)

	for _, p := range cfg.Providers {
		fmt.Printf("provider:  slug=%s type=%s base_url=%s key=%v\n", p.Slug, p.Type, p.BaseURL, p.APIKey != "")
	}
	for _, e := range cfg.Catalog {
		fmt.Printf("catalog:   alias=%s provider=%s model=%s priority=%d in=%.2f out=%.2f\n",
			e.Alias, e.Provider, e.ProviderModel, e.Priority, e.PriceInput, e.PriceOutput)
	}
}

func redact(url string) string {
	if url == "" {
		return "(unset)"
	}
	return "(set)"
}
