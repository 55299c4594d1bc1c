package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_Success(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv(EnvPeers, "payment_processor=http://localhost:8003,credentials_provider=http://localhost:8002")
	t.Setenv(EnvProcessors, "CARD=http://localhost:8003")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	if cfg.Service.Kind != ServiceKindMerchant {
		t.Fatalf("unexpected service kind %q", cfg.Service.Kind)
	}
	if got := cfg.Merchant.CartTTL; got != 30*time.Minute {
		t.Fatalf("expected cart ttl 30m, got %v", got)
	}
	if len(cfg.Merchant.TrustedAgents) != 1 || cfg.Merchant.TrustedAgents[0] != "trusted_shopping_agent" {
		t.Fatalf("unexpected trusted agents %v", cfg.Merchant.TrustedAgents)
	}
	if cfg.Merchant.ShippingFee != "2.00" || cfg.Merchant.TaxAmount != "1.50" {
		t.Fatalf("unexpected pricing defaults %q %q", cfg.Merchant.ShippingFee, cfg.Merchant.TaxAmount)
	}
	if u, ok := cfg.Peers.URLFor(ServiceKindPaymentProcessor); !ok || u != "http://localhost:8003" {
		t.Fatalf("unexpected processor peer %q", u)
	}
	if _, ok := cfg.Peers.URLFor("shopper"); ok {
		t.Fatalf("unknown role should not resolve")
	}
	if cfg.Merchant.Processors["CARD"] != "http://localhost:8003" {
		t.Fatalf("unexpected processors %v", cfg.Merchant.Processors)
	}
	if cfg.Redis.Enabled() {
		t.Fatalf("redis should be disabled without url")
	}
	if cfg.Processor.ChallengeCode != "123" {
		t.Fatalf("unexpected challenge code %q", cfg.Processor.ChallengeCode)
	}
	if cfg.Processor.MaxAttempts != 3 {
		t.Fatalf("unexpected challenge attempt limit %d", cfg.Processor.MaxAttempts)
	}
	if cfg.App.BaseURL() != "http://localhost:8081" {
		t.Fatalf("unexpected base url %q", cfg.App.BaseURL())
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	setMinimalEnv(t)
	if err := os.Unsetenv(EnvAppEnv); err != nil {
		t.Fatalf("failed to unset %s: %v", EnvAppEnv, err)
	}

	if _, err := Load(); err == nil {
		t.Fatal("expected missing required env to return an error")
	}
}

func TestLoad_RejectsUnknownServiceKind(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv(EnvServiceKind, "shopper")

	if _, err := Load(); err == nil {
		t.Fatal("expected unknown service kind to fail")
	}
}

func TestLoad_SQLDriverRequiresDSN(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv(EnvDBDriver, DBDriverSQLite)

	if _, err := Load(); err == nil {
		t.Fatal("expected sqlite without dsn to fail")
	}

	t.Setenv(EnvDBDSN, "file::memory:?cache=shared")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.DB.UsesSQL() {
		t.Fatal("expected sql driver")
	}
}

func TestLoad_PubSubAuditRequiresProject(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv(EnvAuditSink, AuditSinkPubSub)

	if _, err := Load(); err == nil {
		t.Fatal("expected pubsub sink without project to fail")
	}
}

func TestURLMapDecode(t *testing.T) {
	var m URLMap
	if err := m.Decode("a=http://x:1, b=https://y"); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m["a"] != "http://x:1" || m["b"] != "https://y" {
		t.Fatalf("unexpected map %v", m)
	}
	if err := m.Decode("broken"); err == nil {
		t.Fatal("expected malformed pair to fail")
	}
}

func setMinimalEnv(t *testing.T) {
	t.Helper()

	t.Setenv(EnvAppEnv, "dev")
	t.Setenv(EnvPort, "8081")
	t.Setenv(EnvServiceKind, ServiceKindMerchant)
	t.Setenv(EnvMerchantKey, "merchant-secret")
	t.Setenv(EnvUserKey, "user-secret")
}
