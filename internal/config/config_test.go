package config

import (
	"os"
	"path/filepath"
	"testing"

	"CrossChain-Escrow/internal/auth"
	xerrors "CrossChain-Escrow/internal/errors"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "escrowd.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{"identity": {"owner": "owner.near"}, "ledger": {"chains_file": "chains.yaml"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":8080" || cfg.Identity.FactoryAccount != "factory.owner.near" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Identity.SrcChainID != 1 || cfg.Identity.DstChainID != 1313161554 {
		t.Fatalf("unexpected chain ids: %+v", cfg.Identity)
	}
	if cfg.Ledger.Driver != "memory" || cfg.Storage.Driver != "memory" || cfg.Lock.Driver != "local" || cfg.Queue.Driver != "memory" {
		t.Fatalf("unexpected drivers: %+v", cfg)
	}
	if cfg.Ledger.ChainsFile != filepath.Join(filepath.Dir(path), "chains.yaml") {
		t.Fatalf("chains file not resolved against config dir: %s", cfg.Ledger.ChainsFile)
	}
	if cfg.Reconciler.MaxAttempts != 5 || cfg.Reconciler.SweepInterval().Seconds() != 60 || cfg.Lock.TTL().Seconds() != 30 {
		t.Fatalf("unexpected reconciler defaults: %+v", cfg.Reconciler)
	}
}

func TestLoadRejectsIncompleteDriverSettings(t *testing.T) {
	cases := map[string]string{
		"identity.owner":     `{}`,
		"storage.mysql.dsn":  `{"identity": {"owner": "o"}, "storage": {"driver": "mysql"}}`,
		"redis.address":      `{"identity": {"owner": "o"}, "queue": {"driver": "redis"}}`,
		"queue.rabbitmq.url": `{"identity": {"owner": "o"}, "queue": {"driver": "rabbitmq"}}`,
		"ledger.chain":       `{"identity": {"owner": "o"}, "ledger": {"driver": "evm"}}`,
		"lock.driver":        `{"identity": {"owner": "o"}, "lock": {"driver": "zookeeper"}}`,
		"auth.mode":          `{"identity": {"owner": "o"}, "auth": {"mode": "oauth"}}`,
		"auth.secret":        `{"identity": {"owner": "o"}, "auth": {"mode": "token"}}`,
	}
	for field, body := range cases {
		_, err := Load(writeConfig(t, body))
		e, ok := xerrors.From(err)
		if !ok || e.Code() != xerrors.CodeInvalidArgument || e.Metadata()["field"] != field {
			t.Fatalf("%s: unexpected error %v", field, err)
		}
	}
}

func TestMySQLDSNFromEnvironment(t *testing.T) {
	t.Setenv(EnvMySQLDSN, "user:pw@tcp(db:3306)/escrow")
	cfg, err := Load(writeConfig(t, `{"identity": {"owner": "o"}, "storage": {"driver": "MySQL"}}`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Driver != "mysql" || cfg.Storage.MySQL.DSN != "user:pw@tcp(db:3306)/escrow" {
		t.Fatalf("unexpected storage config %+v", cfg.Storage)
	}
}

func TestAuthSecretFromEnvironment(t *testing.T) {
	t.Setenv(EnvAuthSecret, "s3cret")
	cfg, err := Load(writeConfig(t, `{"identity": {"owner": "o"}, "auth": {"mode": "Token"}}`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.Mode != auth.ModeToken || cfg.Auth.Secret != "s3cret" || cfg.Auth.TTLSeconds != 3600 {
		t.Fatalf("unexpected auth config %+v", cfg.Auth)
	}
}

func TestFactoryOwnerFollowsResolverAccount(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{"identity": {"owner": "owner.near"}}`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Identity.FactoryOwner() != "owner.near" {
		t.Fatalf("factory owner must default to owner, got %q", cfg.Identity.FactoryOwner())
	}
	cfg.Identity.ResolverAccount = "resolver.owner.near"
	if cfg.Identity.FactoryOwner() != "resolver.owner.near" {
		t.Fatalf("factory owner must be the resolver account, got %q", cfg.Identity.FactoryOwner())
	}
}

func TestPathFromEnv(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	if PathFromEnv() != DefaultConfigPath {
		t.Fatalf("unexpected default path")
	}
	t.Setenv(EnvConfigPath, "/etc/escrowd.json")
	if PathFromEnv() != "/etc/escrowd.json" {
		t.Fatalf("env path ignored")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatalf("missing file accepted")
	}
	if _, err := Load(""); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("empty path: %v", err)
	}
}
