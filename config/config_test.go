package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("PORT", "9000")
	t.Setenv("DB_DRIVER", "mongo")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != ":9000" {
		t.Fatalf("expected :9000, got %q", cfg.Port)
	}
	if cfg.DefaultProcessor != "banquest" {
		t.Fatalf("expected banquest default, got %q", cfg.DefaultProcessor)
	}
	if cfg.TicketSigningKey != "s3cret" {
		t.Fatalf("ticket key should fall back to the jwt secret")
	}
}

func TestLoadRejectsBadDriver(t *testing.T) {
	t.Setenv("JWT_SECRET", "x")
	t.Setenv("DB_DRIVER", "cassandra")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestLoadRequiresDSNForSQL(t *testing.T) {
	t.Setenv("JWT_SECRET", "x")
	t.Setenv("DB_DRIVER", "sql")
	t.Setenv("DATABASE_DSN", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without DATABASE_DSN")
	}
}

func TestLoadRejectsBadTimeout(t *testing.T) {
	t.Setenv("JWT_SECRET", "x")
	t.Setenv("DB_DRIVER", "mongo")
	t.Setenv("GATEWAY_TIMEOUT", "-1s")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for negative timeout")
	}
}

func TestLoadTimezone(t *testing.T) {
	t.Setenv("JWT_SECRET", "x")
	t.Setenv("DB_DRIVER", "mongo")
	t.Setenv("TIMEZONE", "America/New_York")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Location.String() != "America/New_York" {
		t.Fatalf("unexpected location %v", cfg.Location)
	}

	t.Setenv("TIMEZONE", "Mars/Olympus")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown timezone")
	}
}
