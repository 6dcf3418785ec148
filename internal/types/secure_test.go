package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"testing"
)

const testSecret = "sk_live_super_secret_value"

func TestSecretString_NeverPrints(t *testing.T) {
	s := SecretString(testSecret)

	for _, out := range []string{s.String(), fmt.Sprintf("%s", s), fmt.Sprintf("%v", s)} {
		if strings.Contains(out, testSecret) {
			t.Errorf("formatted output leaked the secret: %q", out)
		}
	}
}

func TestSecretString_JSONRedacted(t *testing.T) {
	payload := struct {
		Key SecretString `json:"key"`
	}{Key: SecretString(testSecret)}

	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	if string(b) != `{"key":"***REDACTED***"}` {
		t.Errorf("json = %s", b)
	}
}

func TestSecretString_SlogRedacted(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logger.Info("config loaded", "cron_secret", SecretString(testSecret))

	if strings.Contains(buf.String(), testSecret) {
		t.Errorf("slog output leaked the secret: %s", buf.String())
	}
}

func TestSecretString_UnmaskAndIsSet(t *testing.T) {
	s := SecretString(testSecret)
	if s.Unmask() != testSecret {
		t.Errorf("Unmask() = %q", s.Unmask())
	}
	if !s.IsSet() || SecretString("").IsSet() {
		t.Errorf("IsSet() mismatch")
	}
}
