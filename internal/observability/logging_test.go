package observability

import "testing"

func TestNewLoggerAcceptsKnownLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		if _, err := NewLogger(level); err != nil {
			t.Fatalf("unexpected error building a %q logger: %v", level, err)
		}
	}
}

func TestNewLoggerFallsBackToInfoOnUnknownLevel(t *testing.T) {
	if _, err := NewLogger("not-a-level"); err != nil {
		t.Fatalf("expected an unknown level to fall back rather than error: %v", err)
	}
}

func TestRedactStringMasksKeyValueSecrets(t *testing.T) {
	cases := map[string]string{
		"password=hunter2":    "password=***REDACTED***",
		"token: abc123":       "token:***REDACTED***",
		"nothing sensitive":   "nothing sensitive",
		"api_key=sk-deadbeef": "api_key=***REDACTED***",
	}
	for in, want := range cases {
		if got := RedactString(in); got != want {
			t.Fatalf("RedactString(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRedactEnvMasksSensitiveKeysOnly(t *testing.T) {
	in := []string{"DB_PASSWORD=hunter2", "PATH=/usr/bin", "API_TOKEN=abc"}
	out := RedactEnv(in)

	want := []string{"DB_PASSWORD=***REDACTED***", "PATH=/usr/bin", "API_TOKEN=***REDACTED***"}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("RedactEnv()[%d] = %q, want %q", i, out[i], want[i])
		}
	}
}
