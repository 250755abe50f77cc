package config

import (
	"os"
	"sort"
	"strings"
)

// Projection splits the raw environment into the secret material the
// platform must never echo back and the plain configuration it may.
type Projection struct {
	SecretNames []string
	ConfigVars  map[string]string
}

// alwaysSecret holds names that are secret in every deployment mode.
var alwaysSecret = []string{
	"ANTHROPIC_API_KEY",
	"GEMINI_API_KEY",
	"OPENAI_API_KEY",
	"POSTGRES_PASSWORD",
	"REDIS_PASSWORD",
	"STORAGE_ACCESS_KEY_ID",
	"STORAGE_SECRET_ACCESS_KEY",
}

// providerSecrets maps an EMAIL_PROVIDER value to the credential names
// that provider reads.
var providerSecrets = map[string][]string{
	"resend":   {"RESEND_API_KEY"},
	"postmark": {"POSTMARK_TOKEN"},
	"smtp":     {"SMTP_PASS"},
	// SES signs with the storage access keys, which are always secret.
	"ses": nil,
}

// RuntimeProjection classifies env into secrets and config vars for the
// given deployment mode. Secret names are reported whether or not the
// variable is set; empty-valued config vars are dropped.
func RuntimeProjection(env map[string]string, mode DeploymentMode) Projection {
	secret := map[string]struct{}{}
	for _, name := range alwaysSecret {
		secret[name] = struct{}{}
	}
	for _, name := range providerSecrets[strings.ToLower(env["EMAIL_PROVIDER"])] {
		secret[name] = struct{}{}
	}
	secret["ENCRYPTION_KEY"] = struct{}{}
	secret["ENCRYPTION_KEYS"] = struct{}{}
	if mode == ModeSelfHosted {
		secret["GRAFANA_ADMIN_PASSWORD"] = struct{}{}
	}

	p := Projection{ConfigVars: map[string]string{}}
	for name := range secret {
		p.SecretNames = append(p.SecretNames, name)
	}
	sort.Strings(p.SecretNames)

	for name, value := range env {
		if _, isSecret := secret[name]; isSecret || value == "" {
			continue
		}
		p.ConfigVars[name] = value
	}
	return p
}

// Environ snapshots the process environment as a map.
func Environ() map[string]string {
	env := map[string]string{}
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}
	return env
}
