// Package credential generates the bait planted inside decoys: passwords,
// cloud keys, database connection strings, SSH keypairs, Home Assistant
// tokens, env files, and GitHub personal access tokens. Every value and
// every canary hostname is guaranteed unique within one Generator
// instance, the way the teacher's internal/ca guarantees unique
// certificate serials.
package credential

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/squirrelops/homesensor/pkg/models"
)

// canaryTypes are the credential types whose use is expected to trigger a
// DNS lookup an attacker's tooling performs incidentally (an AWS SDK
// resolving STS, an HA client resolving its host, a git client resolving
// github.com-shaped hosts) -- these are paired with a unique canary
// hostname per spec.md 4.7.
var canaryTypes = map[models.CredentialType]bool{
	models.CredAWSKey:    true,
	models.CredHAToken:   true,
	models.CredGitHubPAT: true,
}

var dbSchemes = []string{"postgres", "mysql", "mongodb", "redis"}

var adjectives = []string{"Quiet", "Amber", "Brisk", "Cedar", "Dusty", "Ember", "Frost", "Giant", "Hazel", "Ivory"}
var nouns = []string{"River", "Falcon", "Meadow", "Canyon", "Harbor", "Summit", "Willow", "Badger", "Quartz", "Thistle"}
var envKeys = []string{"DATABASE_URL", "SECRET_KEY", "API_TOKEN", "SMTP_PASSWORD", "STRIPE_KEY", "JWT_SECRET", "REDIS_URL", "SENTRY_DSN"}

// Generator produces credentials whose values and canary hostnames are
// unique within one instance. Uniqueness is not checked across
// instances, so callers construct one Generator for the lifetime of the
// process and share it across decoys, mirroring the teacher's single
// shared ca.Authority instance.
type Generator struct {
	apex string // the canary domain suffix, e.g. "sensor.example.internal"

	mu        sync.Mutex
	usedValues map[string]bool
	usedHosts  map[string]bool
}

// NewGenerator builds a Generator that mints canary hostnames under apex
// (e.g. "canary." + apex is prepended per credential, per spec.md 4.7's
// "{32-hex}.canary.{apex}" format).
func NewGenerator(apex string) *Generator {
	return &Generator{
		apex:       apex,
		usedValues: make(map[string]bool),
		usedHosts:  make(map[string]bool),
	}
}

// Generate produces one credential of the requested type, planted at
// plantedLocation (a file path, env var name, or similar description
// surfaced to the UI). A canary hostname is attached automatically for
// types in canaryTypes.
func (g *Generator) Generate(credType models.CredentialType, plantedLocation string) (models.PlantedCredential, error) {
	value, err := g.renderValue(credType)
	if err != nil {
		return models.PlantedCredential{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.usedValues[value] {
		return models.PlantedCredential{}, fmt.Errorf("credential value collision for type %s", credType)
	}
	g.usedValues[value] = true

	cred := models.PlantedCredential{
		CredentialType:  credType,
		CredentialValue: value,
		PlantedLocation: plantedLocation,
		CreatedAt:       time.Now().UTC(),
	}

	if canaryTypes[credType] {
		hostname, err := g.canaryHostnameLocked()
		if err != nil {
			return models.PlantedCredential{}, err
		}
		cred.CanaryHostname = hostname
	}

	return cred, nil
}

// canaryHostnameLocked mints a unique "{32-hex}.canary.{apex}" hostname.
// Caller must hold g.mu.
func (g *Generator) canaryHostnameLocked() (string, error) {
	for attempt := 0; attempt < 8; attempt++ {
		token, err := randomHex(16)
		if err != nil {
			return "", err
		}
		hostname := fmt.Sprintf("%s.canary.%s", token, g.apex)
		if !g.usedHosts[hostname] {
			g.usedHosts[hostname] = true
			return hostname, nil
		}
	}
	return "", fmt.Errorf("canary hostname collision after repeated attempts")
}

func (g *Generator) renderValue(credType models.CredentialType) (string, error) {
	switch credType {
	case models.CredPassword:
		return generatePasswordFile()
	case models.CredAWSKey:
		return generateAWSKey()
	case models.CredDBConnection:
		return generateDBConnection()
	case models.CredSSHKey:
		key, err := GenerateSSHKeyPEM()
		if err != nil {
			return "", err
		}
		return key.PEM, nil
	case models.CredHAToken:
		return generateHAToken()
	case models.CredEnvFile:
		return generateEnvFile()
	case models.CredGitHubPAT:
		return generateGitHubPAT()
	default:
		return "", fmt.Errorf("unknown credential type %q", credType)
	}
}

func generatePasswordFile() (string, error) {
	n, err := randomIntBetween(8, 12)
	if err != nil {
		return "", err
	}
	lines := make([]string, n)
	for i := range lines {
		adj, err := randomChoice(adjectives)
		if err != nil {
			return "", err
		}
		noun, err := randomChoice(nouns)
		if err != nil {
			return "", err
		}
		digits, err := randomDigits(4)
		if err != nil {
			return "", err
		}
		user, err := randomHex(4)
		if err != nil {
			return "", err
		}
		lines[i] = fmt.Sprintf("%s:%s%s%s$", user, adj, noun, digits)
	}
	return strings.Join(lines, "\n"), nil
}

func generateAWSKey() (string, error) {
	suffix, err := randomUpperAlnum(16)
	if err != nil {
		return "", err
	}
	return "AKIA" + suffix, nil
}

func generateDBConnection() (string, error) {
	scheme, err := randomChoice(dbSchemes)
	if err != nil {
		return "", err
	}
	user, err := randomHex(4)
	if err != nil {
		return "", err
	}
	passRaw, err := randomBytes(12)
	if err != nil {
		return "", err
	}
	pass := base64.RawURLEncoding.EncodeToString(passRaw)
	host := scheme + "-prod.internal"
	port := defaultPortFor(scheme)
	db, err := randomHex(3)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s://%s:%s@%s:%d/%s", scheme, user, pass, host, port, db), nil
}

func defaultPortFor(scheme string) int {
	switch scheme {
	case "postgres":
		return 5432
	case "mysql":
		return 3306
	case "mongodb":
		return 27017
	case "redis":
		return 6379
	default:
		return 5432
	}
}

func generateHAToken() (string, error) {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789._-"
	return randomFromAlphabet(alphabet, 183)
}

func generateEnvFile() (string, error) {
	n, err := randomIntBetween(5, 8)
	if err != nil {
		return "", err
	}
	keys := make([]string, len(envKeys))
	copy(keys, envKeys)
	shuffle(keys)
	if n > len(keys) {
		n = len(keys)
	}
	picked := keys[:n]
	sort.Strings(picked)

	lines := make([]string, n)
	for i, key := range picked {
		val, err := randomSecretValue()
		if err != nil {
			return "", err
		}
		lines[i] = fmt.Sprintf("%s=%s", key, val)
	}
	return strings.Join(lines, "\n"), nil
}

func randomSecretValue() (string, error) {
	b, err := randomBytes(18)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func generateGitHubPAT() (string, error) {
	suffix, err := randomAlnum(36)
	if err != nil {
		return "", err
	}
	return "ghp_" + suffix, nil
}

// SSHKeyMaterial bundles the planted PEM body with a fingerprint computed
// the way a real operator's `ssh-keygen -lf` output would read, so the
// bait looks plausible in logs.
type SSHKeyMaterial struct {
	PEM         string
	Fingerprint string
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("read random bytes: %w", err)
	}
	return b, nil
}

func randomHex(n int) (string, error) {
	b, err := randomBytes(n)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", b), nil
}

func randomDigits(n int) (string, error) {
	return randomFromAlphabet("0123456789", n)
}

func randomUpperAlnum(n int) (string, error) {
	return randomFromAlphabet("ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789", n)
}

func randomAlnum(n int) (string, error) {
	return randomFromAlphabet("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789", n)
}

func randomFromAlphabet(alphabet string, n int) (string, error) {
	out := make([]byte, n)
	max := big.NewInt(int64(len(alphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("random index: %w", err)
		}
		out[i] = alphabet[idx.Int64()]
	}
	return string(out), nil
}

func randomIntBetween(min, max int) (int, error) {
	span := int64(max - min + 1)
	n, err := rand.Int(rand.Reader, big.NewInt(span))
	if err != nil {
		return 0, fmt.Errorf("random int: %w", err)
	}
	return min + int(n.Int64()), nil
}

func randomChoice(options []string) (string, error) {
	idx, err := randomIntBetween(0, len(options)-1)
	if err != nil {
		return "", err
	}
	return options[idx], nil
}

// shuffle performs an in-place Fisher-Yates shuffle using crypto/rand, so
// env_file key selection doesn't reuse math/rand's process-global state.
func shuffle(s []string) {
	for i := len(s) - 1; i > 0; i-- {
		j, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			continue
		}
		s[i], s[j.Int64()] = s[j.Int64()], s[i]
	}
}
