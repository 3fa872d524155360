package proxy

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const gitProxyUserAgent = "Sandbox-Git-Proxy"

const (
	anthropicKeyEnv = "ANTHROPIC_API_KEY"
	githubTokenEnv  = "GITHUB_TOKEN"
)

// credential reads the secret from environment on every request so an
// operator swap takes effect without a restart. The boot-time value
// covers config-file setups without the env var.
func credential(env, fallback string) string {
	if v := os.Getenv(env); v != "" {
		return v
	}
	return fallback
}

// gitSmartHTTPPath restricts the github credential to git's smart-HTTP
// transport endpoints.
var gitSmartHTTPPath = regexp.MustCompile(`^/.+/.+(\.git)?/(info/refs|git-upload-pack|git-receive-pack)$`)

// Service is one upstream registration.
type Service struct {
	Name   string
	Target string // upstream base URL

	// Validate extracts the proxy token from the inbound request.
	// Empty string means no token was presented.
	Validate func(r *http.Request) string

	// Transform rewrites the outbound request to carry real
	// credentials. It may short-circuit by returning a proxy error
	// (misconfiguration, disallowed path).
	Transform func(outbound *http.Request, targetPath string) *Error
}

// Registry maps service names to registrations.
type Registry struct {
	services map[string]*Service
}

// Credentials are fallback upstream secrets for the built-in
// transforms; the environment takes precedence on every request.
type Credentials struct {
	AnthropicAPIKey string
	GitHubToken     string
}

// NewRegistry builds the registry with the built-in anthropic and
// github services.
func NewRegistry(creds Credentials) *Registry {
	r := &Registry{services: make(map[string]*Service)}
	r.Register(anthropicService(creds.AnthropicAPIKey))
	r.Register(githubService(creds.GitHubToken))
	return r
}

// Register adds or replaces a service.
func (r *Registry) Register(s *Service) {
	r.services[s.Name] = s
}

// Resolve looks up a service by name.
func (r *Registry) Resolve(name string) (*Service, bool) {
	s, ok := r.services[name]
	return s, ok
}

// Names returns the registered service names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func anthropicService(fallbackKey string) *Service {
	return &Service{
		Name:   "anthropic",
		Target: "https://api.anthropic.com",
		Validate: func(r *http.Request) string {
			return r.Header.Get("x-api-key")
		},
		Transform: func(outbound *http.Request, _ string) *Error {
			apiKey := credential(anthropicKeyEnv, fallbackKey)
			if apiKey == "" {
				return missingCredential(anthropicKeyEnv)
			}
			outbound.Header.Set("x-api-key", apiKey)
			return nil
		},
	}
}

func githubService(fallbackToken string) *Service {
	return &Service{
		Name:   "github",
		Target: "https://github.com",
		Validate: func(r *http.Request) string {
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				return strings.TrimPrefix(auth, "Bearer ")
			}
			return ""
		},
		Transform: func(outbound *http.Request, targetPath string) *Error {
			if !gitSmartHTTPPath.MatchString(targetPath) {
				return pathInvalid("Invalid git path")
			}
			ghToken := credential(githubTokenEnv, fallbackToken)
			if ghToken == "" {
				return missingCredential(githubTokenEnv)
			}
			basic := base64.StdEncoding.EncodeToString([]byte("x-access-token:" + ghToken))
			outbound.Header.Set("Authorization", "Basic "+basic)
			outbound.Header.Set("User-Agent", gitProxyUserAgent)
			return nil
		},
	}
}

// serviceOverlay is the YAML schema for extra service registrations.
type serviceOverlay struct {
	Services []struct {
		Name             string `yaml:"name"`
		Target           string `yaml:"target"`
		TokenHeader      string `yaml:"tokenHeader"`
		CredentialEnv    string `yaml:"credentialEnv"`
		CredentialHeader string `yaml:"credentialHeader"`
		CredentialPrefix string `yaml:"credentialPrefix"`
	} `yaml:"services"`
}

// LoadOverlay merges extra services from a YAML file into the registry.
// Overlay entries shadow built-ins with the same name.
func (r *Registry) LoadOverlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read services file: %w", err)
	}

	var overlay serviceOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("failed to parse services file: %w", err)
	}

	for _, entry := range overlay.Services {
		if entry.Name == "" || entry.Target == "" {
			return fmt.Errorf("service overlay entries need name and target")
		}
		tokenHeader := entry.TokenHeader
		if tokenHeader == "" {
			tokenHeader = "Authorization"
		}
		credentialHeader := entry.CredentialHeader
		if credentialHeader == "" {
			credentialHeader = "Authorization"
		}
		credentialEnv := entry.CredentialEnv
		credentialPrefix := entry.CredentialPrefix

		r.Register(&Service{
			Name:   entry.Name,
			Target: entry.Target,
			Validate: func(req *http.Request) string {
				value := req.Header.Get(tokenHeader)
				return strings.TrimPrefix(value, "Bearer ")
			},
			Transform: func(outbound *http.Request, _ string) *Error {
				secret := os.Getenv(credentialEnv)
				if secret == "" {
					return missingCredential(credentialEnv)
				}
				outbound.Header.Set(credentialHeader, credentialPrefix+secret)
				return nil
			},
		})
	}
	return nil
}
