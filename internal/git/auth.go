package git

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"github.com/zalando/go-keyring"

	"speleostore/pkg/errors"
)

const keyringService = "speleostore-git"

// TokenEnvVar holds a fallback token for https remotes
const TokenEnvVar = "SPELEOSTORE_GIT_TOKEN"

// AuthManager resolves transport credentials for project remotes
type AuthManager struct {
	mu     sync.RWMutex
	cached map[string]transport.AuthMethod
}

// NewAuthManager creates a new authentication manager
func NewAuthManager() *AuthManager {
	return &AuthManager{cached: make(map[string]transport.AuthMethod)}
}

// GetAuth returns the authentication method for a remote URL. Local paths
// need none.
func (am *AuthManager) GetAuth(gitURL string) (transport.AuthMethod, error) {
	host := ExtractHost(gitURL)

	am.mu.RLock()
	auth, ok := am.cached[host]
	am.mu.RUnlock()
	if ok {
		return auth, nil
	}

	var err error
	switch {
	case IsSSHURL(gitURL):
		auth, err = am.sshAuth()
	case IsHTTPSURL(gitURL):
		auth = am.httpsAuth(host)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	am.mu.Lock()
	am.cached[host] = auth
	am.mu.Unlock()
	return auth, nil
}

// StoreToken saves a personal access token for host in the OS keyring
func (am *AuthManager) StoreToken(host, token string) error {
	if err := keyring.Set(keyringService, host, token); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfiguration, "Failed to store token in keyring").
			WithContext("host", host)
	}
	am.mu.Lock()
	delete(am.cached, host)
	am.mu.Unlock()
	return nil
}

func (am *AuthManager) httpsAuth(host string) transport.AuthMethod {
	if token, err := keyring.Get(keyringService, host); err == nil && token != "" {
		return &http.BasicAuth{Username: "token", Password: token}
	}

	if token := os.Getenv(TokenEnvVar); token != "" {
		return &http.BasicAuth{Username: "token", Password: token}
	}

	username := os.Getenv("GIT_USERNAME")
	password := os.Getenv("GIT_PASSWORD")
	if username != "" && password != "" {
		return &http.BasicAuth{Username: username, Password: password}
	}

	// anonymous access
	return nil
}

func (am *AuthManager) sshAuth() (transport.AuthMethod, error) {
	if auth, err := ssh.NewSSHAgentAuth("git"); err == nil {
		return auth, nil
	}

	home, _ := os.UserHomeDir()
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		keyPath := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(keyPath); err != nil {
			continue
		}
		passphrase, _ := keyring.Get(keyringService, keyPath)
		if auth, err := ssh.NewPublicKeysFromFile("git", keyPath, passphrase); err == nil {
			return auth, nil
		}
	}

	return nil, errors.New(errors.ErrCodeConfiguration, "No SSH authentication method available").
		WithSuggestions(
			"Add your SSH key to the SSH agent with 'ssh-add'",
			"Use an https remote with a token instead",
		)
}

// IsSSHURL checks if a git URL is using SSH protocol
func IsSSHURL(gitURL string) bool {
	return strings.HasPrefix(gitURL, "git@") || strings.HasPrefix(gitURL, "ssh://")
}

// IsHTTPSURL checks if a git URL is using HTTP(S) protocol
func IsHTTPSURL(gitURL string) bool {
	return strings.HasPrefix(gitURL, "https://") || strings.HasPrefix(gitURL, "http://")
}

// ExtractHost extracts the host from a Git URL. Local paths yield "".
func ExtractHost(gitURL string) string {
	if !IsSSHURL(gitURL) && !IsHTTPSURL(gitURL) {
		return ""
	}

	url := gitURL
	for _, prefix := range []string{"https://", "http://", "ssh://", "git@"} {
		url = strings.TrimPrefix(url, prefix)
	}
	if idx := strings.Index(url, "@"); idx >= 0 {
		url = url[idx+1:]
	}
	if idx := strings.Index(url, "/"); idx > 0 {
		url = url[:idx]
	}
	if idx := strings.Index(url, ":"); idx > 0 {
		url = url[:idx]
	}
	return url
}
