package credential

import (
	"encoding/json"
	"strings"

	apperrors "contractai-go/internal/errors"
)

// ServiceAccount is a Google service-account key as stored on a backend setting.
type ServiceAccount struct {
	Type                string `json:"type"`
	ProjectID           string `json:"project_id"`
	PrivateKeyID        string `json:"private_key_id"`
	PrivateKey          string `json:"private_key"`
	ClientEmail         string `json:"client_email"`
	ClientID            string `json:"client_id"`
	AuthURI             string `json:"auth_uri,omitempty"`
	TokenURI            string `json:"token_uri,omitempty"`
	AuthProviderCertURL string `json:"auth_provider_x509_cert_url,omitempty"`
	ClientCertURL       string `json:"client_x509_cert_url,omitempty"`
	UniverseDomain      string `json:"universe_domain,omitempty"`
}

// Validate enforces the fields needed to mint tokens.
func (s *ServiceAccount) Validate() error {
	var missing []string
	if strings.TrimSpace(s.PrivateKey) == "" {
		missing = append(missing, "private_key")
	}
	if strings.TrimSpace(s.ClientEmail) == "" {
		missing = append(missing, "client_email")
	}
	if len(missing) > 0 {
		return &apperrors.ValidationError{Missing: missing}
	}
	return nil
}

// JSON renders the key in the Google JSON key file format.
func (s *ServiceAccount) JSON() ([]byte, error) {
	cp := *s
	if cp.Type == "" {
		cp.Type = "service_account"
	}
	if cp.TokenURI == "" {
		cp.TokenURI = "https://oauth2.googleapis.com/token"
	}
	return json.Marshal(cp)
}

func normalizePrivateKey(key string) string {
	if strings.Contains(key, `\n`) {
		return strings.ReplaceAll(key, `\n`, "\n")
	}
	return key
}
