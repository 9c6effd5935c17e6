package credential

import (
	"encoding/json"
	"errors"
	"strings"

	apperrors "contractai-go/internal/errors"
	"contractai-go/internal/secrets"

	log "github.com/sirupsen/logrus"
)

// Parser reads service-account blobs stored either as plaintext JSON or in
// the legacy encrypted-at-rest format.
type Parser struct {
	codec secrets.Decrypter
}

// NewParser returns a parser. codec may be nil, which disables the legacy path.
func NewParser(codec secrets.Decrypter) *Parser {
	return &Parser{codec: codec}
}

// Parse returns a normalized, validated credential. Failures are
// *apperrors.ParseError (unreadable) or *apperrors.ValidationError
// (readable but incomplete).
func (p *Parser) Parse(blob string) (*ServiceAccount, error) {
	sa, plainErr := parsePlain(blob)
	if plainErr != nil {
		var legacyErr error
		sa, legacyErr = p.parseLegacy(blob)
		if legacyErr != nil {
			log.WithFields(log.Fields{
				"plaintext_error": plainErr.Error(),
				"legacy_error":    legacyErr.Error(),
			}).Warn("credential blob unreadable by plaintext and legacy paths")
			return nil, &apperrors.ParseError{Source: "legacy", Err: errors.Join(plainErr, legacyErr)}
		}
		log.Debug("credential parsed via legacy encrypted path")
	}
	sa.PrivateKey = normalizePrivateKey(sa.PrivateKey)
	if err := sa.Validate(); err != nil {
		return nil, err
	}
	return sa, nil
}

func parsePlain(blob string) (*ServiceAccount, error) {
	trimmed := strings.TrimSpace(blob)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, errors.New("not a JSON object")
	}
	var sa ServiceAccount
	if err := json.Unmarshal([]byte(trimmed), &sa); err != nil {
		return nil, err
	}
	return &sa, nil
}

func (p *Parser) parseLegacy(blob string) (*ServiceAccount, error) {
	if p.codec == nil {
		return nil, errors.New("legacy format requires an encryption key")
	}
	var sa ServiceAccount
	if err := p.codec.DecryptJSON(blob, &sa); err != nil {
		return nil, err
	}
	return &sa, nil
}
