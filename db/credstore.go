package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/onnwee/streamchat/creds"
	"github.com/onnwee/streamchat/crypto"
	"github.com/onnwee/streamchat/model"
)

// CredentialStore persists platform credentials in Postgres, encrypted at
// rest when ENCRYPTION_KEY is configured. It implements creds.Store.
type CredentialStore struct {
	db *sql.DB
}

func NewCredentialStore(db *sql.DB) *CredentialStore {
	return &CredentialStore{db: db}
}

// Put upserts the credential for its platform. Token and cookie columns are
// encrypted when an encryptor is configured; encryption_version records which
// path wrote the row so Get can decrypt correctly after a config change.
func (s *CredentialStore) Put(ctx context.Context, cred creds.Credential) error {
	enc, err := getEncryptor()
	if err != nil {
		return err
	}

	accessToken := cred.AccessToken
	refreshToken := cred.RefreshToken
	cookieBundle := cred.CookieBundle
	version := 0

	if enc != nil {
		if accessToken, err = crypto.EncryptString(enc, cred.AccessToken); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		if refreshToken, err = crypto.EncryptString(enc, cred.RefreshToken); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		if cookieBundle, err = crypto.EncryptString(enc, cred.CookieBundle); err != nil {
			return fmt.Errorf("encrypt cookie bundle: %w", err)
		}
		version = 1
	}

	var expiresAt any
	if !cred.ExpiresAt.IsZero() {
		expiresAt = cred.ExpiresAt
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO oauth_tokens (provider, access_token, refresh_token, cookie_bundle, expires_at, scope, encryption_version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (provider) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			cookie_bundle = EXCLUDED.cookie_bundle,
			expires_at = EXCLUDED.expires_at,
			scope = EXCLUDED.scope,
			encryption_version = EXCLUDED.encryption_version,
			updated_at = NOW()
	`, string(cred.Platform), accessToken, refreshToken, cookieBundle, expiresAt, strings.Join(cred.Scopes, " "), version)
	if err != nil {
		return fmt.Errorf("upsert credential for %s: %w", cred.Platform, err)
	}
	return nil
}

// Get loads the stored credential for a platform, decrypting as needed.
// Returns creds.ErrNoCredential when no row exists.
func (s *CredentialStore) Get(ctx context.Context, platform model.Platform) (creds.Credential, error) {
	var (
		accessToken  sql.NullString
		refreshToken sql.NullString
		cookieBundle sql.NullString
		expiresAt    sql.NullTime
		scope        sql.NullString
		version      int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT access_token, refresh_token, cookie_bundle, expires_at, scope, COALESCE(encryption_version, 0)
		FROM oauth_tokens WHERE provider = $1
	`, string(platform)).Scan(&accessToken, &refreshToken, &cookieBundle, &expiresAt, &scope, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return creds.Credential{}, creds.ErrNoCredential
	}
	if err != nil {
		return creds.Credential{}, fmt.Errorf("query credential for %s: %w", platform, err)
	}

	cred := creds.Credential{
		Platform:     platform,
		AccessToken:  accessToken.String,
		RefreshToken: refreshToken.String,
		CookieBundle: cookieBundle.String,
	}
	if expiresAt.Valid {
		cred.ExpiresAt = expiresAt.Time.UTC()
	}
	if scope.String != "" {
		cred.Scopes = strings.Fields(scope.String)
	}

	if version >= 1 {
		enc, err := getEncryptor()
		if err != nil {
			return creds.Credential{}, err
		}
		if enc == nil {
			return creds.Credential{}, fmt.Errorf("credential for %s is encrypted but ENCRYPTION_KEY is not configured", platform)
		}
		if cred.AccessToken, err = crypto.DecryptString(enc, accessToken.String); err != nil {
			return creds.Credential{}, fmt.Errorf("decrypt access token: %w", err)
		}
		if cred.RefreshToken, err = crypto.DecryptString(enc, refreshToken.String); err != nil {
			return creds.Credential{}, fmt.Errorf("decrypt refresh token: %w", err)
		}
		if cred.CookieBundle, err = crypto.DecryptString(enc, cookieBundle.String); err != nil {
			return creds.Credential{}, fmt.Errorf("decrypt cookie bundle: %w", err)
		}
	}

	return cred, nil
}

// Invalidate deletes the stored credential so subsequent Gets report
// creds.ErrNoCredential until a re-login writes a new one.
func (s *CredentialStore) Invalidate(ctx context.Context, platform model.Platform) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE provider = $1`, string(platform))
	if err != nil {
		return fmt.Errorf("invalidate credential for %s: %w", platform, err)
	}
	return nil
}
