// Command encrypt-tokens seals stored Twitch credentials with ENCRYPTION_KEY.
//
// It reads the credentials from tokens.json (or oauth_tokens when DB_DSN is
// set), opening them with OLD_ENCRYPTION_KEY when the store was sealed with a
// previous key, and writes them back sealed with the current key. Plaintext
// credentials need no old key.
//
// Usage:
//
//	encrypt-tokens [--dry-run] [--file PATH]
//
// Example:
//
//	export ENCRYPTION_KEY="$(openssl rand -base64 32)"
//	./encrypt-tokens --dry-run
//	./encrypt-tokens
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/onnwee/autocat/crypto"
	"github.com/onnwee/autocat/db"
	"github.com/onnwee/autocat/oauth"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be rewritten without making changes")
	file := flag.String("file", "", "Token file (default: $DATA_DIR/tokens.json)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	newEnc, err := encryptor("ENCRYPTION_KEY")
	if err != nil || newEnc == nil {
		slog.Error("ENCRYPTION_KEY must be set to a base64 32-byte key", slog.Any("error", err))
		os.Exit(1)
	}
	oldEnc, err := encryptor("OLD_ENCRYPTION_KEY")
	if err != nil {
		slog.Error("invalid OLD_ENCRYPTION_KEY", slog.Any("error", err))
		os.Exit(1)
	}
	if oldEnc == nil {
		oldEnc = newEnc
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	var src, dst oauth.Store
	if dsn := os.Getenv("DB_DSN"); dsn != "" {
		database, err := db.Open(ctx, dsn)
		if err != nil {
			slog.Error("failed to connect to database", slog.Any("error", err))
			os.Exit(1)
		}
		defer database.Close()
		src = &db.TokenStore{DB: database, Enc: oldEnc}
		dst = &db.TokenStore{DB: database, Enc: newEnc}
	} else {
		path := *file
		if path == "" {
			dir := os.Getenv("DATA_DIR")
			if dir == "" {
				dir = "data"
			}
			path = filepath.Join(dir, "tokens.json")
		}
		src = oauth.NewFileStore(path, oldEnc)
		dst = oauth.NewFileStore(path, newEnc)
	}

	rewritten, err := reseal(ctx, src, dst, *dryRun)
	if err != nil {
		slog.Error("re-encryption failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("re-encryption finished", slog.Bool("rewritten", rewritten), slog.Bool("dry_run", *dryRun))
}

func encryptor(envKey string) (crypto.Encryptor, error) {
	v := os.Getenv(envKey)
	if v == "" {
		return nil, nil
	}
	enc, err := crypto.NewAESEncryptor(v)
	if err != nil {
		return nil, err
	}
	return enc, nil
}

// reseal reads credentials from src and writes them to dst. It reports
// whether anything was (or, in dry-run mode, would be) written.
func reseal(ctx context.Context, src, dst oauth.Store, dryRun bool) (bool, error) {
	creds, found, err := src.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("load credentials: %w", err)
	}
	if !found || (creds.AccessToken == "" && creds.RefreshToken == "") {
		slog.Info("no stored credentials found")
		return false, nil
	}
	if dryRun {
		slog.Info("would re-encrypt credentials (dry-run)", slog.Bool("complete", creds.Complete()))
		return true, nil
	}
	if err := dst.Save(ctx, creds); err != nil {
		return false, fmt.Errorf("save credentials: %w", err)
	}
	// read back with the new key before reporting success
	check, _, err := dst.Load(ctx)
	if err != nil {
		return true, fmt.Errorf("verify credentials: %w", err)
	}
	if check.AccessToken != creds.AccessToken || check.RefreshToken != creds.RefreshToken {
		return true, fmt.Errorf("verify credentials: round trip mismatch")
	}
	return true, nil
}
