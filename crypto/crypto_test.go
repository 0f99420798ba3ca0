package crypto

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func testKey(t *testing.T) string {
	t.Helper()
	k, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	return k
}

func TestNewAESEncryptor(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr string
	}{
		{"valid 32-byte key", base64.StdEncoding.EncodeToString(make([]byte, 32)), ""},
		{"empty key", "", "empty"},
		{"invalid base64", "not-valid-base64!!!", "base64 decode failed"},
		{"too short", base64.StdEncoding.EncodeToString(make([]byte, 16)), "must be 32 bytes"},
		{"too long", base64.StdEncoding.EncodeToString(make([]byte, 64)), "must be 32 bytes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := NewAESEncryptor(tt.key)
			if tt.wantErr == "" {
				if err != nil || enc == nil {
					t.Fatalf("NewAESEncryptor() = %v, %v", enc, err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("NewAESEncryptor() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	enc, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatal(err)
	}
	for _, pt := range []string{"a", "oauth-access-token-abc123", strings.Repeat("x", 4096), "unicode ✓ токен"} {
		ct, err := enc.Encrypt([]byte(pt))
		if err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}
		got, err := enc.Decrypt(ct)
		if err != nil {
			t.Fatalf("Decrypt() error = %v", err)
		}
		if string(got) != pt {
			t.Errorf("round trip = %q, want %q", got, pt)
		}
	}
}

func TestEncryptNonDeterministic(t *testing.T) {
	enc, _ := NewAESEncryptor(testKey(t))
	a, _ := enc.Encrypt([]byte("same"))
	b, _ := enc.Encrypt([]byte("same"))
	if string(a) == string(b) {
		t.Error("two encryptions of the same plaintext must differ")
	}
}

func TestDecryptRejectsBadInput(t *testing.T) {
	enc, _ := NewAESEncryptor(testKey(t))
	other, _ := NewAESEncryptor(testKey(t))
	ct, _ := enc.Encrypt([]byte("secret"))

	tampered := append([]byte(nil), ct...)
	tampered[len(tampered)-1] ^= 0xff

	tests := []struct {
		name string
		enc  *AESEncryptor
		ct   []byte
	}{
		{"empty", enc, nil},
		{"too short", enc, ct[:5]},
		{"tampered", enc, tampered},
		{"wrong key", other, ct},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.enc.Decrypt(tt.ct); err == nil {
				t.Error("Decrypt() error = nil")
			}
		})
	}
}

func TestEncrypt_EmptyPlaintext(t *testing.T) {
	enc, _ := NewAESEncryptor(testKey(t))
	if _, err := enc.Encrypt(nil); err == nil {
		t.Error("Encrypt(nil) error = nil")
	}
}

func TestSealOpen(t *testing.T) {
	enc, _ := NewAESEncryptor(testKey(t))

	sealed, err := Seal(enc, "refresh-token")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if !IsSealed(sealed) || strings.Contains(sealed, "refresh-token") {
		t.Fatalf("Seal() = %q, want prefixed ciphertext", sealed)
	}
	got, err := Open(enc, sealed)
	if err != nil || got != "refresh-token" {
		t.Fatalf("Open() = %q, %v", got, err)
	}

	// plaintext passes through either way
	if got, err := Open(enc, "legacy-plain"); err != nil || got != "legacy-plain" {
		t.Errorf("Open(plain) = %q, %v", got, err)
	}
	if got, _ := Seal(nil, "x"); got != "x" {
		t.Errorf("Seal(nil) = %q, want passthrough", got)
	}
	if got, _ := Seal(enc, ""); got != "" {
		t.Errorf("Seal(empty) = %q, want empty", got)
	}

	if _, err := Open(nil, sealed); !errors.Is(err, ErrNoKey) {
		t.Errorf("Open(nil, sealed) error = %v, want ErrNoKey", err)
	}
	if _, err := Open(enc, Prefix+"%%%"); err == nil {
		t.Error("Open(bad base64) error = nil")
	}
}
