package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultCredentialsFile is where machines keep their identity between runs.
const DefaultCredentialsFile = ".foundry_credentials.json"

// Credentials is the on-disk form of a machine identity.
type Credentials struct {
	MachineUUID string    `json:"machine_uuid"`
	PublicKey   string    `json:"public_key"`
	SecretKey   string    `json:"secret_key"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewCredentials bundles a keypair with its machine id.
func NewCredentials(machineID string, kp Keypair) Credentials {
	return Credentials{
		MachineUUID: machineID,
		PublicKey:   kp.PublicKeyBase58(),
		SecretKey:   kp.SecretBase58(),
		CreatedAt:   time.Now().UTC(),
	}
}

// Keypair decodes the stored secret.
func (c Credentials) Keypair() (Keypair, error) {
	kp, err := FromSecret(c.SecretKey)
	if err != nil {
		return Keypair{}, fmt.Errorf("invalid machine credentials: %w", err)
	}
	if c.PublicKey != "" && kp.PublicKeyBase58() != c.PublicKey {
		return Keypair{}, fmt.Errorf("invalid machine credentials: public key does not match secret")
	}
	return kp, nil
}

// SaveCredentials writes creds to path with owner-only permissions.
func SaveCredentials(path string, creds Credentials) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create credentials dir: %w", err)
		}
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

// LoadCredentials reads a credentials file. A missing file is reported with
// an error satisfying errors.Is(err, os.ErrNotExist).
func LoadCredentials(path string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, err
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return Credentials{}, fmt.Errorf("decode credentials: %w", err)
	}
	if creds.MachineUUID == "" || creds.SecretKey == "" {
		return Credentials{}, fmt.Errorf("credentials file %s is incomplete", path)
	}
	return creds, nil
}
