package lockbox

import (
	"encoding/base64"
	"fmt"
)

// FieldCodec encrypts and decrypts individual values bound to a storage
// location. The location identifier goes into the AEAD additional data, so a
// ciphertext copied from one field to another fails authentication instead
// of decrypting in the wrong place. The output is standard base64 so it can
// sit in JSON, YAML, or a database column as-is.
type FieldCodec struct {
	m *Manager
}

// Fields returns the field codec for this manager. The codec shares the
// manager's key slot; every call requires the unlocked state.
func (m *Manager) Fields() *FieldCodec {
	return &FieldCodec{m: m}
}

// EncryptField encrypts value under the active key, bound to locationID. The
// same value encrypted twice yields different ciphertext, so equality of
// stored fields reveals nothing.
func (c *FieldCodec) EncryptField(locationID string, value []byte) (string, error) {
	if locationID == "" {
		return "", fmt.Errorf("%w: empty location identifier", ErrFormat)
	}

	var blob []byte
	err := c.m.UseKey(func(key []byte) error {
		var err error
		blob, err = Encrypt(key, value, []byte(locationID))
		return err
	})
	if err != nil {
		c.m.logAudit("encrypt_field", err, map[string]interface{}{"location": locationID})
		return "", err
	}

	c.m.logAudit("encrypt_field", nil, map[string]interface{}{"location": locationID})
	return base64.StdEncoding.EncodeToString(blob), nil
}

// DecryptField decrypts a field previously produced by EncryptField for the
// same locationID. A ciphertext moved to a different location fails with
// ErrAuthenticationFailure.
func (c *FieldCodec) DecryptField(locationID string, encoded string) ([]byte, error) {
	if locationID == "" {
		return nil, fmt.Errorf("%w: empty location identifier", ErrFormat)
	}

	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		c.m.logAudit("decrypt_field", err, map[string]interface{}{"location": locationID})
		return nil, fmt.Errorf("%w: invalid base64 encoding: %v", ErrFormat, err)
	}

	var value []byte
	err = c.m.UseKey(func(key []byte) error {
		var err error
		value, err = Decrypt(key, blob, []byte(locationID))
		return err
	})
	if err != nil {
		c.m.logAudit("decrypt_field", err, map[string]interface{}{"location": locationID})
		return nil, err
	}

	c.m.logAudit("decrypt_field", nil, map[string]interface{}{"location": locationID})
	return value, nil
}

// EncryptFieldWithKey is the keyed variant used during password migration,
// where the caller holds an explicit key from Rekey.UseKeys rather than the
// manager's active slot.
func EncryptFieldWithKey(key []byte, locationID string, value []byte) (string, error) {
	if locationID == "" {
		return "", fmt.Errorf("%w: empty location identifier", ErrFormat)
	}
	blob, err := Encrypt(key, value, []byte(locationID))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(blob), nil
}

// DecryptFieldWithKey is the keyed variant of DecryptField.
func DecryptFieldWithKey(key []byte, locationID string, encoded string) ([]byte, error) {
	if locationID == "" {
		return nil, fmt.Errorf("%w: empty location identifier", ErrFormat)
	}
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 encoding: %v", ErrFormat, err)
	}
	return Decrypt(key, blob, []byte(locationID))
}
