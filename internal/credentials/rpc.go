package credentials

import "context"

// PasswordFuncs is implemented by stores that expose the database's own
// encrypt_password and decrypt_password functions.
type PasswordFuncs interface {
	EncryptPassword(ctx context.Context, plaintext string) (string, error)
	DecryptPassword(ctx context.Context, token string) (string, error)
}

// Database adapts PasswordFuncs to a Cipher.
type Database struct {
	funcs PasswordFuncs
}

// NewDatabase wraps funcs.
func NewDatabase(funcs PasswordFuncs) *Database {
	return &Database{funcs: funcs}
}

func (d *Database) Name() string { return "database" }

func (d *Database) Encrypt(ctx context.Context, plaintext string) (string, error) {
	return d.funcs.EncryptPassword(ctx, plaintext)
}

func (d *Database) Decrypt(ctx context.Context, token string) (string, error) {
	return d.funcs.DecryptPassword(ctx, token)
}
