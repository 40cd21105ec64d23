package app

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
)

// GenerateSigningSeed prints a fresh hex-encoded signing seed for
// tokens.signing_seed. Links survive process restarts only with a
// configured seed.
func (a *App) GenerateSigningSeed() error {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return fmt.Errorf("generate seed: %w", err)
	}
	fmt.Fprintln(os.Stdout, hex.EncodeToString(seed))
	return nil
}
