// Package security provides AES-256-GCM encryption for provider secrets.
// Secrets are encrypted at rest and decrypted only on the dispatch path;
// plaintext never reaches logs or the store.
package security
