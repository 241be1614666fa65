// Package vault stores operator credentials encrypted at rest.
//
// The master key is derived from a passphrase with Argon2id and never leaves
// memory. Each secret is sealed with XChaCha20-Poly1305 using the credential
// id as additional data, so ciphertext cannot be moved between records.
package vault

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/neogan74/overseer/internal/apperr"
	"github.com/neogan74/overseer/internal/logger"
	"github.com/neogan74/overseer/internal/metrics"
	"github.com/neogan74/overseer/internal/persistence"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrNotInitialized   = errors.New("vault not initialized")
	ErrInvalidMasterKey = errors.New("invalid master key")
	ErrNotFound         = errors.New("credential not found")
)

const (
	metaKey      = "vault/meta"
	credPrefix   = "vault/cred/"
	saltSize     = 16
	keySize      = chacha20poly1305.KeySize
	verifierText = "overseer-vault-verifier"
)

// KDFParams are the Argon2id cost parameters.
type KDFParams struct {
	Time    uint32 `json:"time"`
	Memory  uint32 `json:"memory"`
	Threads uint8  `json:"threads"`
}

// DefaultKDFParams follow the RFC 9106 second recommended option.
func DefaultKDFParams() KDFParams {
	return KDFParams{Time: 3, Memory: 64 * 1024, Threads: 4}
}

type meta struct {
	Salt     []byte    `json:"salt"`
	Params   KDFParams `json:"params"`
	Verifier []byte    `json:"verifier"`
}

type credential struct {
	ID         string    `json:"id"`
	Label      string    `json:"label"`
	Ciphertext []byte    `json:"ciphertext"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Metadata describes a stored credential without its secret.
type Metadata struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"createdAt"`
}

// Options configures a Vault.
type Options struct {
	KDF   KDFParams
	Clock func() time.Time
}

// Vault is the encrypted credential store.
type Vault struct {
	engine persistence.Engine
	params KDFParams
	clock  func() time.Time
	log    logger.Logger

	mu  sync.RWMutex
	key []byte
}

// New creates a locked Vault.
func New(engine persistence.Engine, opts Options, log logger.Logger) *Vault {
	if opts.KDF.Time == 0 || opts.KDF.Memory == 0 || opts.KDF.Threads == 0 {
		opts.KDF = DefaultKDFParams()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Vault{
		engine: engine,
		params: opts.KDF,
		clock:  opts.Clock,
		log:    log.WithComponent("vault"),
	}
}

func notInitialized() error {
	return apperr.Wrap(apperr.CodeVaultNotInitialized, "vault is not initialized", ErrNotInitialized)
}

// Initialize derives the master key from passphrase. On first use it creates
// the salt and verifier; afterwards a wrong passphrase fails with
// ErrInvalidMasterKey and leaves the vault locked.
func (v *Vault) Initialize(ctx context.Context, passphrase string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if passphrase == "" {
		return apperr.Validation("passphrase is required")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	m, err := v.loadMeta()
	if err != nil && !errors.Is(err, persistence.ErrKeyNotFound) {
		v.count("initialize", err)
		return fmt.Errorf("failed to load vault metadata: %w", err)
	}

	if errors.Is(err, persistence.ErrKeyNotFound) {
		key, m, err := v.create(passphrase)
		if err != nil {
			v.count("initialize", err)
			return err
		}
		data, err := json.Marshal(m)
		if err != nil {
			wipe(key)
			return fmt.Errorf("failed to encode vault metadata: %w", err)
		}
		if err := v.engine.CompareAndSwap(metaKey, nil, data); err != nil {
			wipe(key)
			v.count("initialize", err)
			return fmt.Errorf("failed to store vault metadata: %w", err)
		}
		v.setKey(key)
		v.count("initialize", nil)
		v.log.Info("Vault created")
		return nil
	}

	key := derive(passphrase, m.Salt, m.Params)
	if _, err := open(key, m.Verifier, []byte(metaKey)); err != nil {
		wipe(key)
		v.count("initialize", ErrInvalidMasterKey)
		v.log.Warn("Vault unlock rejected")
		return apperr.Wrap(apperr.CodeValidation, "invalid master key", ErrInvalidMasterKey)
	}
	v.setKey(key)
	v.count("initialize", nil)
	v.log.Info("Vault unlocked")
	return nil
}

func (v *Vault) create(passphrase string) ([]byte, meta, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, meta{}, fmt.Errorf("failed to generate salt: %w", err)
	}
	key := derive(passphrase, salt, v.params)
	verifier, err := seal(key, []byte(verifierText), []byte(metaKey))
	if err != nil {
		wipe(key)
		return nil, meta{}, err
	}
	return key, meta{Salt: salt, Params: v.params, Verifier: verifier}, nil
}

func (v *Vault) loadMeta() (meta, error) {
	data, err := v.engine.Get(metaKey)
	if err != nil {
		return meta{}, err
	}
	var m meta
	if err := json.Unmarshal(data, &m); err != nil {
		return meta{}, fmt.Errorf("failed to decode vault metadata: %w", err)
	}
	return m, nil
}

// setKey replaces the in-memory key. Caller holds mu.
func (v *Vault) setKey(key []byte) {
	wipe(v.key)
	v.key = key
}

// Initialized reports whether the master key is loaded.
func (v *Vault) Initialized() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.key != nil
}

// Lock wipes the master key from memory.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.setKey(nil)
	v.log.Info("Vault locked")
}

// Store encrypts plaintext under a new credential id.
func (v *Vault) Store(ctx context.Context, label string, plaintext []byte) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.key == nil {
		v.count("store", ErrNotInitialized)
		return "", notInitialized()
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if label == "" {
		return "", apperr.Validation("label is required")
	}

	id := uuid.NewString()
	ciphertext, err := seal(v.key, plaintext, []byte(id))
	if err != nil {
		v.count("store", err)
		return "", err
	}
	data, err := json.Marshal(credential{ID: id, Label: label, Ciphertext: ciphertext, CreatedAt: v.clock().UTC()})
	if err != nil {
		return "", fmt.Errorf("failed to encode credential: %w", err)
	}
	if err := v.engine.CompareAndSwap(credPrefix+id, nil, data); err != nil {
		v.count("store", err)
		return "", fmt.Errorf("failed to store credential: %w", err)
	}

	v.count("store", nil)
	v.log.Info("Credential stored", logger.String("id", id), logger.String("label", label))
	return id, nil
}

// Retrieve decrypts the credential with the given id.
func (v *Vault) Retrieve(ctx context.Context, id string) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.key == nil {
		v.count("retrieve", ErrNotInitialized)
		return nil, notInitialized()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c, err := v.load(id)
	if err != nil {
		v.count("retrieve", err)
		return nil, err
	}
	plaintext, err := open(v.key, c.Ciphertext, []byte(c.ID))
	if err != nil {
		v.count("retrieve", err)
		v.log.Error("Credential failed authentication", logger.String("id", id))
		return nil, apperr.New(apperr.CodeInternal, "credential could not be decrypted")
	}

	v.count("retrieve", nil)
	v.log.Info("Credential retrieved", logger.String("id", id))
	return plaintext, nil
}

// Delete removes the credential with the given id.
func (v *Vault) Delete(ctx context.Context, id string) error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.key == nil {
		v.count("delete", ErrNotInitialized)
		return notInitialized()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := v.load(id); err != nil {
		v.count("delete", err)
		return err
	}
	if err := v.engine.Delete(credPrefix + id); err != nil {
		v.count("delete", err)
		return fmt.Errorf("failed to delete credential: %w", err)
	}

	v.count("delete", nil)
	v.log.Info("Credential deleted", logger.String("id", id))
	return nil
}

// List returns metadata for every credential, oldest first.
func (v *Vault) List(ctx context.Context) ([]Metadata, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.key == nil {
		v.count("list", ErrNotInitialized)
		return nil, notInitialized()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	items, err := v.engine.List(credPrefix)
	if err != nil {
		v.count("list", err)
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	out := make([]Metadata, 0, len(items))
	for _, item := range items {
		var c credential
		if err := json.Unmarshal(item.Value, &c); err != nil {
			v.log.Warn("Skipping unreadable credential", logger.String("key", item.Key))
			continue
		}
		out = append(out, Metadata{ID: c.ID, Label: c.Label, CreatedAt: c.CreatedAt})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	v.count("list", nil)
	return out, nil
}

func (v *Vault) load(id string) (credential, error) {
	data, err := v.engine.Get(credPrefix + id)
	if errors.Is(err, persistence.ErrKeyNotFound) {
		return credential{}, apperr.Wrap(apperr.CodeNotFound, fmt.Sprintf("credential '%s' not found", id), ErrNotFound)
	}
	if err != nil {
		return credential{}, fmt.Errorf("failed to load credential: %w", err)
	}
	var c credential
	if err := json.Unmarshal(data, &c); err != nil {
		return credential{}, fmt.Errorf("failed to decode credential: %w", err)
	}
	return c, nil
}

func (v *Vault) count(op string, err error) {
	status := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrNotInitialized):
		status = "not_initialized"
	case errors.Is(err, ErrInvalidMasterKey):
		status = "invalid_key"
	case apperr.IsNotFound(err):
		status = "not_found"
	default:
		status = "error"
	}
	metrics.VaultOperationsTotal.WithLabelValues(op, status).Inc()
}
