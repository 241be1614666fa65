package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/neogan74/overseer/internal/middleware"
	"github.com/neogan74/overseer/internal/policy"
	"github.com/neogan74/overseer/internal/vault"
)

// VaultHandler serves credential storage. Secrets never appear in logs.
type VaultHandler struct {
	vault *vault.Vault
}

// NewVaultHandler creates a vault handler
func NewVaultHandler(v *vault.Vault) *VaultHandler {
	return &VaultHandler{vault: v}
}

// InitRequest unlocks or creates the vault.
type InitRequest struct {
	Passphrase string `json:"passphrase" validate:"required"`
}

// StoreRequest adds one credential.
type StoreRequest struct {
	Label  string `json:"label" validate:"required"`
	Secret string `json:"secret" validate:"required"`
}

// CredentialResponse carries a decrypted credential.
type CredentialResponse struct {
	ID     string `json:"id"`
	Secret string `json:"secret"`
}

// Init derives the master key from the passphrase.
func (h *VaultHandler) Init(c *fiber.Ctx) error {
	var req InitRequest
	if err := c.BodyParser(&req); err != nil {
		return middleware.BadRequest(c, "invalid request body")
	}
	if err := policy.ValidationError(policy.Validator().Struct(req)); err != nil {
		return err
	}
	if err := h.vault.Initialize(c.UserContext(), req.Passphrase); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"initialized": true})
}

// Store encrypts and saves a credential.
func (h *VaultHandler) Store(c *fiber.Ctx) error {
	var req StoreRequest
	if err := c.BodyParser(&req); err != nil {
		return middleware.BadRequest(c, "invalid request body")
	}
	if err := policy.ValidationError(policy.Validator().Struct(req)); err != nil {
		return err
	}

	id, err := h.vault.Store(c.UserContext(), req.Label, []byte(req.Secret))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"id": id, "label": req.Label})
}

// Retrieve decrypts one credential.
func (h *VaultHandler) Retrieve(c *fiber.Ctx) error {
	id := c.Params("id")
	secret, err := h.vault.Retrieve(c.UserContext(), id)
	if err != nil {
		return err
	}
	c.Set(fiber.HeaderCacheControl, "no-store")
	return c.JSON(CredentialResponse{ID: id, Secret: string(secret)})
}

// Delete removes one credential.
func (h *VaultHandler) Delete(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := h.vault.Delete(c.UserContext(), id); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"deleted": id})
}

// List returns credential metadata without secrets.
func (h *VaultHandler) List(c *fiber.Ctx) error {
	creds, err := h.vault.List(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"credentials": creds,
		"count":       len(creds),
	})
}
