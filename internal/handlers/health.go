package handlers

import (
	"runtime"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/neogan74/overseer/internal/feed"
	"github.com/neogan74/overseer/internal/governor"
	"github.com/neogan74/overseer/internal/ledger"
	"github.com/neogan74/overseer/internal/vault"
)

// HealthStatus represents the health status of the service
type HealthStatus struct {
	Status     string           `json:"status"`
	Version    string           `json:"version"`
	Uptime     string           `json:"uptime"`
	Timestamp  time.Time        `json:"timestamp"`
	Governance GovernanceHealth `json:"governance"`
	Ledger     LedgerHealth     `json:"ledger"`
	System     SystemHealth     `json:"system"`
}

type GovernanceHealth struct {
	Paused           bool `json:"paused"`
	PendingApprovals int  `json:"pending_approvals"`
	VaultUnlocked    bool `json:"vault_unlocked"`
	FeedSubscribers  int  `json:"feed_subscribers"`
}

type LedgerHealth struct {
	Entries  int    `json:"entries"`
	HeadHash string `json:"head_hash,omitempty"`
}

type SystemHealth struct {
	Goroutines  int    `json:"goroutines"`
	MemoryAlloc uint64 `json:"memory_alloc_bytes"`
	MemorySys   uint64 `json:"memory_sys_bytes"`
	NumGC       uint32 `json:"num_gc"`
}

// HealthHandler handles health check operations
type HealthHandler struct {
	gov       *governor.Governor
	ledger    *ledger.Ledger
	vault     *vault.Vault
	hub       *feed.Hub
	startTime time.Time
	version   string
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(gov *governor.Governor, l *ledger.Ledger, v *vault.Vault, hub *feed.Hub, version string) *HealthHandler {
	return &HealthHandler{
		gov:       gov,
		ledger:    l,
		vault:     v,
		hub:       hub,
		startTime: time.Now(),
		version:   version,
	}
}

// Check returns the health status of the service
func (h *HealthHandler) Check(c *fiber.Ctx) error {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	stats := h.gov.Stats()
	ledgerStats := h.ledger.Stats()

	status := HealthStatus{
		Status:    "healthy",
		Version:   h.version,
		Uptime:    time.Since(h.startTime).String(),
		Timestamp: time.Now(),
		Governance: GovernanceHealth{
			Paused:           stats.IsPaused,
			PendingApprovals: stats.PendingApprovals,
			VaultUnlocked:    h.vault.Initialized(),
			FeedSubscribers:  h.hub.Count(),
		},
		Ledger: LedgerHealth{
			Entries:  ledgerStats.Count,
			HeadHash: ledgerStats.HeadHash,
		},
		System: SystemHealth{
			Goroutines:  runtime.NumGoroutine(),
			MemoryAlloc: m.Alloc,
			MemorySys:   m.Sys,
			NumGC:       m.NumGC,
		},
	}

	return c.JSON(status)
}

// Liveness reports that the process is up
func (h *HealthHandler) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "alive",
		"timestamp": time.Now(),
	})
}

// Readiness reports ready once the ledger head is readable.
func (h *HealthHandler) Readiness(c *fiber.Ctx) error {
	_ = h.ledger.Stats()

	return c.JSON(fiber.Map{
		"status":    "ready",
		"paused":    h.gov.IsPaused(),
		"timestamp": time.Now(),
	})
}
