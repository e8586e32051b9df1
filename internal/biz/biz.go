// Package biz contains business logic layer implementations.
// This layer holds the core business rules and domain models.
package biz

import (
	"MediaForge/internal/data"

	"github.com/google/wire"
)

// ProviderSet is biz providers.
var ProviderSet = wire.NewSet(
	NewBreakerRegistry,
	NewRateLimiterUseCase,
	NewWebhookUseCase,
	NewGenerationUseCase,
	NewReconcileTask,
	// Import data layer providers
	data.NewJobRepo,
	data.NewLedgerRepo,
	data.NewRateLimitRepo,
	data.NewAuditLogger,
	data.NewArtifactStore,
	data.NewProviderClient,
	// Bind data layer implementations to biz layer interfaces
	wire.Bind(new(JobRepo), new(*data.JobRepo)),
	wire.Bind(new(CreditLedger), new(*data.LedgerRepo)),
	wire.Bind(new(RateLimitRepo), new(*data.RateLimitRepo)),
	wire.Bind(new(AuditLogger), new(*data.AuditLoggerImpl)),
	wire.Bind(new(ArtifactStore), new(*data.ArtifactStoreImpl)),
	wire.Bind(new(ProviderClient), new(*data.ProviderClientImpl)),
)
