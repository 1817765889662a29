package storage

import (
	"context"

	"promptgallery/internal/models"
)

// Repository exposes the datastore operations required by API handlers
// and the operator tools.
type Repository interface {
	Ping(ctx context.Context) error

	CreateUser(ctx context.Context, params CreateUserParams) (models.User, error)
	AuthenticateUser(ctx context.Context, identities []models.Identity, password string) (models.User, error)
	GetUser(ctx context.Context, id string) (models.User, error)
	FindUser(ctx context.Context, id models.Identity) (models.User, error)
	SetPremium(ctx context.Context, id models.Identity, premium bool) (models.User, error)

	ListPrompts(ctx context.Context) ([]models.Prompt, error)
	AddPrompt(ctx context.Context, draft PromptDraft) (models.Prompt, error)
	RemovePrompt(ctx context.Context, id string) (models.Prompt, error)

	ListWallpapers(ctx context.Context) ([]models.Wallpaper, error)
	GetWallpaper(ctx context.Context, id string) (models.Wallpaper, error)
	AddWallpaper(ctx context.Context, draft WallpaperDraft) (models.Wallpaper, error)
	RemoveWallpaper(ctx context.Context, id string) (models.Wallpaper, error)

	RecordDownload(ctx context.Context, user *models.User, wallpaperID string) (DownloadResult, error)
	ListPurchases(ctx context.Context, userID string) ([]models.Purchase, error)

	CheckConsistency(ctx context.Context) ([]string, error)
	ExportSnapshot(ctx context.Context) (*Snapshot, error)
	ImportSnapshot(ctx context.Context, snapshot *Snapshot) error
}

var _ Repository = (*Storage)(nil)
