package storage

import (
	"context"
	"fmt"

	"promptgallery/internal/kv"
	"promptgallery/internal/models"
)

// AuthorizeDownload applies the premium gate. user is nil for anonymous
// requests.
func AuthorizeDownload(user *models.User, wallpaper models.Wallpaper) error {
	if !wallpaper.IsPremium() {
		return nil
	}
	if user == nil {
		return ErrAuthRequired
	}
	if !user.IsPremium {
		return ErrPremiumRequired
	}
	return nil
}

// DownloadResult is what RecordDownload changed.
type DownloadResult struct {
	Wallpaper models.Wallpaper
	User      *models.User
	Purchase  *models.Purchase
}

// RecordDownload counts a download of wallpaperID by user (nil when
// anonymous). Premium downloads by a user add at most one purchase per
// wallpaper. Callers run AuthorizeDownload first.
func (s *Storage) RecordDownload(ctx context.Context, user *models.User, wallpaperID string) (DownloadResult, error) {
	wallpaper, err := s.incrementWallpaperDownloads(ctx, wallpaperID)
	if err != nil {
		return DownloadResult{}, err
	}
	result := DownloadResult{Wallpaper: wallpaper}

	userID := models.AnonymousUserID
	if user != nil {
		userID = user.ID
		updated, purchase, err := s.recordUserDownload(ctx, user.ID, wallpaper)
		if err != nil {
			return DownloadResult{}, err
		}
		result.User = &updated
		result.Purchase = purchase
	}

	entry := models.DownloadLog{
		ID:          s.newID(),
		WallpaperID: wallpaper.ID,
		UserID:      userID,
		Type:        wallpaper.Type,
		Timestamp:   s.timestamp(),
	}
	if err := kv.PutJSON(ctx, s.store, downloadLogPrefix+entry.ID, entry, s.downloadLogTTL); err != nil {
		// Analytics only; the download itself already counted.
		s.logger.Warn("failed to write download log", "wallpaper_id", wallpaper.ID, "error", err)
	}
	return result, nil
}

func (s *Storage) recordUserDownload(ctx context.Context, userID string, wallpaper models.Wallpaper) (models.User, *models.Purchase, error) {
	s.accountsMu.Lock()
	defer s.accountsMu.Unlock()

	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return models.User{}, nil, err
	}
	user.Downloads++
	if err := kv.PutJSON(ctx, s.store, userByIDPrefix+user.ID, user, 0); err != nil {
		return models.User{}, nil, fmt.Errorf("write user: %w", err)
	}
	if !wallpaper.IsPremium() {
		return user, nil, nil
	}

	purchases, err := s.loadPurchases(ctx, user.ID)
	if err != nil {
		return models.User{}, nil, err
	}
	for i := range purchases {
		if purchases[i].WallpaperID == wallpaper.ID {
			return user, &purchases[i], nil
		}
	}
	purchase := models.Purchase{
		ID:           s.newID(),
		UserID:       user.ID,
		WallpaperID:  wallpaper.ID,
		Wallpaper:    wallpaper,
		PurchaseDate: s.timestamp(),
	}
	purchases = append(purchases, purchase)
	if err := kv.PutJSON(ctx, s.store, purchasesPrefix+user.ID, purchases, 0); err != nil {
		return models.User{}, nil, fmt.Errorf("write purchases: %w", err)
	}
	return user, &purchase, nil
}

// ListPurchases returns the user's purchases, oldest first.
func (s *Storage) ListPurchases(ctx context.Context, userID string) ([]models.Purchase, error) {
	return s.loadPurchases(ctx, userID)
}

func (s *Storage) loadPurchases(ctx context.Context, userID string) ([]models.Purchase, error) {
	purchases := []models.Purchase{}
	if err := kv.GetJSON(ctx, s.store, purchasesPrefix+userID, &purchases); err != nil {
		if kv.IsNotFound(err) {
			return []models.Purchase{}, nil
		}
		return nil, fmt.Errorf("load purchases: %w", err)
	}
	return purchases, nil
}
