package storage

import (
	"context"
	"errors"
	"sort"
	"strings"

	"promptgallery/internal/models"
)

// PromptDraft is the admin input for a new prompt.
type PromptDraft struct {
	Title  models.LocalizedText
	Prompt string
	Image  models.ImageSource
}

// WallpaperDraft is the admin input for a new wallpaper. Download defaults
// to Image when nil.
type WallpaperDraft struct {
	Title      models.LocalizedText
	Image      models.ImageSource
	Download   models.ImageSource
	FileKind   models.FileKind
	Type       models.WallpaperType
	Price      *models.LocalizedText
	Resolution string
	FileSize   int64
}

func validateTitle(title models.LocalizedText) error {
	if strings.TrimSpace(title.FA) == "" {
		return invalid("title.fa is required")
	}
	if strings.TrimSpace(title.EN) == "" {
		return invalid("title.en is required")
	}
	return nil
}

func (d PromptDraft) build() (models.Prompt, error) {
	if err := validateTitle(d.Title); err != nil {
		return models.Prompt{}, err
	}
	text := strings.TrimSpace(d.Prompt)
	if text == "" {
		return models.Prompt{}, invalid("prompt text is required")
	}
	if d.Image == nil {
		return models.Prompt{}, invalid("image is required")
	}
	return models.Prompt{
		Title:    d.Title.Trimmed(),
		Prompt:   text,
		Image:    d.Image.DisplayURL(),
		ImageKey: d.Image.BlobKey(),
	}, nil
}

func (d WallpaperDraft) build() (models.Wallpaper, error) {
	if err := validateTitle(d.Title); err != nil {
		return models.Wallpaper{}, err
	}
	if d.Image == nil {
		return models.Wallpaper{}, invalid("image is required")
	}
	if !d.Type.Valid() {
		return models.Wallpaper{}, invalid("type must be free or premium")
	}
	resolution := strings.TrimSpace(d.Resolution)
	if resolution == "" {
		return models.Wallpaper{}, invalid("resolution is required")
	}
	if d.FileSize < 0 {
		return models.Wallpaper{}, invalid("fileSize must not be negative")
	}

	var price *models.LocalizedText
	switch d.Type {
	case models.WallpaperPremium:
		if d.Price == nil || !d.Price.IsComplete() {
			return models.Wallpaper{}, invalid("price is required for premium wallpapers")
		}
		trimmed := d.Price.Trimmed()
		price = &trimmed
	case models.WallpaperFree:
		if d.Price != nil && (strings.TrimSpace(d.Price.FA) != "" || strings.TrimSpace(d.Price.EN) != "") {
			return models.Wallpaper{}, invalid("free wallpapers must not have a price")
		}
	}

	download := d.Download
	if download == nil {
		download = d.Image
	}
	kind := d.FileKind
	switch kind {
	case "":
		kind = models.FileKindImage
	case models.FileKindImage, models.FileKindArchive:
	default:
		return models.Wallpaper{}, invalid("fileKind must be image or archive")
	}

	return models.Wallpaper{
		Title:       d.Title.Trimmed(),
		Image:       d.Image.DisplayURL(),
		ImageKey:    d.Image.BlobKey(),
		DownloadURL: download.DownloadURL(),
		DownloadKey: download.BlobKey(),
		FileKind:    kind,
		Type:        d.Type,
		Price:       price,
		Resolution:  resolution,
		FileSize:    d.FileSize,
	}, nil
}

// ListPrompts returns prompts in insertion order.
func (s *Storage) ListPrompts(ctx context.Context) ([]models.Prompt, error) {
	return s.prompts.list(ctx)
}

// AddPrompt validates draft and appends it to the prompt collection.
func (s *Storage) AddPrompt(ctx context.Context, draft PromptDraft) (models.Prompt, error) {
	prompt, err := draft.build()
	if err != nil {
		return models.Prompt{}, err
	}
	prompt.ID = s.newID()
	prompt.CreatedAt = s.timestamp()

	err = s.prompts.mutate(ctx, func(items []models.Prompt) (change[models.Prompt], error) {
		for _, existing := range items {
			if titlesCollide(existing.Title, prompt.Title) {
				return change[models.Prompt]{}, ErrDuplicateTitle
			}
		}
		return change[models.Prompt]{items: append(items, prompt), upserts: []models.Prompt{prompt}}, nil
	})
	if err != nil {
		return models.Prompt{}, err
	}
	return prompt, nil
}

// RemovePrompt deletes id and returns the removed prompt.
func (s *Storage) RemovePrompt(ctx context.Context, id string) (models.Prompt, error) {
	var removed models.Prompt
	err := s.prompts.mutate(ctx, func(items []models.Prompt) (change[models.Prompt], error) {
		for i, item := range items {
			if item.ID == id {
				removed = item
				rest := append(items[:i:i], items[i+1:]...)
				return change[models.Prompt]{items: rest, deletes: []string{id}}, nil
			}
		}
		return change[models.Prompt]{}, ErrNotFound
	})
	if err != nil {
		return models.Prompt{}, err
	}
	return removed, nil
}

// ListWallpapers returns wallpapers in insertion order.
func (s *Storage) ListWallpapers(ctx context.Context) ([]models.Wallpaper, error) {
	return s.wallpapers.list(ctx)
}

// GetWallpaper looks id up in the persisted wallpaper list.
func (s *Storage) GetWallpaper(ctx context.Context, id string) (models.Wallpaper, error) {
	if strings.TrimSpace(id) == "" {
		return models.Wallpaper{}, ErrNotFound
	}
	return s.wallpapers.get(ctx, id)
}

// AddWallpaper validates draft and appends it to the wallpaper collection.
func (s *Storage) AddWallpaper(ctx context.Context, draft WallpaperDraft) (models.Wallpaper, error) {
	wallpaper, err := draft.build()
	if err != nil {
		return models.Wallpaper{}, err
	}
	wallpaper.ID = s.newID()
	wallpaper.CreatedAt = s.timestamp()

	err = s.wallpapers.mutate(ctx, func(items []models.Wallpaper) (change[models.Wallpaper], error) {
		for _, existing := range items {
			if titlesCollide(existing.Title, wallpaper.Title) {
				return change[models.Wallpaper]{}, ErrDuplicateTitle
			}
		}
		return change[models.Wallpaper]{items: append(items, wallpaper), upserts: []models.Wallpaper{wallpaper}}, nil
	})
	if err != nil {
		return models.Wallpaper{}, err
	}
	return wallpaper, nil
}

// RemoveWallpaper deletes id and returns the removed wallpaper.
func (s *Storage) RemoveWallpaper(ctx context.Context, id string) (models.Wallpaper, error) {
	var removed models.Wallpaper
	err := s.wallpapers.mutate(ctx, func(items []models.Wallpaper) (change[models.Wallpaper], error) {
		for i, item := range items {
			if item.ID == id {
				removed = item
				rest := append(items[:i:i], items[i+1:]...)
				return change[models.Wallpaper]{items: rest, deletes: []string{id}}, nil
			}
		}
		return change[models.Wallpaper]{}, ErrNotFound
	})
	if err != nil {
		return models.Wallpaper{}, err
	}
	return removed, nil
}

// incrementWallpaperDownloads bumps the counter on both the list entry and
// the per-id record.
func (s *Storage) incrementWallpaperDownloads(ctx context.Context, id string) (models.Wallpaper, error) {
	var updated models.Wallpaper
	err := s.wallpapers.mutate(ctx, func(items []models.Wallpaper) (change[models.Wallpaper], error) {
		for i := range items {
			if items[i].ID == id {
				items[i].Downloads++
				updated = items[i]
				return change[models.Wallpaper]{items: items, upserts: []models.Wallpaper{updated}}, nil
			}
		}
		return change[models.Wallpaper]{}, ErrNotFound
	})
	return updated, err
}

// CheckConsistency lists disagreements between collection lists and their
// per-id records. An empty result means both views agree.
func (s *Storage) CheckConsistency(ctx context.Context) ([]string, error) {
	var problems []string
	promptProblems, err := s.prompts.inconsistencies(ctx)
	if err != nil {
		return nil, err
	}
	problems = append(problems, promptProblems...)
	wallpaperProblems, err := s.wallpapers.inconsistencies(ctx)
	if err != nil {
		return nil, err
	}
	problems = append(problems, wallpaperProblems...)
	sort.Strings(problems)
	return problems, nil
}

// IsValidation reports whether err carries a client-facing validation
// message, returning it.
func IsValidation(err error) (string, bool) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Message, true
	}
	return "", false
}
