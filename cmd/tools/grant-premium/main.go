// Command grant-premium turns the premium flag on or off for an account
// identified by phone number or username, using the server's KV settings.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"promptgallery/internal/config"
	"promptgallery/internal/kv"
	"promptgallery/internal/models"
	"promptgallery/internal/storage"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("grant-premium", flag.ContinueOnError)
	flags := config.BindFlags(fs)
	phone := fs.String("phone", "", "phone number of the account")
	username := fs.String("username", "", "username of the account")
	revoke := fs.Bool("revoke", false, "remove premium instead of granting it")
	if err := fs.Parse(args); err != nil {
		return err
	}

	identity, err := resolveIdentity(*phone, *username)
	if err != nil {
		return err
	}

	cfg, err := config.Load(*flags.EnvFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	flags.Apply(&cfg)

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	store, err := kv.Open(ctx, cfg.KV)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.KV.Driver, err)
	}
	defer store.Close()

	user, err := setPremium(ctx, storage.NewStorage(store), identity, !*revoke)
	if err != nil {
		return err
	}
	if flusher, ok := store.(kv.Flusher); ok {
		if err := flusher.Flush(); err != nil {
			return fmt.Errorf("flush store: %w", err)
		}
	}

	state := "granted to"
	if *revoke {
		state = "revoked from"
	}
	fmt.Fprintf(out, "Premium %s %s (%s).\n", state, user.Name, user.ID)
	return nil
}

func resolveIdentity(phone, username string) (models.Identity, error) {
	phone = strings.TrimSpace(phone)
	username = strings.TrimSpace(username)
	switch {
	case phone != "" && username != "":
		return nil, errors.New("only one of --phone or --username may be provided")
	case phone != "":
		return models.Phone(phone), nil
	case username != "":
		return models.Username(username), nil
	default:
		return nil, errors.New("either --phone or --username is required")
	}
}

func setPremium(ctx context.Context, repo storage.Repository, identity models.Identity, premium bool) (models.User, error) {
	user, err := repo.SetPremium(ctx, identity, premium)
	if errors.Is(err, storage.ErrNotFound) {
		return models.User{}, fmt.Errorf("no account matches %v", identity)
	}
	if err != nil {
		return models.User{}, fmt.Errorf("set premium: %w", err)
	}
	return user, nil
}
