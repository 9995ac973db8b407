// Command bootstrap-channel creates or updates a channel owned by a user so
// that user can start uploading in a fresh environment.
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

	"github.com/google/uuid"

	"video-platform/internal/app"
	"video-platform/internal/catalog"
	"video-platform/internal/config"
	"video-platform/internal/models"
	"video-platform/internal/observability/logging"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "bootstrap-channel: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	var channelID, ownerID, name string
	cfg, err := config.Load("bootstrap-channel", args, func(fs *flag.FlagSet) {
		fs.StringVar(&channelID, "channel-id", "", "channel id (generated when empty)")
		fs.StringVar(&ownerID, "owner", "", "user id that owns the channel")
		fs.StringVar(&name, "name", "", "display name of the channel")
	})
	if err != nil {
		return err
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return errors.New("--owner is required")
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Writer: os.Stderr, Service: "video-bootstrap"})
	store, err := app.OpenCatalog(ctx, cfg, "video-bootstrap", logger)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer store.Close(context.Background())

	channel, err := bootstrapChannel(ctx, store, channelID, ownerID, name)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Channel %s owned by %s is ready.\n", channel.ID, channel.OwnerID)
	return nil
}

func bootstrapChannel(ctx context.Context, store catalog.Catalog, channelID, ownerID, name string) (models.Channel, error) {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		channelID = uuid.NewString()
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = channelID
	}
	channel, err := store.CreateChannel(ctx, models.Channel{ID: channelID, OwnerID: ownerID, Name: name})
	if err != nil {
		return models.Channel{}, fmt.Errorf("create channel: %w", err)
	}
	return channel, nil
}
