package goofy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	patpatFilename    = "patpat.gif"
	patpatContentType = "image/gif"
)

// PatPatCommand is a saved `/patpat` invocation
type PatPatCommand struct {
	ModelUintID
	ModelUnixTime
	Interaction
	AvatarURL    string `json:"avatar_url" gorm:"type:string"`
	TemplatePath string `json:"template_path" gorm:"type:string"`
	Squish       bool   `json:"squish"`
	AvatarBytes  int    `json:"avatar_bytes"`
	OutputBytes  int    `json:"output_bytes"`

	// FetchMillis and ComposeMillis are how long downloading the avatar and
	// building the GIF took
	FetchMillis   int64 `json:"fetch_millis"`
	ComposeMillis int64 `json:"compose_millis"`
}

func (p PatPatCommand) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(p.ID)),
		slog.Any("interaction", p.Interaction),
		slog.String("avatar_url", p.AvatarURL),
		slog.Int("output_bytes", p.OutputBytes),
	)
}

// patpatErrorMessage maps a failure to the message shown to the user
func patpatErrorMessage(templatePath string, err error) string {
	if errors.Is(err, ErrAssetNotFound) {
		return fmt.Sprintf("Sorry, %s file not found!", filepath.Base(templatePath))
	}
	return fmt.Sprintf("Sorry, couldn't create patpat image: %s", err)
}

// runPatPatCommand downloads the target's avatar, composes the patpat
// GIF and edits the deferred response with the result. The interaction
// must already be acknowledged.
func (g *Goofy) runPatPatCommand(
	ctx context.Context,
	handler InteractionHandler,
	u *discordgo.User,
	rec *PatPatCommand,
	target *discordgo.Member,
) {
	logger := handler.Logger()
	defer g.saveCommand(ctx, logger, rec)

	data, err := g.patpat(ctx, logger, rec, target)
	if err != nil {
		logger.ErrorContext(ctx, "error creating patpat image", tint.Err(err))
		msg := patpatErrorMessage(rec.TemplatePath, err)
		_, editErr := handler.Edit(ctx, &discordgo.WebhookEdit{Content: &msg})
		rec.finish(msg, errors.Join(err, editErr))
		return
	}

	_, err = handler.Edit(
		ctx,
		&discordgo.WebhookEdit{
			Files: []*discordgo.File{
				{
					Name:        patpatFilename,
					ContentType: patpatContentType,
					Reader:      bytes.NewReader(data),
				},
			},
		},
	)
	rec.finish(patpatFilename, err)
	if err == nil {
		g.metricPatPatCommands.Add(1)
		logger.InfoContext(
			ctx,
			"sent patpat",
			"user", displayName(handler.GetInteraction().Member, u),
			"command", rec,
		)
	}
}

// patpat fetches the avatar and composes it with the template
func (g *Goofy) patpat(
	ctx context.Context,
	logger *slog.Logger,
	rec *PatPatCommand,
	target *discordgo.Member,
) ([]byte, error) {
	if target == nil {
		return nil, errMissingMember
	}

	fetchStart := time.Now()
	avatar, err := g.fetcher.Fetch(ctx, rec.AvatarURL)
	rec.FetchMillis = time.Since(fetchStart).Milliseconds()
	if err != nil {
		return nil, err
	}
	rec.AvatarBytes = len(avatar)

	composeStart := time.Now()
	out, err := g.composer.Compose(avatar, rec.TemplatePath)
	rec.ComposeMillis = time.Since(composeStart).Milliseconds()
	if err != nil {
		return nil, err
	}
	rec.OutputBytes = len(out)

	logger.DebugContext(
		ctx,
		"composed patpat",
		"avatar_bytes", rec.AvatarBytes,
		"output_bytes", rec.OutputBytes,
		"fetch_millis", rec.FetchMillis,
		"compose_millis", rec.ComposeMillis,
	)
	return out, nil
}

// newPatPatCommand creates the record for a `/patpat` interaction, and
// returns the targeted member
func (g *Goofy) newPatPatCommand(
	i *discordgo.InteractionCreate,
	u *discordgo.User,
) (*PatPatCommand, *discordgo.Member, error) {
	target, err := commandTarget(i)
	rec := &PatPatCommand{
		Interaction:  newInteraction(i, u, target),
		TemplatePath: g.config.PatPat.TemplatePath,
		Squish:       g.config.PatPat.Squish,
	}
	if err != nil {
		return rec, nil, err
	}
	rec.AvatarURL = target.AvatarURL(g.config.PatPat.AvatarSize)
	return rec, target, nil
}
