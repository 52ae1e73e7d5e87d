package goofy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// defaultEmbedColor is used for /avatar when the member has no colored role
const defaultEmbedColor = 0x3498db

var errMissingMember = errors.New("no member provided")

// AvatarCommand is a saved `/avatar` invocation
type AvatarCommand struct {
	ModelUintID
	ModelUnixTime
	Interaction
	AvatarURL string `json:"avatar_url" gorm:"type:string"`
	Color     int    `json:"color"`
}

func (a AvatarCommand) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(a.ID)),
		slog.Any("interaction", a.Interaction),
		slog.String("avatar_url", a.AvatarURL),
	)
}

// commandTarget returns the guild member chosen in the `member` option,
// with its User populated from the resolved data
func commandTarget(i *discordgo.InteractionCreate) (*discordgo.Member, error) {
	opt, ok := discordInteractionOptions(i)[memberCommandOption]
	if !ok || opt == nil {
		return nil, errMissingMember
	}
	userID, ok := opt.Value.(string)
	if !ok || userID == "" {
		return nil, errMissingMember
	}

	resolved := i.ApplicationCommandData().Resolved
	if resolved == nil {
		return nil, fmt.Errorf("%w: no resolved data for %s", errMissingMember, userID)
	}
	user := resolved.Users[userID]
	if user == nil {
		return nil, fmt.Errorf("%w: user %s not resolved", errMissingMember, userID)
	}

	target := &discordgo.Member{}
	if m := resolved.Members[userID]; m != nil {
		member := *m
		target = &member
	}
	target.User = user
	target.GuildID = i.GuildID
	return target, nil
}

// memberColor returns the color of the member's highest positioned
// colored role, or [defaultEmbedColor]
func memberColor(roles []*discordgo.Role, member *discordgo.Member) int {
	if member == nil || len(member.Roles) == 0 {
		return defaultEmbedColor
	}
	memberRoles := make(map[string]struct{}, len(member.Roles))
	for _, id := range member.Roles {
		memberRoles[id] = struct{}{}
	}

	var top *discordgo.Role
	for _, r := range roles {
		if r == nil || r.Color == 0 {
			continue
		}
		if _, ok := memberRoles[r.ID]; !ok {
			continue
		}
		if top == nil || r.Position > top.Position {
			top = r
		}
	}
	if top == nil {
		return defaultEmbedColor
	}
	return top.Color
}

// avatarResponse builds the embed and 'Open Full Size' button sent for `/avatar`
func avatarResponse(
	target *discordgo.Member,
	invoker string,
	avatarURL string,
	color int,
) *discordgo.InteractionResponse {
	embed := &discordgo.MessageEmbed{
		Title: fmt.Sprintf("%s's Avatar", displayName(target, nil)),
		Color: color,
		Image: &discordgo.MessageEmbedImage{URL: avatarURL},
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf("Requested by %s", invoker),
		},
	}
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Embeds: []*discordgo.MessageEmbed{embed},
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{
					Components: []discordgo.MessageComponent{
						discordgo.Button{
							Label: "Open Full Size",
							Style: discordgo.LinkButton,
							URL:   avatarURL,
						},
					},
				},
			},
		},
	}
}

// runAvatarCommand replies to `/avatar` with the member's avatar
func (g *Goofy) runAvatarCommand(
	ctx context.Context,
	handler InteractionHandler,
	u *discordgo.User,
) {
	logger := handler.Logger()
	i := handler.GetInteraction()

	target, err := commandTarget(i)
	rec := &AvatarCommand{Interaction: newInteraction(i, u, target)}
	defer g.saveCommand(ctx, logger, rec)

	if err != nil {
		logger.ErrorContext(ctx, "error getting command target", tint.Err(err))
		g.respondError(ctx, handler, &rec.Interaction, err)
		return
	}

	rec.AvatarURL = target.AvatarURL("")
	rec.Color = defaultEmbedColor
	if i.GuildID != "" && len(target.Roles) > 0 {
		roles, rolesErr := g.discord.session.GuildRoles(i.GuildID)
		if rolesErr != nil {
			logger.WarnContext(ctx, "unable to get guild roles, using default color", tint.Err(rolesErr))
		} else {
			rec.Color = memberColor(roles, target)
		}
	}

	resp := avatarResponse(target, displayName(i.Member, u), rec.AvatarURL, rec.Color)
	if err = handler.Respond(ctx, resp); err != nil {
		rec.finish("", err)
		return
	}
	rec.Acknowledged = true
	rec.finish(resp.Data.Embeds[0].Title, nil)
	g.metricAvatarCommands.Add(1)
}

// respondError replies with the configured error message when the
// interaction hasn't been responded to yet
func (g *Goofy) respondError(
	ctx context.Context,
	handler InteractionHandler,
	rec *Interaction,
	err error,
) {
	msg := g.config.Discord.ErrorMessage
	respErr := handler.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: msg,
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		},
	)
	rec.finish(msg, errors.Join(err, respErr))
}

// saveCommand persists a finished command record
func (g *Goofy) saveCommand(ctx context.Context, logger *slog.Logger, rec any) {
	if g.writeDB == nil {
		return
	}
	if _, err := g.writeDB.Create(context.WithoutCancel(ctx), rec); err != nil {
		logger.ErrorContext(ctx, "error saving command", tint.Err(err), "command", rec)
	}
}
