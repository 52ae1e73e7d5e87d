package goofy

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// CommandState is the processing state of a saved command
type CommandState string

const (
	CommandStateReceived  CommandState = "received"
	CommandStateCompleted CommandState = "completed"
	CommandStateFailed    CommandState = "failed"
)

func (s CommandState) String() string {
	return string(s)
}

// InteractionHandler is used to respond to discord interactions,
// regardless of whether they were received via the gateway or a webhook.
type InteractionHandler interface {
	// Respond sends an initial response to a Discord interaction.
	Respond(ctx context.Context, i *discordgo.InteractionResponse) error

	// Edit modifies an existing interaction response.
	Edit(
		ctx context.Context,
		e *discordgo.WebhookEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// GetInteraction returns the original InteractionCreate event.
	GetInteraction() *discordgo.InteractionCreate

	// InteractionReceiveMethod returns the method used to receive the
	// interaction (webhook or gateway).
	InteractionReceiveMethod() DiscordInteractionReceiveMethod

	// Logger returns the logger associated with this handler.
	Logger() *slog.Logger
}

// GatewayHandler implements [InteractionHandler] when receiving interactions
// via the discord websocket gateway.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
}

func (GatewayHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodGateway
}

func (w GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := w.session.InteractionRespond(w.interaction.Interaction, response)
	if err != nil {
		w.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	} else {
		w.logger.InfoContext(ctx, "responded to interaction", "response_type", response.Type)
	}
	return err
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w GatewayHandler) Edit(
	ctx context.Context,
	wh *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := w.session.InteractionResponseEdit(
		w.interaction.Interaction,
		wh,
		opts...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	} else {
		w.logger.InfoContext(ctx, "edited interaction")
	}
	return msg, err
}

func (w GatewayHandler) Logger() *slog.Logger {
	return w.logger
}

// InteractionLog records every interaction received, before any command
// handling happens
//
//nolint:lll // struct tags can't be split
type InteractionLog struct {
	ModelUintID
	Method        DiscordInteractionReceiveMethod `json:"method" gorm:"type:string"` // webhook or gateway
	InteractionID string                          `json:"interaction_id" gorm:"not null"`
	Type          string                          `json:"type" gorm:"type:string"`
	UserID        string                          `json:"user_id" gorm:"not null"`
	Username      string                          `json:"username" gorm:"type:string"`
	AppID         string                          `json:"application_id" gorm:"type:string"`
	GuildID       string                          `json:"guild_id" gorm:"type:string"`
	ChannelID     string                          `json:"channel_id" gorm:"type:string"`
	Context       string                          `json:"context" gorm:"type:string"`
	Payload       string                          `json:"payload" gorm:"type:string"`
	CreatedAt     int64                           `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func newInteractionLog(
	i *discordgo.InteractionCreate,
	u *discordgo.User,
	method DiscordInteractionReceiveMethod,
) (*InteractionLog, error) {
	p, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("error marshaling interaction: %w", err)
	}

	interactionLog := &InteractionLog{
		InteractionID: i.ID,
		Type:          i.Type.String(),
		AppID:         i.AppID,
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
		Context:       i.Context.String(),
		Payload:       string(p),
		Method:        method,
	}
	if u != nil {
		interactionLog.UserID = u.ID
		interactionLog.Username = u.String()
	}
	return interactionLog, nil
}

// Interaction is a 'base' struct of fields shared by saved commands
//
//nolint:lll // struct tags can't be split
type Interaction struct {
	UserID         string `json:"user_id" gorm:"index;not null;default:null"`
	Username       string `json:"username" gorm:"type:string"`
	InteractionID  string `json:"interaction_id" gorm:"not null;default:null;uniqueIndex"`
	Token          string `json:"-" gorm:"type:string"`
	TokenExpires   int64  `json:"token_expires"`
	AppID          string `json:"application_id"`
	GuildID        string `json:"guild_id"`
	ChannelID      string `json:"channel_id"`
	CommandContext string `json:"context" gorm:"type:string"`

	// TargetUserID is the member the command was run against
	TargetUserID string `json:"target_user_id" gorm:"index"`

	// TargetName is the target's display name at the time of the command
	TargetName string `json:"target_name" gorm:"type:string"`

	State        CommandState `json:"state" gorm:"type:string;index"`
	Acknowledged bool         `json:"acknowledged"`
	StartedAt    *time.Time   `json:"started_at" gorm:"type:timestamp"`
	FinishedAt   *time.Time   `json:"finished_at" gorm:"type:timestamp"`

	// Response is the content of the final message sent to the user
	Response *string `json:"response" gorm:"type:string"`

	// Error is a string representation of error(s) encountered
	// while processing the request
	Error NullableString `json:"error"`
}

func newInteraction(
	i *discordgo.InteractionCreate,
	u *discordgo.User,
	target *discordgo.Member,
) Interaction {
	created := time.Now().UTC()
	r := Interaction{
		InteractionID:  i.ID,
		Token:          i.Token,
		TokenExpires:   created.Add(discordInteractionTokenLifespan).UnixMilli(),
		AppID:          i.AppID,
		GuildID:        i.GuildID,
		ChannelID:      i.ChannelID,
		CommandContext: i.Context.String(),
		State:          CommandStateReceived,
		StartedAt:      &created,
	}
	if u != nil {
		r.UserID = u.ID
		r.Username = u.String()
	}
	if target != nil {
		if target.User != nil {
			r.TargetUserID = target.User.ID
		}
		r.TargetName = displayName(target, nil)
	}
	return r
}

// finish records the final state of the command
func (i *Interaction) finish(response string, err error) {
	finished := time.Now().UTC()
	i.FinishedAt = &finished
	if response != "" {
		i.Response = &response
	}
	if err != nil {
		i.State = CommandStateFailed
		i.Error = NullableString(err.Error())
		return
	}
	i.State = CommandStateCompleted
}

func (i Interaction) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("user_id", i.UserID),
		slog.String("interaction_id", i.InteractionID),
		slog.Int64("token_expires", i.TokenExpires),
		slog.String("target_user_id", i.TargetUserID),
		slog.String("state", i.State.String()),
		slog.String("command_context", i.CommandContext),
		slog.String("response", stringPointerValue(i.Response)),
	)
}

// NullableString is a string stored as NULL when empty
type NullableString string

//goland:noinspection GoMixedReceiverTypes
func (ns *NullableString) Scan(value any) error {
	if value == nil {
		*ns = ""
		return nil
	}
	switch v := value.(type) {
	case string:
		*ns = NullableString(v)
	case []byte:
		*ns = NullableString(v)
	default:
		return errors.New("failed to cast to string")
	}
	return nil
}

//goland:noinspection GoMixedReceiverTypes
func (ns NullableString) Value() (driver.Value, error) {
	if ns == "" {
		return nil, nil
	}
	return string(ns), nil
}

//goland:noinspection GoMixedReceiverTypes
func (ns NullableString) MarshalJSON() ([]byte, error) {
	if ns == "" {
		return []byte("null"), nil
	}
	return json.Marshal(string(ns))
}

//goland:noinspection GoMixedReceiverTypes
func (ns NullableString) String() string {
	return string(ns)
}
