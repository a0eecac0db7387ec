package puddlesbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Slash command names
const (
	DiscordSlashCommandTask         = "task"
	DiscordSlashCommandTaskEdit     = "taskedit"
	DiscordSlashCommandTaskDone     = "taskdone"
	DiscordSlashCommandTaskDelete   = "taskdelete"
	DiscordSlashCommandSnipe        = "snipe"
	DiscordSlashCommandSnipeReview  = "snipereview"
	DiscordSlashCommandMyTasks      = "mytasks"
	DiscordSlashCommandShowTasks    = "showtasks"
	DiscordSlashCommandAllTasks     = "alltasks"
	DiscordSlashCommandOldTasks     = "oldtasks"
	DiscordSlashCommandTCW          = "tcw"
	DiscordSlashCommandQuack        = "quack"
	DiscordSlashCommandDiceRoll     = "diceroll"
)

// Command option names
const (
	taskOptionName        = "name"
	taskOptionDescription = "description"
	taskOptionAssignees   = "assignees"
	taskOptionDue         = "due"
	taskOptionTaskID      = "task_id"
	taskOptionDecision    = "decision"
	tcwOptionAction       = "action"
	tcwOptionUser         = "user"
	diceOptionSides       = "sides"
	diceOptionCount       = "count"

	snipeDecisionApprove = "approve"
	snipeDecisionReject  = "reject"

	tcwActionAdd    = "add"
	tcwActionRemove = "remove"
	tcwActionList   = "list"
)

// dueDateLayout is the accepted format for the task due-date option
const dueDateLayout = "2006-01-02"

var userMentionPattern = regexp.MustCompile(`<@!?(\d+)>`)

// Discord manages the bot's discord session: connection lifecycle,
// slash command registration, reminder delivery, and gateway event
// handlers.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
	bot                         *PuddlesBot
}

func newDiscord(config *DiscordConfig) (*Discord, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("discord token is required")
	}
	return &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
	}, nil
}

// newSession initializes a new discord session with the appropriate
// logger, token, and configuration.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{
		logger: d.logger.With(loggerNameKey, "discord_session_handler"),
	}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level())
	if err != nil {
		return session, err
	}

	return session, nil
}

func (*Discord) appCommandTask() *discordgo.ApplicationCommand {
	minLength := 1
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandTask,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Create a new task",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        taskOptionName,
				Description: "Task name",
				Required:    true,
				MinLength:   &minLength,
				MaxLength:   maxTaskNameLength,
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        taskOptionAssignees,
				Description: "Assignees, as @mentions",
				Required:    true,
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        taskOptionDue,
				Description: "Due date (YYYY-MM-DD)",
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        taskOptionDescription,
				Description: "Task description",
			},
		},
	}
}

func (*Discord) appCommandTaskEdit() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandTaskEdit,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Edit an open task (creator or admin only)",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        taskOptionTaskID,
				Description: "Task ID",
				Required:    true,
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        taskOptionName,
				Description: "New task name",
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        taskOptionAssignees,
				Description: "Replacement assignees, as @mentions",
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        taskOptionDue,
				Description: "New due date (YYYY-MM-DD), or 'none' to clear",
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        taskOptionDescription,
				Description: "New task description",
			},
		},
	}
}

func taskIDCommand(name string, description string) *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        name,
		Type:        discordgo.ChatApplicationCommand,
		Description: description,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        taskOptionTaskID,
				Description: "Task ID",
				Required:    true,
			},
		},
	}
}

func (*Discord) appCommandSnipeReview() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandSnipeReview,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Approve or reject a pending snipe (admin only)",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        taskOptionTaskID,
				Description: "Task ID",
				Required:    true,
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        taskOptionDecision,
				Description: "Decision",
				Required:    true,
				Choices: []*discordgo.ApplicationCommandOptionChoice{
					{Name: "Approve", Value: snipeDecisionApprove},
					{Name: "Reject", Value: snipeDecisionReject},
				},
			},
		},
	}
}

func (*Discord) appCommandTCW() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandTCW,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Manage the task-creator whitelist (admin only)",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        tcwOptionAction,
				Description: "Whitelist action",
				Required:    true,
				Choices: []*discordgo.ApplicationCommandOptionChoice{
					{Name: "Add", Value: tcwActionAdd},
					{Name: "Remove", Value: tcwActionRemove},
					{Name: "List", Value: tcwActionList},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionUser,
				Name:        tcwOptionUser,
				Description: "User to add or remove",
			},
		},
	}
}

func (*Discord) appCommandDiceRoll() *discordgo.ApplicationCommand {
	minSides := float64(2)
	maxSides := float64(1000)
	minCount := float64(1)
	maxCount := float64(25)
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandDiceRoll,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Roll some dice",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        diceOptionSides,
				Description: "Number of sides per die",
				MinValue:    &minSides,
				MaxValue:    maxSides,
			},
			{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        diceOptionCount,
				Description: "Number of dice",
				MinValue:    &minCount,
				MaxValue:    maxCount,
			},
		},
	}
}

func listCommand(name string, description string) *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        name,
		Type:        discordgo.ChatApplicationCommand,
		Description: description,
	}
}

// registerCommands sends the bot's commands to the discord bulk
// overwrite endpoint
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	commands := []*discordgo.ApplicationCommand{
		d.appCommandTask(),
		d.appCommandTaskEdit(),
		taskIDCommand(DiscordSlashCommandTaskDone, "Mark a task you're assigned to as completed"),
		taskIDCommand(DiscordSlashCommandSnipe, "Claim completion credit for a task you weren't assigned to"),
		taskIDCommand(DiscordSlashCommandTaskDelete, "Delete a task (creator or admin only)"),
		d.appCommandSnipeReview(),
		listCommand(DiscordSlashCommandMyTasks, "Show your open tasks"),
		listCommand(DiscordSlashCommandShowTasks, "Show this server's open tasks"),
		listCommand(DiscordSlashCommandAllTasks, "Show all of this server's tasks"),
		listCommand(DiscordSlashCommandOldTasks, "Show this server's completed tasks"),
		d.appCommandTCW(),
		listCommand(DiscordSlashCommandQuack, "Fetch a random duck"),
		d.appCommandDiceRoll(),
	}

	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command_name", c.Name, "command_id", c.ID)
	}

	return created, nil
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, _ *discordgo.Ready) {
		d.logger.Info(
			"Ready",
			"session_id", s.State.SessionID,
			"user_id", s.State.User.ID,
			"username", s.State.User.Username,
		)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		var sessionID string
		var userID string
		var username string

		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
			if s.State.User != nil {
				userID = s.State.User.ID
				username = s.State.User.Username
			}
		}
		d.logger.Info(
			"Connected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)

		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info("disconnected", "session_id", sessionID)
	}
}

func (d *Discord) updateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

// channelMessageSend sends the given message to the given discord
// channel ID
func (d *Discord) channelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) error {
	_, err := d.session.ChannelMessageSend(channelID, message, opts...)
	return err
}

// DispatchReminder implements [ReminderDispatcher]: delivers one staged
// due-date reminder to the guild's configured reminder channel, falling
// back to the channel the task was created in. Assignees are mentioned
// in the message body.
func (d *Discord) DispatchReminder(
	ctx context.Context,
	task Task,
	stage ReminderStage,
) error {
	settings, err := getGuildSettings(
		ctx,
		d.bot.db,
		task.GuildID,
	)
	if err != nil {
		return err
	}
	mentions := make([]string, 0, len(task.Assignees))
	for _, assignee := range task.Assignees {
		mentions = append(
			mentions,
			fmt.Sprintf("<@%s>", assignee.UserID),
		)
	}

	msg := fmt.Sprintf(
		"%s %s reminder: task **%s** (#%d) is due <t:%d:R>!",
		strings.Join(mentions, " "),
		stage,
		task.Name,
		task.ID,
		time.UnixMilli(task.DueAt).Unix(),
	)

	channelID := settings.ReminderChannelID
	if channelID == "" {
		channelID = task.ChannelID
	}
	if channelID == "" {
		return d.dmAssignees(ctx, task, msg)
	}

	return d.channelMessageSend(
		channelID,
		msg,
		discordgo.WithContext(ctx),
		discordgo.WithRetryOnRatelimit(false),
	)
}

// dmAssignees delivers a reminder directly to each assignee. Used when
// a task has no channel destination at all. The reminder counts as
// dispatched if at least one assignee was reached.
func (d *Discord) dmAssignees(
	ctx context.Context,
	task Task,
	msg string,
) error {
	if len(task.Assignees) == 0 {
		return fmt.Errorf(
			"no reminder destination for task %d in guild %s",
			task.ID,
			task.GuildID,
		)
	}
	var delivered int
	var errs []error
	for _, assignee := range task.Assignees {
		channel, err := d.session.UserChannelCreate(
			assignee.UserID,
			discordgo.WithContext(ctx),
		)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err = d.channelMessageSend(
			channel.ID,
			msg,
			discordgo.WithContext(ctx),
			discordgo.WithRetryOnRatelimit(false),
		); err != nil {
			errs = append(errs, err)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return errors.Join(errs...)
	}
	for _, err := range errs {
		d.logger.WarnContext(
			ctx,
			"reminder DM failed for an assignee",
			"task_id", task.ID,
			tint.Err(err),
		)
	}
	return nil
}

// lookupDisplayName implements the resolver's [UserLookup] over the
// discord session, preferring a user's global display name over their
// username.
func (d *Discord) lookupDisplayName(
	ctx context.Context,
	userID string,
) (string, error) {
	user, err := d.session.User(userID, discordgo.WithContext(ctx))
	if err != nil {
		return "", err
	}
	if user.GlobalName != "" {
		return user.GlobalName, nil
	}
	return user.Username, nil
}

// parseAssigneeMentions extracts user IDs from a string of @mentions
func parseAssigneeMentions(s string) []string {
	matches := userMentionPattern.FindAllStringSubmatch(s, -1)
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m[1])
	}
	return dedupeStrings(ids)
}

// DiscordSessionHandler defines the interface for handling Discord
// sessions. This basically defines methods from `discordgo.Session`
// which are used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// ChannelMessageSend sends a message to a specified channel
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ApplicationCommandBulkOverwrite overwrites Discord application
	// commands in bulk
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// InteractionResponseEdit modifies the given interaction
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// User retrieves a discord user by ID
	User(
		userID string,
		options ...discordgo.RequestOption,
	) (*discordgo.User, error)

	// UserChannelCreate creates (or fetches) the DM channel with the
	// given user
	UserChannelCreate(
		recipientID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetIdentify sets the identify object that's sent during the
	// initial handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session]
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) User(
	userID string,
	options ...discordgo.RequestOption,
) (*discordgo.User, error) {
	return d.session.User(userID, options...)
}

func (d DiscordSession) UserChannelCreate(
	recipientID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.UserChannelCreate(recipientID, options...)
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command_name", c.Name)
	}

	return created, nil
}

func (d DiscordSession) UpdateCustomStatus(
	status string,
) error {
	return d.session.UpdateCustomStatus(status)
}

// getDiscordUser returns the [discordgo.User] associated with the
// interaction. Users don't always appear in the same place in the
// interaction object, so this checks known areas.
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	u := i.User
	if u == nil && i.Member != nil {
		u = i.Member.User
	}
	return u
}

// interactionAdmin reports whether the interaction's member has task
// admin capability: the ManageServer permission, or the guild's
// configured admin role.
func interactionAdmin(
	i *discordgo.InteractionCreate,
	settings GuildSettings,
) bool {
	if i.Member == nil {
		return false
	}
	if i.Member.Permissions&discordgo.PermissionManageServer != 0 {
		return true
	}
	if settings.AdminRoleID == "" {
		return false
	}
	for _, roleID := range i.Member.Roles {
		if roleID == settings.AdminRoleID {
			return true
		}
	}
	return false
}
