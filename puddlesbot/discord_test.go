package puddlesbot

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubChannelMessage records one ChannelMessageSend call
type stubChannelMessage struct {
	ChannelID string
	Content   string
}

// stubSession implements [DiscordSessionHandler] in memory, recording
// everything sent through it.
type stubSession struct {
	mu sync.Mutex

	// users backs the User lookup, keyed by user ID
	users map[string]*discordgo.User

	// channelSendErrs forces ChannelMessageSend to fail for a channel ID
	channelSendErrs map[string]error

	// dmCreateErrs forces UserChannelCreate to fail for a user ID
	dmCreateErrs map[string]error

	sentMessages []stubChannelMessage
	responses    []*discordgo.InteractionResponse
	edits        []*discordgo.WebhookEdit

	// editMessageID is the message ID returned by InteractionResponseEdit
	editMessageID string
}

func newStubSession() *stubSession {
	return &stubSession{
		users:           map[string]*discordgo.User{},
		channelSendErrs: map[string]error{},
		dmCreateErrs:    map[string]error{},
		editMessageID:   "msg-1",
	}
}

func (s *stubSession) Open() error {
	return nil
}

func (s *stubSession) Close() error {
	return nil
}

func (s *stubSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.channelSendErrs[channelID]; ok {
		return nil, err
	}
	s.sentMessages = append(
		s.sentMessages,
		stubChannelMessage{ChannelID: channelID, Content: message},
	)
	return &discordgo.Message{ChannelID: channelID, Content: message}, nil
}

func (s *stubSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	for n, c := range commands {
		c.ID = fmt.Sprintf("command-%d", n)
	}
	return commands, nil
}

func (*stubSession) UpdateCustomStatus(string) error {
	return nil
}

func (*stubSession) AddHandler(any) func() {
	return func() {}
}

func (s *stubSession) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, resp)
	return nil
}

func (s *stubSession) InteractionResponseEdit(
	_ *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edits = append(s.edits, newresp)
	return &discordgo.Message{ID: s.editMessageID, ChannelID: "chan-1"}, nil
}

func (s *stubSession) User(
	userID string,
	_ ...discordgo.RequestOption,
) (*discordgo.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("unknown user %s", userID)
	}
	return user, nil
}

func (s *stubSession) UserChannelCreate(
	recipientID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.dmCreateErrs[recipientID]; ok {
		return nil, err
	}
	return &discordgo.Channel{ID: "dm-" + recipientID}, nil
}

func (*stubSession) SetHTTPClient(*http.Client) {}

func (*stubSession) SetIdentify(discordgo.Identify) {}

func (*stubSession) SetLogLevel(slog.Level) error {
	return nil
}

func (s *stubSession) lastResponse(t testing.TB) *discordgo.InteractionResponse {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.responses)
	return s.responses[len(s.responses)-1]
}

// newTestBot assembles a bot over a temp sqlite database and a stub
// discord session, enough to drive interactions end to end.
func newTestBot(t testing.TB) (*PuddlesBot, *stubSession) {
	t.Helper()
	db := setupTestDB(t)
	cfg := DefaultConfig()
	stub := newStubSession()
	disc := &Discord{
		config:  cfg.Discord,
		session: stub,
		logger:  slog.Default(),
	}
	p := &PuddlesBot{
		config:                        cfg,
		db:                            db,
		writeDB:                       NewDatabase(db, slog.Default(), false),
		logger:                        slog.Default(),
		discord:                       disc,
		triggerRuntimeConfigRefreshCh: make(chan bool, 1),
	}
	disc.bot = p
	p.lifecycle = NewTaskLifecycle(p.writeDB, slog.Default(), nil)
	p.resolver = newDisplayNameResolver(
		disc.lookupDisplayName,
		cfg.Resolver,
		slog.Default(),
	)
	return p, stub
}

func stringOption(name string, value string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionString,
		Value: value,
	}
}

// commandInteraction builds an application command interaction issued by
// an admin member of guild-1
func commandInteraction(
	name string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        "interaction-1",
			Type:      discordgo.InteractionApplicationCommand,
			GuildID:   "guild-1",
			ChannelID: "chan-1",
			Member: &discordgo.Member{
				User:        &discordgo.User{ID: "admin-1", Username: "admin"},
				Permissions: discordgo.PermissionManageServer,
			},
			Data: discordgo.ApplicationCommandInteractionData{
				Name:    name,
				Options: options,
			},
		},
	}
}

func TestHandleTaskCreateCommand(t *testing.T) {
	t.Parallel()
	p, stub := newTestBot(t)
	ctx := context.Background()

	p.handleApplicationCommand(
		ctx,
		commandInteraction(
			DiscordSlashCommandTask,
			stringOption(taskOptionName, "feed the ducks"),
			stringOption(taskOptionAssignees, "<@111> <@222>"),
			stringOption(taskOptionDue, "2026-10-01"),
		),
	)

	resp := stub.lastResponse(t)
	assert.Equal(
		t,
		discordgo.InteractionResponseChannelMessageWithSource,
		resp.Type,
	)
	require.NotNil(t, resp.Data)
	assert.Zero(t, resp.Data.Flags&discordgo.MessageFlagsEphemeral)
	assert.Contains(t, resp.Data.Content, "Created task **feed the ducks**")
	assert.Contains(t, resp.Data.Content, "<@111> <@222>")

	var tasks []Task
	require.NoError(t, p.db.Preload("Assignees").Find(&tasks).Error)
	require.Len(t, tasks, 1)
	assert.Equal(t, TaskStatusOpen, tasks[0].Status)
	assert.Equal(t, "admin-1", tasks[0].CreatorID)
	assert.Equal(t, "chan-1", tasks[0].ChannelID)
	assert.Equal(t, []string{"111", "222"}, tasks[0].AssigneeIDs())
	assert.Positive(t, tasks[0].DueAt)
}

func TestHandleApplicationCommandPaused(t *testing.T) {
	t.Parallel()
	p, stub := newTestBot(t)
	ctx := context.Background()

	p.paused.Store(true)
	p.handleApplicationCommand(
		ctx,
		commandInteraction(
			DiscordSlashCommandTask,
			stringOption(taskOptionName, "feed the ducks"),
			stringOption(taskOptionAssignees, "<@111>"),
		),
	)

	resp := stub.lastResponse(t)
	require.NotNil(t, resp.Data)
	assert.NotZero(t, resp.Data.Flags&discordgo.MessageFlagsEphemeral)
	assert.Contains(t, resp.Data.Content, "paused")

	var count int64
	require.NoError(t, p.db.Model(&Task{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestDispatchReminderDestinations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	newReminderTask := func(guildID string, channelID string) Task {
		return Task{
			ModelUintID: ModelUintID{ID: 42},
			Name:        "clean the pond",
			GuildID:     guildID,
			ChannelID:   channelID,
			Status:      TaskStatusOpen,
			DueAt:       1764547200000,
			Assignees: []TaskAssignee{
				{TaskID: 42, UserID: "111"},
				{TaskID: 42, UserID: "222"},
			},
		}
	}

	t.Run("guild reminder channel wins", func(t *testing.T) {
		t.Parallel()
		p, stub := newTestBot(t)
		require.NoError(
			t,
			p.db.Create(
				&GuildSettings{
					GuildID:           "guild-a",
					ReminderChannelID: "reminder-chan",
				},
			).Error,
		)

		err := p.discord.DispatchReminder(
			ctx,
			newReminderTask("guild-a", "chan-1"),
			ReminderStage7Day,
		)
		require.NoError(t, err)
		require.Len(t, stub.sentMessages, 1)
		assert.Equal(t, "reminder-chan", stub.sentMessages[0].ChannelID)
		assert.Contains(t, stub.sentMessages[0].Content, "7d reminder")
		assert.Contains(t, stub.sentMessages[0].Content, "<@111> <@222>")
	})

	t.Run("falls back to the task's channel", func(t *testing.T) {
		t.Parallel()
		p, stub := newTestBot(t)

		err := p.discord.DispatchReminder(
			ctx,
			newReminderTask("guild-b", "chan-1"),
			ReminderStage7Day,
		)
		require.NoError(t, err)
		require.Len(t, stub.sentMessages, 1)
		assert.Equal(t, "chan-1", stub.sentMessages[0].ChannelID)
	})

	t.Run("falls back to assignee DMs", func(t *testing.T) {
		t.Parallel()
		p, stub := newTestBot(t)

		err := p.discord.DispatchReminder(
			ctx,
			newReminderTask("guild-c", ""),
			ReminderStage7Day,
		)
		require.NoError(t, err)
		require.Len(t, stub.sentMessages, 2)
		channels := []string{
			stub.sentMessages[0].ChannelID,
			stub.sentMessages[1].ChannelID,
		}
		assert.ElementsMatch(t, []string{"dm-111", "dm-222"}, channels)
	})

	t.Run("partial DM failure still counts", func(t *testing.T) {
		t.Parallel()
		p, stub := newTestBot(t)
		stub.dmCreateErrs["111"] = fmt.Errorf("cannot DM user")

		err := p.discord.DispatchReminder(
			ctx,
			newReminderTask("guild-d", ""),
			ReminderStage7Day,
		)
		require.NoError(t, err)
		require.Len(t, stub.sentMessages, 1)
		assert.Equal(t, "dm-222", stub.sentMessages[0].ChannelID)
	})

	t.Run("no destination at all", func(t *testing.T) {
		t.Parallel()
		p, _ := newTestBot(t)

		task := newReminderTask("guild-e", "")
		task.Assignees = nil
		err := p.discord.DispatchReminder(ctx, task, ReminderStage7Day)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no reminder destination")
	})
}

func TestHandlePageComponent(t *testing.T) {
	t.Parallel()
	p, stub := newTestBot(t)
	ctx := context.Background()

	admin := Actor{UserID: "admin-1", GuildID: "guild-1", Admin: true}
	for n := 0; n < TaskPageSize+2; n++ {
		_, err := p.lifecycle.CreateTask(
			ctx,
			admin,
			CreateTaskParams{
				Name:        fmt.Sprintf("task %d", n),
				AssigneeIDs: []string{"111"},
				ChannelID:   "chan-1",
			},
		)
		require.NoError(t, err)
	}

	// /showtasks renders page 1 and records the durable page state
	p.handleApplicationCommand(
		ctx,
		commandInteraction(DiscordSlashCommandShowTasks),
	)
	require.Len(t, stub.edits, 1)
	require.NotNil(t, stub.edits[0].Content)
	assert.Contains(t, *stub.edits[0].Content, "page 1/2")

	var paged PagedMessage
	require.NoError(
		t,
		p.db.Where("message_id = ?", "msg-1").First(&paged).Error,
	)
	assert.Equal(t, 0, paged.PageIndex)
	assert.Equal(t, TaskListViewOpen, paged.View)

	// the Next button advances to page 2, updating the stored index so
	// the buttons keep working after a restart
	p.handlePageComponent(
		ctx,
		&discordgo.InteractionCreate{
			Interaction: &discordgo.Interaction{
				ID:      "interaction-2",
				Type:    discordgo.InteractionMessageComponent,
				GuildID: "guild-1",
				Member: &discordgo.Member{
					User: &discordgo.User{ID: "admin-1"},
				},
				Message: &discordgo.Message{ID: "msg-1"},
				Data: discordgo.MessageComponentInteractionData{
					CustomID: pageComponentNext,
				},
			},
		},
	)

	resp := stub.lastResponse(t)
	assert.Equal(t, discordgo.InteractionResponseUpdateMessage, resp.Type)
	require.NotNil(t, resp.Data)
	assert.Contains(t, resp.Data.Content, "page 2/2")

	require.NoError(
		t,
		p.db.Where("message_id = ?", "msg-1").First(&paged).Error,
	)
	assert.Equal(t, 1, paged.PageIndex)
}

func TestHandlePageComponentUnknownMessage(t *testing.T) {
	t.Parallel()
	p, stub := newTestBot(t)
	ctx := context.Background()

	p.handlePageComponent(
		ctx,
		&discordgo.InteractionCreate{
			Interaction: &discordgo.Interaction{
				ID:      "interaction-3",
				Type:    discordgo.InteractionMessageComponent,
				GuildID: "guild-1",
				Member: &discordgo.Member{
					User: &discordgo.User{ID: "admin-1"},
				},
				Message: &discordgo.Message{ID: "never-seen"},
				Data: discordgo.MessageComponentInteractionData{
					CustomID: pageComponentNext,
				},
			},
		},
	)

	resp := stub.lastResponse(t)
	require.NotNil(t, resp.Data)
	assert.NotZero(t, resp.Data.Flags&discordgo.MessageFlagsEphemeral)
	assert.Contains(t, resp.Data.Content, "expired")
}
