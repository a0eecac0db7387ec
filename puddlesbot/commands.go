package puddlesbot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	pageComponentPrev = "taskpage:prev"
	pageComponentNext = "taskpage:next"
)

// actorFromInteraction builds the [Actor] for a command, resolving the
// guild's settings for the admin-role check.
func (p *PuddlesBot) actorFromInteraction(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) (Actor, GuildSettings, error) {
	u := getDiscordUser(i)
	if u == nil {
		return Actor{}, GuildSettings{}, fmt.Errorf("no user on interaction %s", i.ID)
	}
	settings, err := getGuildSettings(ctx, p.db, i.GuildID)
	if err != nil {
		return Actor{}, settings, err
	}
	return Actor{
		UserID:  u.ID,
		GuildID: i.GuildID,
		Admin:   interactionAdmin(i, settings),
	}, settings, nil
}

// respondEphemeral sends an immediate ephemeral text response
func (p *PuddlesBot) respondEphemeral(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	content string,
) {
	err := p.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: truncate(content, discordMaxMessageLength),
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		p.logger.ErrorContext(
			ctx,
			"error sending interaction response",
			tint.Err(err),
			"interaction_id", i.ID,
		)
	}
}

// respondPublic sends an immediate public text response
func (p *PuddlesBot) respondPublic(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	content string,
) {
	err := p.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: truncate(content, discordMaxMessageLength),
			},
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		p.logger.ErrorContext(
			ctx,
			"error sending interaction response",
			tint.Err(err),
			"interaction_id", i.ID,
		)
	}
}

func (p *PuddlesBot) handleTaskCreate(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	actor, _, err := p.actorFromInteraction(ctx, i)
	if err != nil {
		p.respondEphemeral(ctx, i, defaultErrorMessage)
		return
	}
	opts := discordInteractionOptions(i)

	params := CreateTaskParams{
		Name:      opts[taskOptionName].StringValue(),
		ChannelID: i.ChannelID,
	}
	if opt, ok := opts[taskOptionDescription]; ok {
		params.Description = opt.StringValue()
	}
	if opt, ok := opts[taskOptionAssignees]; ok {
		params.AssigneeIDs = parseAssigneeMentions(opt.StringValue())
	}
	if opt, ok := opts[taskOptionDue]; ok {
		due, parseErr := parseDueDate(opt.StringValue())
		if parseErr != nil {
			p.respondEphemeral(ctx, i, userErrorMessage(parseErr))
			return
		}
		params.DueAt = due
	}

	task, err := p.lifecycle.CreateTask(ctx, actor, params)
	if err != nil {
		p.respondEphemeral(ctx, i, userErrorMessage(err))
		return
	}
	p.respondPublic(
		ctx,
		i,
		fmt.Sprintf(
			"Created task **%s** (#%d), assigned to %s%s",
			task.Name,
			task.ID,
			mentionList(task.AssigneeIDs()),
			dueDateSuffix(*task),
		),
	)
}

func (p *PuddlesBot) handleTaskEdit(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	actor, _, err := p.actorFromInteraction(ctx, i)
	if err != nil {
		p.respondEphemeral(ctx, i, defaultErrorMessage)
		return
	}
	opts := discordInteractionOptions(i)
	taskID := uint(opts[taskOptionTaskID].IntValue())

	var params EditTaskParams
	if opt, ok := opts[taskOptionName]; ok {
		name := opt.StringValue()
		params.Name = &name
	}
	if opt, ok := opts[taskOptionDescription]; ok {
		description := opt.StringValue()
		params.Description = &description
	}
	if opt, ok := opts[taskOptionAssignees]; ok {
		params.AssigneeIDs = parseAssigneeMentions(opt.StringValue())
	}
	if opt, ok := opts[taskOptionDue]; ok {
		raw := opt.StringValue()
		if strings.EqualFold(strings.TrimSpace(raw), "none") {
			params.DueAt = &time.Time{}
		} else {
			due, parseErr := parseDueDate(raw)
			if parseErr != nil {
				p.respondEphemeral(ctx, i, userErrorMessage(parseErr))
				return
			}
			params.DueAt = &due
		}
	}

	task, err := p.lifecycle.EditTask(ctx, actor, taskID, params)
	if err != nil {
		p.respondEphemeral(ctx, i, userErrorMessage(err))
		return
	}
	p.respondPublic(
		ctx,
		i,
		fmt.Sprintf("Updated task **%s** (#%d)%s", task.Name, task.ID, dueDateSuffix(*task)),
	)
}

func (p *PuddlesBot) handleTaskDone(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	actor, _, err := p.actorFromInteraction(ctx, i)
	if err != nil {
		p.respondEphemeral(ctx, i, defaultErrorMessage)
		return
	}
	opts := discordInteractionOptions(i)
	taskID := uint(opts[taskOptionTaskID].IntValue())

	task, err := p.lifecycle.CompleteTask(ctx, actor, taskID)
	if err != nil {
		p.respondEphemeral(ctx, i, userErrorMessage(err))
		return
	}

	msg := fmt.Sprintf(
		"<@%s> completed task **%s** (#%d)! :tada:",
		actor.UserID,
		task.Name,
		task.ID,
	)
	if task.Late(p.lifecycle.now()) {
		msg += " (completed late)"
	}
	p.respondPublic(ctx, i, msg)
}

func (p *PuddlesBot) handleSnipe(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	actor, _, err := p.actorFromInteraction(ctx, i)
	if err != nil {
		p.respondEphemeral(ctx, i, defaultErrorMessage)
		return
	}
	opts := discordInteractionOptions(i)
	taskID := uint(opts[taskOptionTaskID].IntValue())

	task, err := p.lifecycle.SnipeTask(ctx, actor, taskID)
	if err != nil {
		p.respondEphemeral(ctx, i, userErrorMessage(err))
		return
	}
	p.respondPublic(
		ctx,
		i,
		fmt.Sprintf(
			"<@%s> sniped task **%s** (#%d)! An admin can `/%s` to approve or reject.",
			actor.UserID,
			task.Name,
			task.ID,
			DiscordSlashCommandSnipeReview,
		),
	)
}

func (p *PuddlesBot) handleSnipeReview(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	actor, _, err := p.actorFromInteraction(ctx, i)
	if err != nil {
		p.respondEphemeral(ctx, i, defaultErrorMessage)
		return
	}
	opts := discordInteractionOptions(i)
	taskID := uint(opts[taskOptionTaskID].IntValue())
	decision := opts[taskOptionDecision].StringValue()

	switch decision {
	case snipeDecisionApprove:
		task, approveErr := p.lifecycle.ApproveSnipe(ctx, actor, taskID)
		if approveErr != nil {
			p.respondEphemeral(ctx, i, userErrorMessage(approveErr))
			return
		}
		p.respondPublic(
			ctx,
			i,
			fmt.Sprintf(
				"Snipe approved: <@%s> gets credit for **%s** (#%d)",
				task.CompletedBy,
				task.Name,
				task.ID,
			),
		)
	case snipeDecisionReject:
		task, rejectErr := p.lifecycle.RejectSnipe(ctx, actor, taskID)
		if rejectErr != nil {
			p.respondEphemeral(ctx, i, userErrorMessage(rejectErr))
			return
		}
		p.respondPublic(
			ctx,
			i,
			fmt.Sprintf(
				"Snipe rejected: **%s** (#%d) is open again",
				task.Name,
				task.ID,
			),
		)
	default:
		p.respondEphemeral(
			ctx,
			i,
			userErrorMessage(
				ValidationError{
					Reason: fmt.Sprintf("unknown decision %q", decision),
				},
			),
		)
	}
}

func (p *PuddlesBot) handleTaskDelete(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	actor, _, err := p.actorFromInteraction(ctx, i)
	if err != nil {
		p.respondEphemeral(ctx, i, defaultErrorMessage)
		return
	}
	opts := discordInteractionOptions(i)
	taskID := uint(opts[taskOptionTaskID].IntValue())

	if err = p.lifecycle.DeleteTask(ctx, actor, taskID); err != nil {
		p.respondEphemeral(ctx, i, userErrorMessage(err))
		return
	}
	p.respondEphemeral(ctx, i, fmt.Sprintf("Deleted task #%d", taskID))
}

func (p *PuddlesBot) handleTCW(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	actor, _, err := p.actorFromInteraction(ctx, i)
	if err != nil {
		p.respondEphemeral(ctx, i, defaultErrorMessage)
		return
	}
	if !actor.Admin {
		p.respondEphemeral(
			ctx,
			i,
			userErrorMessage(
				AuthorizationError{
					UserID: actor.UserID,
					Reason: "managing the creator whitelist requires admin capability",
				},
			),
		)
		return
	}
	opts := discordInteractionOptions(i)
	action := opts[tcwOptionAction].StringValue()

	switch action {
	case tcwActionList:
		var entries []TaskCreator
		if err = p.db.WithContext(ctx).Where(
			fmt.Sprintf("%s = ?", columnTaskCreatorGuildID),
			i.GuildID,
		).Find(&entries).Error; err != nil {
			p.respondEphemeral(ctx, i, defaultErrorMessage)
			return
		}
		if len(entries) == 0 {
			p.respondEphemeral(ctx, i, "The task-creator whitelist is empty.")
			return
		}
		ids := make([]string, 0, len(entries))
		for _, entry := range entries {
			ids = append(ids, entry.UserID)
		}
		p.respondEphemeral(
			ctx,
			i,
			fmt.Sprintf("Whitelisted task creators: %s", mentionList(ids)),
		)
	case tcwActionAdd, tcwActionRemove:
		opt, ok := opts[tcwOptionUser]
		if !ok {
			p.respondEphemeral(
				ctx,
				i,
				userErrorMessage(
					ValidationError{Reason: "a user is required for add/remove"},
				),
			)
			return
		}
		target := opt.UserValue(nil)
		if action == tcwActionAdd {
			entry := TaskCreator{
				GuildID: i.GuildID,
				UserID:  target.ID,
				AddedBy: actor.UserID,
			}
			if _, err = p.writeDB.Create(ctx, &entry); err != nil {
				p.logger.ErrorContext(
					ctx,
					"error adding whitelist entry",
					tint.Err(err),
				)
				p.respondEphemeral(ctx, i, defaultErrorMessage)
				return
			}
			p.respondEphemeral(
				ctx,
				i,
				fmt.Sprintf("<@%s> can now create tasks.", target.ID),
			)
			return
		}
		if _, err = p.writeDB.Delete(
			&TaskCreator{},
			fmt.Sprintf(
				"%s = ? AND %s = ?",
				columnTaskCreatorGuildID,
				columnTaskCreatorUserID,
			),
			i.GuildID,
			target.ID,
		); err != nil {
			p.logger.ErrorContext(
				ctx,
				"error removing whitelist entry",
				tint.Err(err),
			)
			p.respondEphemeral(ctx, i, defaultErrorMessage)
			return
		}
		p.respondEphemeral(
			ctx,
			i,
			fmt.Sprintf("<@%s> removed from the task-creator whitelist.", target.ID),
		)
	default:
		p.respondEphemeral(
			ctx,
			i,
			userErrorMessage(
				ValidationError{Reason: fmt.Sprintf("unknown action %q", action)},
			),
		)
	}
}

// handleTaskList renders the first page of a task list view and records
// a [PagedMessage] so the page buttons survive restarts.
func (p *PuddlesBot) handleTaskList(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	view TaskListView,
) {
	u := getDiscordUser(i)
	if u == nil {
		p.respondEphemeral(ctx, i, defaultErrorMessage)
		return
	}

	// Resolution fans out to the discord API, so ack first
	err := p.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		p.logger.ErrorContext(ctx, "error deferring response", tint.Err(err))
		return
	}

	targetUserID := ""
	if view == TaskListViewMine {
		targetUserID = u.ID
	}

	content, components, page, err := p.renderTaskList(
		ctx,
		i.GuildID,
		view,
		targetUserID,
		0,
	)
	if err != nil {
		p.logger.ErrorContext(ctx, "error rendering task list", tint.Err(err))
		content = defaultErrorMessage
		components = nil
	}

	edit := &discordgo.WebhookEdit{Content: &content}
	if len(components) > 0 {
		edit.Components = &components
	}
	msg, err := p.discord.session.InteractionResponseEdit(
		i.Interaction,
		edit,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		p.logger.ErrorContext(ctx, "error editing response", tint.Err(err))
		return
	}

	if msg != nil && page.Count > 1 {
		paged := PagedMessage{
			MessageID:    msg.ID,
			ChannelID:    msg.ChannelID,
			GuildID:      i.GuildID,
			View:         view,
			TargetUserID: targetUserID,
			PageIndex:    page.Index,
			PageSize:     TaskPageSize,
		}
		if _, err = p.writeDB.Create(ctx, &paged); err != nil {
			p.logger.ErrorContext(
				ctx,
				"error saving paged message",
				tint.Err(err),
			)
		}
	}
}

// handlePageComponent handles a prev/next button press on a paginated
// list message. The page state is looked up from the durable
// [PagedMessage] record, so buttons keep working after a restart.
func (p *PuddlesBot) handlePageComponent(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	customID := i.MessageComponentData().CustomID
	if i.Message == nil {
		return
	}

	var paged PagedMessage
	err := p.db.WithContext(ctx).Where(
		"message_id = ?",
		i.Message.ID,
	).First(&paged).Error
	if err != nil {
		p.logger.WarnContext(
			ctx,
			"page button pressed on unknown message",
			"message_id", i.Message.ID,
			tint.Err(err),
		)
		p.respondEphemeral(ctx, i, "This list has expired, run the command again.")
		return
	}

	switch customID {
	case pageComponentPrev:
		paged.PageIndex--
	case pageComponentNext:
		paged.PageIndex++
	default:
		return
	}

	content, components, page, err := p.renderTaskList(
		ctx,
		paged.GuildID,
		paged.View,
		paged.TargetUserID,
		paged.PageIndex,
	)
	if err != nil {
		p.logger.ErrorContext(ctx, "error rendering task list", tint.Err(err))
		p.respondEphemeral(ctx, i, defaultErrorMessage)
		return
	}

	err = p.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseUpdateMessage,
			Data: &discordgo.InteractionResponseData{
				Content:    content,
				Components: components,
			},
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		p.logger.ErrorContext(ctx, "error updating paged message", tint.Err(err))
		return
	}

	paged.PageIndex = page.Index
	if _, err = p.writeDB.Updates(
		ctx,
		&PagedMessage{ModelUintID: paged.ModelUintID},
		map[string]any{"page_index": page.Index},
	); err != nil {
		p.logger.ErrorContext(ctx, "error saving page index", tint.Err(err))
	}
}

// renderTaskList loads, resolves and paginates one page of a task list
// view. Display names for every creator and assignee on the page's
// tasks are resolved concurrently before formatting.
func (p *PuddlesBot) renderTaskList(
	ctx context.Context,
	guildID string,
	view TaskListView,
	targetUserID string,
	pageIndex int,
) (string, []discordgo.MessageComponent, Page[Task], error) {
	var tasks []Task
	var err error
	if view == TaskListViewMine && targetUserID != "" {
		tasks, err = userTasks(
			ctx,
			p.db,
			guildID,
			targetUserID,
			view.statuses()...,
		)
	} else {
		tasks, err = guildTasks(ctx, p.db, guildID, view.statuses()...)
	}
	if err != nil {
		return "", nil, Page[Task]{}, err
	}

	page := paginate(tasks, TaskPageSize, pageIndex)

	if len(page.Items) == 0 {
		return emptyListMessage(view), nil, page, nil
	}

	userIDs := make([]string, 0, len(page.Items)*3)
	for _, task := range page.Items {
		userIDs = append(userIDs, task.CreatorID)
		userIDs = append(userIDs, task.AssigneeIDs()...)
		if task.CompletedBy != "" {
			userIDs = append(userIDs, task.CompletedBy)
		}
	}
	names := p.resolver.ResolveAll(ctx, userIDs)

	now := p.lifecycle.now()
	var b strings.Builder
	fmt.Fprintf(
		&b,
		"%s - page %d/%d (%d tasks)\n\n",
		listTitle(view),
		page.Index+1,
		page.Count,
		page.Total,
	)
	for _, task := range page.Items {
		b.WriteString(formatTaskLine(task, names, now))
		b.WriteString("\n")
	}

	var components []discordgo.MessageComponent
	if page.Count > 1 {
		components = []discordgo.MessageComponent{
			discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{
					discordgo.Button{
						Label:    "Previous",
						Style:    discordgo.SecondaryButton,
						CustomID: pageComponentPrev,
						Disabled: !page.HasPrev,
					},
					discordgo.Button{
						Label:    "Next",
						Style:    discordgo.SecondaryButton,
						CustomID: pageComponentNext,
						Disabled: !page.HasNext,
					},
				},
			},
		}
	}

	return truncate(b.String(), discordMaxMessageLength), components, page, nil
}

func listTitle(view TaskListView) string {
	switch view {
	case TaskListViewMine:
		return "**Your tasks**"
	case TaskListViewOpen:
		return "**Open tasks**"
	case TaskListViewAll:
		return "**All tasks**"
	case TaskListViewOld:
		return "**Completed tasks**"
	default:
		return "**Tasks**"
	}
}

func emptyListMessage(view TaskListView) string {
	switch view {
	case TaskListViewMine:
		return "You have no open tasks. :duck:"
	case TaskListViewOld:
		return "No completed tasks yet."
	default:
		return "No tasks here yet. Create one with `/task`!"
	}
}

// formatTaskLine renders one task list entry with resolved display names
func formatTaskLine(
	task Task,
	names map[string]string,
	now time.Time,
) string {
	assigneeNames := make([]string, 0, len(task.Assignees))
	for _, a := range task.Assignees {
		assigneeNames = append(assigneeNames, displayName(names, a.UserID))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "`#%d` **%s**", task.ID, task.Name)
	if task.DueAt > 0 {
		fmt.Fprintf(&b, " - due <t:%d:D>", time.UnixMilli(task.DueAt).Unix())
	}
	fmt.Fprintf(&b, " - %s", strings.Join(assigneeNames, ", "))

	switch task.Status {
	case TaskStatusCompleted:
		fmt.Fprintf(
			&b,
			" - completed by %s",
			displayName(names, task.CompletedBy),
		)
		if task.Late(now) {
			b.WriteString(" (late)")
		}
	case TaskStatusSnipedApproved:
		fmt.Fprintf(
			&b,
			" - sniped by %s",
			displayName(names, task.CompletedBy),
		)
	case TaskStatusSnipedPending:
		fmt.Fprintf(
			&b,
			" - snipe pending (%s)",
			displayName(names, task.SnipedBy),
		)
	default:
		if task.Late(now) {
			b.WriteString(" - **OVERDUE**")
		}
	}
	return b.String()
}

func displayName(names map[string]string, userID string) string {
	if name, ok := names[userID]; ok {
		return name
	}
	return unknownUserDisplayName(userID)
}

func mentionList(userIDs []string) string {
	mentions := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		mentions = append(mentions, fmt.Sprintf("<@%s>", id))
	}
	return strings.Join(mentions, " ")
}

func dueDateSuffix(task Task) string {
	if task.DueAt == 0 {
		return ""
	}
	return fmt.Sprintf(", due <t:%d:D>", time.UnixMilli(task.DueAt).Unix())
}

// parseDueDate parses a YYYY-MM-DD due date, interpreted as end of day
// UTC so a task isn't late during its due day.
func parseDueDate(s string) (time.Time, error) {
	parsed, err := time.Parse(dueDateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, ValidationError{
			Reason: fmt.Sprintf(
				"due date must look like %s",
				dueDateLayout,
			),
		}
	}
	return parsed.Add(24*time.Hour - time.Millisecond), nil
}
