// Package puddlesbot implements a Discord bot for shared task tracking
// within a server: create tasks with assignees and due dates, mark them
// done, and let non-assignees "snipe" a finished task for credit,
// pending moderator review.
//
// Key components of the package include:
//
//   - PuddlesBot: The main struct that encapsulates the bot's core functionality.
//   - TaskLifecycle: Validates and applies every task state transition.
//   - Discord: Handles Discord integration and slash command processing.
//   - reminderScheduler: Periodically scans for tasks nearing their due
//     date and dispatches staged reminders.
//   - displayNameResolver: Resolves user IDs to display names in
//     parallel when rendering task lists.
//   - API: Provides a backend API for bot management and monitoring.
//
// The bot supports various commands:
//
//   - /task, /taskedit, /taskdone, /taskdelete: Task lifecycle management.
//   - /snipe, /snipereview: Claim credit for someone else's task, and
//     moderator approval of those claims.
//   - /mytasks, /showtasks, /alltasks, /oldtasks: Paginated task lists.
//   - /tcw: Manage the task creator whitelist.
//   - /quack, /diceroll: Fun commands.
//
// Tasks persist in SQLite or postgres. Reminder state is tracked per
// task so each stage is sent at most once, and survives restarts.
package puddlesbot
