// Package mcpserver exposes reminder management as MCP tools so assistants
// can create and inspect reminders on a user's behalf.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"remindbot/internal/clock"
	"remindbot/internal/reminder"
	"remindbot/internal/timeparse"
	logx "remindbot/pkg/logx"
)

const (
	serverName    = "remindbot"
	serverVersion = "1.0.0"
)

type Reminders interface {
	CreateReminder(ctx context.Context, d reminder.Draft) (reminder.Reminder, error)
	CancelReminder(ctx context.Context, id, ownerID int64) (bool, error)
	RescheduleReminder(ctx context.Context, id, ownerID int64, at time.Time) (bool, error)
	DeleteReminder(ctx context.Context, id, ownerID int64) (bool, error)
	ListPending(ctx context.Context, ownerID int64) ([]reminder.Reminder, error)
	Stats(ctx context.Context, ownerID int64) (reminder.Stats, error)
	Get(ctx context.Context, id, ownerID int64) (reminder.Reminder, error)
	Location() *time.Location
}

type Users interface {
	GetUser(ctx context.Context, id int64) (reminder.User, error)
}

type Options struct {
	// DefaultOwner is used when a call omits owner_id.
	DefaultOwner int64
	Clock        clock.Clock
	Logger       logx.Logger
}

// Server is the MCP server for reminder management.
type Server struct {
	mcpServer *server.MCPServer
	svc       Reminders
	users     Users
	opt       Options
}

func New(svc Reminders, users Users, opt Options) *Server {
	opt.Clock = clock.OrReal(opt.Clock)
	if opt.Logger.IsZero() {
		opt.Logger = logx.Nop()
	}
	s := &Server{svc: svc, users: users, opt: opt}
	s.mcpServer = server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	s.registerTools()
	return s
}

// MCPServer returns the underlying MCP server for serving.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// ServeStdio blocks serving MCP over stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

func (s *Server) registerTools() {
	owner := mcp.WithNumber("owner_id", mcp.Description("Telegram user id (defaults to the configured owner)"))

	s.mcpServer.AddTool(
		mcp.NewTool("create_reminder",
			mcp.WithDescription("Schedule a reminder delivered to the user's Telegram chat"),
			mcp.WithString("title", mcp.Required(), mcp.Description("Reminder title")),
			mcp.WithString("when", mcp.Required(), mcp.Description("Fire time: RFC3339, 'in 30 minutes', 'tomorrow at 9:00', '24.12 at 18:00'")),
			mcp.WithString("description", mcp.Description("Optional details")),
			mcp.WithString("repeat", mcp.Description("none, daily, weekly, monthly, yearly or an interval like '90m'")),
			mcp.WithString("until", mcp.Description("Last day of a repeating reminder (YYYY-MM-DD)")),
			mcp.WithString("category", mcp.Description("Optional category, e.g. work, health, home")),
			mcp.WithString("priority", mcp.Description("low, normal or high")),
			owner,
		),
		s.handleCreate,
	)
	s.mcpServer.AddTool(
		mcp.NewTool("list_reminders",
			mcp.WithDescription("List pending reminders, soonest first"),
			owner,
		),
		s.handleList,
	)
	s.mcpServer.AddTool(
		mcp.NewTool("get_reminder",
			mcp.WithDescription("Show one reminder with its status"),
			mcp.WithNumber("id", mcp.Required(), mcp.Description("Reminder ID")),
			owner,
		),
		s.handleGet,
	)
	s.mcpServer.AddTool(
		mcp.NewTool("cancel_reminder",
			mcp.WithDescription("Cancel a pending reminder; a repeating one stops for good"),
			mcp.WithNumber("id", mcp.Required(), mcp.Description("Reminder ID")),
			owner,
		),
		s.handleCancel,
	)
	s.mcpServer.AddTool(
		mcp.NewTool("reschedule_reminder",
			mcp.WithDescription("Move a pending reminder to a new time"),
			mcp.WithNumber("id", mcp.Required(), mcp.Description("Reminder ID")),
			mcp.WithString("when", mcp.Required(), mcp.Description("New fire time, same formats as create_reminder")),
			owner,
		),
		s.handleReschedule,
	)
	s.mcpServer.AddTool(
		mcp.NewTool("delete_reminder",
			mcp.WithDescription("Delete a reminder permanently"),
			mcp.WithNumber("id", mcp.Required(), mcp.Description("Reminder ID")),
			owner,
		),
		s.handleDelete,
	)
	s.mcpServer.AddTool(
		mcp.NewTool("reminder_stats",
			mcp.WithDescription("Count reminders per status"),
			owner,
		),
		s.handleStats,
	)
}

func (s *Server) owner(req mcp.CallToolRequest) (int64, error) {
	if id := int64(req.GetFloat("owner_id", 0)); id != 0 {
		return id, nil
	}
	if s.opt.DefaultOwner == 0 {
		return 0, errors.New("owner_id is required (no default owner configured)")
	}
	return s.opt.DefaultOwner, nil
}

func (s *Server) location(ctx context.Context, owner int64) *time.Location {
	def := s.svc.Location()
	if s.users == nil {
		return def
	}
	u, err := s.users.GetUser(ctx, owner)
	if err != nil {
		return def
	}
	return u.Location(def)
}

func reminderID(req mcp.CallToolRequest) (int64, error) {
	id := int64(req.GetFloat("id", -1))
	if id <= 0 {
		return 0, errors.New("id is required and must be a positive number")
	}
	return id, nil
}

func jsonResult(v any) *mcp.CallToolResult {
	output, _ := json.MarshalIndent(v, "", "  ")
	return mcp.NewToolResultText(string(output))
}

func (s *Server) handleCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner, err := s.owner(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	title := strings.TrimSpace(req.GetString("title", ""))
	if title == "" {
		return mcp.NewToolResultError("title is required"), nil
	}
	loc := s.location(ctx, owner)
	now := s.opt.Clock.Now().In(loc)
	at, err := timeparse.ParseFuture(req.GetString("when", ""), now)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	d := reminder.Draft{
		OwnerID:     owner,
		Title:       title,
		Description: req.GetString("description", ""),
		ScheduledAt: at,
		Category:    strings.ToLower(strings.TrimSpace(req.GetString("category", ""))),
		Source:      "mcp",
	}
	if v := req.GetString("priority", ""); v != "" {
		p, err := reminder.ParsePriority(v)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		d.Priority = p
	}
	if v := req.GetString("repeat", ""); v != "" {
		rule, err := reminder.ParseRule(v)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if !rule.IsZero() && rule.Kind != reminder.RepeatCustom {
			rule.TZ = loc.String()
		}
		d.Repeat = rule
	}
	if v := req.GetString("until", ""); v != "" {
		if d.Repeat.IsZero() {
			return mcp.NewToolResultError("until requires repeat"), nil
		}
		day, err := time.ParseInLocation("2006-01-02", v, loc)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid until: %v (use YYYY-MM-DD)", err)), nil
		}
		d.Repeat.Until = day.Add(24*time.Hour - time.Second)
	}

	r, err := s.svc.CreateReminder(ctx, d)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create reminder: %v", err)), nil
	}
	s.opt.Logger.Info("reminder created via mcp", logx.Int64("reminder_id", r.ID), logx.Int64("owner_id", owner))
	return jsonResult(r), nil
}

func (s *Server) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner, err := s.owner(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	items, err := s.svc.ListPending(ctx, owner)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list reminders: %v", err)), nil
	}
	if len(items) == 0 {
		return mcp.NewToolResultText("No pending reminders."), nil
	}
	return jsonResult(items), nil
}

func (s *Server) handleGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner, err := s.owner(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id, err := reminderID(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	r, err := s.svc.Get(ctx, id, owner)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(r), nil
}

func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner, err := s.owner(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id, err := reminderID(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ok, err := s.svc.CancelReminder(ctx, id, owner)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to cancel reminder: %v", err)), nil
	}
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("reminder %d not found or no longer pending", id)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Reminder %d cancelled.", id)), nil
}

func (s *Server) handleReschedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner, err := s.owner(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id, err := reminderID(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	now := s.opt.Clock.Now().In(s.location(ctx, owner))
	at, err := timeparse.ParseFuture(req.GetString("when", ""), now)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ok, err := s.svc.RescheduleReminder(ctx, id, owner, at)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to reschedule reminder: %v", err)), nil
	}
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("reminder %d not found or no longer pending", id)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Reminder %d moved to %s.", id, at.Format(time.RFC3339))), nil
}

func (s *Server) handleDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner, err := s.owner(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id, err := reminderID(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ok, err := s.svc.DeleteReminder(ctx, id, owner)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to delete reminder: %v", err)), nil
	}
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("reminder %d not found", id)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Reminder %d deleted.", id)), nil
}

func (s *Server) handleStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner, err := s.owner(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	st, err := s.svc.Stats(ctx, owner)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load stats: %v", err)), nil
	}
	return jsonResult(struct {
		reminder.Stats
		Total int `json:"total"`
	}{st, st.Total()}), nil
}
