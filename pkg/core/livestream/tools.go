package livestream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ToolHandler answers one function call. The returned map becomes the
// function response body.
type ToolHandler func(ctx context.Context, args map[string]any) (map[string]any, error)

// Tool pairs a declaration with its handler.
type Tool struct {
	Declaration FunctionDeclaration
	Handler     ToolHandler
}

// Tool names.
const (
	ToolScheduleAppointment = "scheduleAppointment"
	ToolSearchKnowledgeBase = "searchKnowledgeBase"
)

// Appointment is a booking requested by the remote model.
type Appointment struct {
	ID     string    `json:"id"`
	CallID string    `json:"callId"`
	Date   string    `json:"date"`
	Time   string    `json:"time"`
	Name   string    `json:"name,omitempty"`
	Phone  string    `json:"phone,omitempty"`
	At     time.Time `json:"at"`
}

// AppointmentBook stores appointments.
type AppointmentBook interface {
	BookAppointment(ctx context.Context, a Appointment) error
}

// KnowledgeSearcher returns knowledge-base passages relevant to query.
type KnowledgeSearcher interface {
	SearchKnowledge(ctx context.Context, knowledgeBaseID, query string, limit int) ([]string, error)
}

// ScheduleAppointmentTool books appointments for callID. A nil book only
// generates the identifier.
func ScheduleAppointmentTool(callID string, book AppointmentBook) Tool {
	return Tool{
		Declaration: FunctionDeclaration{
			Name:        ToolScheduleAppointment,
			Description: "Schedule an appointment for the caller.",
			Parameters: &Schema{
				Type: "object",
				Properties: map[string]*Schema{
					"date":  {Type: "string", Description: "Date as YYYY-MM-DD"},
					"time":  {Type: "string", Description: "Time as HH:MM, 24-hour"},
					"name":  {Type: "string", Description: "Caller name"},
					"phone": {Type: "string", Description: "Contact phone number"},
				},
				Required: []string{"date", "time"},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			date, tm := stringArg(args, "date"), stringArg(args, "time")
			at, err := time.Parse("2006-01-02 15:04", date+" "+tm)
			if err != nil {
				return nil, fmt.Errorf("invalid date or time %q %q", date, tm)
			}
			a := Appointment{
				ID:     uuid.NewString(),
				CallID: callID,
				Date:   date,
				Time:   tm,
				Name:   stringArg(args, "name"),
				Phone:  stringArg(args, "phone"),
				At:     at,
			}
			if book != nil {
				if err := book.BookAppointment(ctx, a); err != nil {
					return nil, fmt.Errorf("book appointment: %w", err)
				}
			}
			return map[string]any{
				"appointmentId": a.ID,
				"status":        "scheduled",
				"date":          a.Date,
				"time":          a.Time,
			}, nil
		},
	}
}

// SearchKnowledgeBaseTool searches the agent's knowledge base.
func SearchKnowledgeBaseTool(knowledgeBaseID string, searcher KnowledgeSearcher) Tool {
	return Tool{
		Declaration: FunctionDeclaration{
			Name:        ToolSearchKnowledgeBase,
			Description: "Search the company knowledge base for facts to answer the caller.",
			Parameters: &Schema{
				Type: "object",
				Properties: map[string]*Schema{
					"query": {Type: "string", Description: "What to look up"},
				},
				Required: []string{"query"},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			query := strings.TrimSpace(stringArg(args, "query"))
			if query == "" {
				return nil, errors.New("query is required")
			}
			if searcher == nil {
				return map[string]any{"results": []string{}}, nil
			}
			results, err := searcher.SearchKnowledge(ctx, knowledgeBaseID, query, 3)
			if err != nil {
				return nil, err
			}
			if results == nil {
				results = []string{}
			}
			return map[string]any{"results": results}, nil
		},
	}
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}
