package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rendezvous/pkg/model"
	"github.com/m-mizutani/rendezvous/pkg/tool"
	usecase "github.com/m-mizutani/rendezvous/pkg/usecase/scheduling"
	"github.com/urfave/cli/v3"
	"google.golang.org/genai"
)

const (
	defaultSearchWindow = 24 * time.Hour
	defaultDuration     = 30
)

// Tool exposes the scheduling service as get_free_slots,
// schedule_meeting and add_potential_slot
type Tool struct {
	uc  *usecase.UseCase
	now func() time.Time

	suggest bool
}

func New() *Tool {
	return &Tool{now: time.Now, suggest: true}
}

// Flags returns CLI flags for the scheduling tool
func (t *Tool) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:        "suggest-slots",
			Usage:       "Propose hourly slots when get_free_slots finds none",
			Value:       true,
			Sources:     cli.EnvVars("RENDEZVOUS_SUGGEST_SLOTS"),
			Destination: &t.suggest,
		},
	}
}

func (t *Tool) Init(ctx context.Context, client *tool.Client) (bool, error) {
	if client == nil || client.Scheduling == nil {
		return false, nil
	}
	t.uc = client.Scheduling
	return true, nil
}

func (t *Tool) Prompt(ctx context.Context) string {
	return fmt.Sprintf(`### Scheduling
Current time is %s. All times are RFC 3339.
Use get_free_slots before proposing a time. Book with schedule_meeting using the slot_id of a free slot, or with start and end when the user asks for a time that is not offered.
If a tool returns kind "slot_unavailable", tell the user that the time is no longer available and offer alternatives.`, t.now().Format(time.RFC3339))
}

// Spec returns the tool specification for Gemini function calling
func (t *Tool) Spec() *genai.Tool {
	timeProp := func(desc string) *genai.Schema {
		return &genai.Schema{Type: genai.TypeString, Format: "date-time", Description: desc}
	}
	strProp := func(desc string) *genai.Schema {
		return &genai.Schema{Type: genai.TypeString, Description: desc}
	}

	return &genai.Tool{
		FunctionDeclarations: []*genai.FunctionDeclaration{
			{
				Name:        "get_free_slots",
				Description: "List meeting slots that are not booked and overlap the given time range, earliest first. A listed slot may still partly overlap a meeting booked at a custom time. When none is free, suggested hourly intervals are returned instead.",
				Parameters: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"start":            timeProp("Start of the range (default: now)"),
						"end":              timeProp("End of the range (default: 24 hours after start)"),
						"duration_minutes": {Type: genai.TypeInteger, Description: "Length of suggested intervals in minutes (default: 30)"},
					},
				},
			},
			{
				Name:        "schedule_meeting",
				Description: "Book a meeting. Give slot_id to book an offered free slot, or start and end to book a time that was not offered.",
				Parameters: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"slot_id":       strProp("Identifier of a free slot"),
						"start":         timeProp("Start of the meeting when slot_id is not given"),
						"end":           timeProp("End of the meeting when slot_id is not given"),
						"title":         strProp("Meeting title"),
						"description":   strProp("Meeting description"),
						"contact_name":  strProp("Name of the person booking"),
						"contact_phone": strProp("Phone number of the person booking"),
					},
				},
			},
			{
				Name:        "add_potential_slot",
				Description: "Register a new free slot that can be booked later.",
				Parameters: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"start":       timeProp("Start of the slot"),
						"end":         timeProp("End of the slot"),
						"title":         strProp("Slot title"),
						"description":   strProp("Slot description"),
						"contact_name":  strProp("Name of the person offering the slot"),
						"contact_phone": strProp("Phone number of the person offering the slot"),
					},
					Required: []string{"start", "end"},
				},
			},
		},
	}
}

type getFreeSlotsInput struct {
	Start           *time.Time `json:"start"`
	End             *time.Time `json:"end"`
	DurationMinutes int        `json:"duration_minutes"`
}

type getFreeSlotsOutput struct {
	Slots       []*model.Slot     `json:"slots"`
	Suggestions []model.TimeRange `json:"suggestions,omitempty"`
}

type scheduleInput struct {
	SlotID       string     `json:"slot_id"`
	Start        *time.Time `json:"start"`
	End          *time.Time `json:"end"`
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	ContactName  string     `json:"contact_name"`
	ContactPhone string     `json:"contact_phone"`
}

func (x scheduleInput) timeRange() model.TimeRange {
	var r model.TimeRange
	if x.Start != nil {
		r.From = *x.Start
	}
	if x.End != nil {
		r.To = *x.End
	}
	return r
}

// Execute runs the tool with the given function call. Domain errors are
// returned as error responses rather than Go errors.
func (t *Tool) Execute(ctx context.Context, fc genai.FunctionCall) (*genai.FunctionResponse, error) {
	var (
		result any
		err    error
	)

	switch fc.Name {
	case "get_free_slots":
		result, err = t.getFreeSlots(ctx, fc)
	case "schedule_meeting":
		result, err = t.scheduleMeeting(ctx, fc)
	case "add_potential_slot":
		result, err = t.addPotentialSlot(ctx, fc)
	default:
		return nil, goerr.New("unknown function", goerr.V("name", fc.Name))
	}

	if err != nil {
		return tool.ErrorResult(fc, err), nil
	}
	return tool.Result(fc, result), nil
}

func (t *Tool) getFreeSlots(ctx context.Context, fc genai.FunctionCall) (*getFreeSlotsOutput, error) {
	var input getFreeSlotsInput
	if err := tool.ParseArgs(fc, &input); err != nil {
		return nil, err
	}

	r := model.TimeRange{From: t.now()}
	if input.Start != nil {
		r.From = *input.Start
	}
	r.To = r.From.Add(defaultSearchWindow)
	if input.End != nil {
		r.To = *input.End
	}

	slots, err := t.uc.GetFreeSlots(ctx, r)
	if err != nil {
		return nil, err
	}
	out := &getFreeSlotsOutput{Slots: slots}
	if out.Slots == nil {
		out.Slots = []*model.Slot{}
	}

	if len(slots) == 0 && t.suggest {
		minutes := input.DurationMinutes
		if minutes <= 0 {
			minutes = defaultDuration
		}
		out.Suggestions, err = t.uc.SuggestSlots(ctx, r.From, time.Duration(minutes)*time.Minute, 0)
		if err != nil {
			return nil, err
		}
	}

	return out, nil
}

func (t *Tool) scheduleMeeting(ctx context.Context, fc genai.FunctionCall) (*model.Slot, error) {
	var input scheduleInput
	if err := tool.ParseArgs(fc, &input); err != nil {
		return nil, err
	}

	return t.uc.ScheduleMeeting(ctx, usecase.ScheduleRequest{
		SlotID: model.SlotID(input.SlotID),
		Range:  input.timeRange(),
		Booking: model.Booking{
			Title:        input.Title,
			Description:  input.Description,
			ContactName:  input.ContactName,
			ContactPhone: input.ContactPhone,
		},
	})
}

func (t *Tool) addPotentialSlot(ctx context.Context, fc genai.FunctionCall) (*model.Slot, error) {
	var input scheduleInput
	if err := tool.ParseArgs(fc, &input); err != nil {
		return nil, err
	}

	return t.uc.AddPotentialSlot(ctx, usecase.SlotInput{
		Title:        input.Title,
		Description:  input.Description,
		ContactName:  input.ContactName,
		ContactPhone: input.ContactPhone,
		Range:        input.timeRange(),
	})
}
