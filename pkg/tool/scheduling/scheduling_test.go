package scheduling_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/rendezvous/pkg/model"
	"github.com/m-mizutani/rendezvous/pkg/repository"
	"github.com/m-mizutani/rendezvous/pkg/tool"
	"github.com/m-mizutani/rendezvous/pkg/tool/scheduling"
	usecase "github.com/m-mizutani/rendezvous/pkg/usecase/scheduling"
	"google.golang.org/genai"
)

func setup(t *testing.T) (*tool.Registry, *usecase.UseCase) {
	uc := usecase.New(repository.NewInMemory())
	r := tool.New(scheduling.New())
	gt.NoError(t, r.Init(context.Background(), &tool.Client{Scheduling: uc}))
	return r, uc
}

func call(t *testing.T, r *tool.Registry, name string, args map[string]any, out any) map[string]any {
	resp, err := r.Execute(context.Background(), genai.FunctionCall{Name: name, Args: args})
	gt.NoError(t, err)
	gt.Equal(t, resp.Name, name)

	if out != nil {
		raw, err := json.Marshal(resp.Response["result"])
		gt.NoError(t, err)
		gt.NoError(t, json.Unmarshal(raw, out))
	}
	return resp.Response
}

type freeSlots struct {
	Slots       []*model.Slot     `json:"slots"`
	Suggestions []model.TimeRange `json:"suggestions"`
}

func TestSchemas(t *testing.T) {
	decls := scheduling.New().Spec().FunctionDeclarations
	gt.A(t, decls).Length(3)

	names := map[string]*genai.FunctionDeclaration{}
	for _, d := range decls {
		names[d.Name] = d
	}
	gt.Map(t, names).HasKey("get_free_slots")
	gt.Map(t, names).HasKey("schedule_meeting")
	gt.Map(t, names).HasKey("add_potential_slot")
	gt.Map(t, names["schedule_meeting"].Parameters.Properties).HasKey("slot_id")
	gt.Equal(t, len(names["add_potential_slot"].Parameters.Required), 2)
}

func TestAddAndBookThroughTools(t *testing.T) {
	r, uc := setup(t)
	window := map[string]any{
		"start": "2025-07-01T09:00:00Z",
		"end":   "2025-07-01T11:00:00Z",
	}

	var added model.Slot
	call(t, r, "add_potential_slot", map[string]any{
		"start": "2025-07-01T10:00:00Z",
		"end":   "2025-07-01T10:30:00Z",
		"title":         "Office hours",
		"contact_name":  "Alice",
		"contact_phone": "555-1234",
	}, &added)
	gt.False(t, added.Booked)
	gt.Equal(t, added.Title, "Office hours")
	gt.Equal(t, added.ContactName, "Alice")
	gt.Equal(t, added.ContactPhone, "555-1234")

	offered, err := uc.GetSlot(context.Background(), added.ID)
	gt.NoError(t, err)
	gt.Equal(t, offered.ContactName, "Alice")
	gt.Equal(t, offered.ContactPhone, "555-1234")

	var free freeSlots
	call(t, r, "get_free_slots", window, &free)
	gt.A(t, free.Slots).Length(1)
	gt.Equal(t, free.Slots[0].ID, added.ID)

	var booked model.Slot
	call(t, r, "schedule_meeting", map[string]any{
		"slot_id":      string(added.ID),
		"title":        "Design review",
		"contact_name": "Robin",
	}, &booked)
	gt.True(t, booked.Booked)
	gt.Equal(t, booked.ContactName, "Robin")

	stored, err := uc.GetSlot(context.Background(), added.ID)
	gt.NoError(t, err)
	gt.True(t, stored.Booked)

	free = freeSlots{}
	call(t, r, "get_free_slots", window, &free)
	gt.A(t, free.Slots).Length(0)
	// suggestions start at 09:00; 10:00 overlaps the booked meeting
	gt.A(t, free.Suggestions).Length(5)
	gt.True(t, free.Suggestions[0].From.Equal(time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)))
	gt.True(t, free.Suggestions[1].From.Equal(time.Date(2025, 7, 1, 11, 0, 0, 0, time.UTC)))
}

func TestDomainErrorsAreResponses(t *testing.T) {
	r, _ := setup(t)

	resp := call(t, r, "add_potential_slot", map[string]any{
		"start": "2025-07-01T11:00:00Z",
		"end":   "2025-07-01T10:00:00Z",
	}, nil)
	gt.Equal(t, resp["kind"], any("invalid_range"))

	resp = call(t, r, "schedule_meeting", map[string]any{"slot_id": "missing"}, nil)
	gt.Equal(t, resp["kind"], any("not_found"))

	call(t, r, "schedule_meeting", map[string]any{
		"start": "2025-07-01T13:00:00Z",
		"end":   "2025-07-01T14:00:00Z",
		"title": "Lunch",
	}, nil)
	resp = call(t, r, "schedule_meeting", map[string]any{
		"start": "2025-07-01T13:30:00Z",
		"end":   "2025-07-01T14:30:00Z",
		"title": "Clash",
	}, nil)
	gt.Equal(t, resp["kind"], any("slot_unavailable"))
}
