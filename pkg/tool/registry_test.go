package tool_test

import (
	"context"
	"errors"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/rendezvous/pkg/model"
	"github.com/m-mizutani/rendezvous/pkg/tool"
	"github.com/urfave/cli/v3"
	"google.golang.org/genai"
)

type stubTool struct {
	names   []string
	enabled bool
	initErr error
}

func (s *stubTool) Spec() *genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(s.names))
	for _, n := range s.names {
		decls = append(decls, &genai.FunctionDeclaration{Name: n})
	}
	return &genai.Tool{FunctionDeclarations: decls}
}

func (s *stubTool) Init(ctx context.Context, client *tool.Client) (bool, error) {
	return s.enabled, s.initErr
}

func (s *stubTool) Execute(ctx context.Context, fc genai.FunctionCall) (*genai.FunctionResponse, error) {
	return tool.Result(fc, "ok:"+fc.Name), nil
}

func (s *stubTool) Prompt(ctx context.Context) string { return "prompt:" + s.names[0] }

func (s *stubTool) Flags() []cli.Flag {
	return []cli.Flag{&cli.StringFlag{Name: s.names[0]}}
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	on := &stubTool{names: []string{"a", "b"}, enabled: true}
	off := &stubTool{names: []string{"c"}}

	r := tool.New(on, off)
	gt.A(t, r.Flags()).Length(2)

	gt.NoError(t, r.Init(ctx, &tool.Client{}))
	gt.A(t, r.Specs()).Length(1)
	gt.A(t, r.Declarations()).Length(2)
	gt.Equal(t, r.Prompts(ctx), "prompt:a")

	resp, err := r.Execute(ctx, genai.FunctionCall{Name: "b"})
	gt.NoError(t, err)
	gt.Equal(t, resp.Response["result"], any("ok:b"))

	_, err = r.Execute(ctx, genai.FunctionCall{Name: "c"})
	gt.Error(t, err)
}

func TestRegistryInitErrors(t *testing.T) {
	ctx := context.Background()

	r := tool.New(&stubTool{names: []string{"a"}, initErr: errors.New("boom")})
	gt.Error(t, r.Init(ctx, nil))

	r = tool.New(
		&stubTool{names: []string{"a"}, enabled: true},
		&stubTool{names: []string{"a"}, enabled: true},
	)
	gt.Error(t, r.Init(ctx, nil))
}

func TestErrorResult(t *testing.T) {
	fc := genai.FunctionCall{ID: "1", Name: "schedule_meeting"}
	resp := tool.ErrorResult(fc, model.ErrSlotUnavailable)
	gt.Equal(t, resp.ID, "1")
	gt.Equal(t, resp.Response["kind"], any("slot_unavailable"))

	gt.Equal(t, tool.ErrorKind(errors.New("x")), "internal")
	gt.Equal(t, tool.ErrorKind(model.ErrInvalidRange), "invalid_range")
}

func TestOwnerContext(t *testing.T) {
	ctx := context.Background()
	gt.Equal(t, tool.OwnerFrom(ctx), model.OwnerID(""))
	gt.Equal(t, tool.OwnerFrom(tool.WithOwner(ctx, "alice")), model.OwnerID("alice"))
}
