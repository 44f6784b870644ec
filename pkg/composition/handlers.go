package composition

import (
	"context"
	"errors"
	"strings"

	"github.com/ksi-project/ksi/pkg/event"
	"github.com/ksi-project/ksi/pkg/router"
)

// Service exposes the composition system over the event surface.
type Service struct {
	loader   *Loader
	index    *Index
	resolver *Resolver
}

func NewService(loader *Loader, index *Index, resolver *Resolver) *Service {
	return &Service{loader: loader, index: index, resolver: resolver}
}

// Register wires the composition:* handlers into the router.
func (s *Service) Register(r *router.Router) error {
	nameParam := router.ParamSpec{Name: "name", Type: "string", Required: true}
	varsParam := router.ParamSpec{Name: "vars", Type: "object", Description: "substitution variables"}

	regs := []struct {
		pattern string
		handler router.HandlerFunc
		opts    router.HandlerOptions
	}{
		{"composition:get", s.handleGet, router.HandlerOptions{
			Summary: "Fetch a composition definition by name",
			Params:  []router.ParamSpec{nameParam, {Name: "type", Type: "string"}},
		}},
		{"composition:list", s.handleList, router.HandlerOptions{
			Summary: "List indexed compositions, optionally by type",
			Params:  []router.ParamSpec{{Name: "type", Type: "string"}},
		}},
		{"composition:discover", s.handleDiscover, router.HandlerOptions{
			Summary: "Full catalog: indexed compositions plus ephemeral registrations",
		}},
		{"composition:compose", s.handleCompose, router.HandlerOptions{
			Summary: "Resolve a composition into its final object",
			Params:  []router.ParamSpec{nameParam, {Name: "type", Type: "string"}, varsParam},
		}},
		{"composition:profile", s.handleProfile, router.HandlerOptions{
			Summary: "Resolve an agent profile composition",
			Params:  []router.ParamSpec{nameParam, varsParam},
		}},
		{"composition:prompt", s.handlePrompt, router.HandlerOptions{
			Summary: "Resolve a prompt composition and render its text",
			Params:  []router.ParamSpec{nameParam, varsParam},
		}},
		{"composition:validate", s.handleValidate, router.HandlerOptions{
			Summary: "Validate a composition by name or inline definition",
			Params: []router.ParamSpec{{Name: "name", Type: "string"},
				{Name: "composition", Type: "object"}},
		}},
		{"composition:create", s.handleCreate, router.HandlerOptions{
			Summary: "Register an ephemeral composition for this daemon run",
			Params:  []router.ParamSpec{{Name: "composition", Type: "object", Required: true}},
		}},
	}
	for _, reg := range regs {
		if err := r.Register(reg.pattern, reg.handler, reg.opts); err != nil {
			return err
		}
	}
	return nil
}

type composeParams struct {
	Name string         `json:"name"`
	Type string         `json:"type"`
	Vars map[string]any `json:"vars"`
}

func (s *Service) handleGet(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	var p composeParams
	if err := event.DecodeParams(data, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return event.ErrorResponse("name required"), nil
	}
	comp, err := s.resolver.Lookup(ctx, p.Name, p.Type)
	if errors.Is(err, ErrNotFound) {
		return event.Errorf("composition %q not found", p.Name), nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"name": comp.Name, "type": comp.Type, "composition": comp}, nil
}

func (s *Service) handleList(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	var p composeParams
	if err := event.DecodeParams(data, &p); err != nil {
		return nil, err
	}
	if p.Type != "" && !ValidType(p.Type) {
		return event.Errorf("unknown composition type %q", p.Type), nil
	}
	metas, err := s.index.List(ctx, p.Type)
	if err != nil {
		return nil, err
	}
	if metas == nil {
		metas = []*Meta{}
	}
	return map[string]any{"compositions": metas, "count": len(metas)}, nil
}

func (s *Service) handleDiscover(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	metas, err := s.index.List(ctx, "")
	if err != nil {
		return nil, err
	}
	if metas == nil {
		metas = []*Meta{}
	}
	byType := make(map[string]int)
	for _, m := range metas {
		byType[m.Type]++
	}
	return map[string]any{
		"compositions": metas,
		"ephemeral":    s.resolver.EphemeralNames(),
		"by_type":      byType,
		"total":        len(metas),
	}, nil
}

func (s *Service) handleCompose(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	var p composeParams
	if err := event.DecodeParams(data, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return event.ErrorResponse("name required"), nil
	}
	resolved, err := s.resolver.ResolveName(ctx, p.Name, p.Type, p.Vars)
	if errors.Is(err, ErrNotFound) {
		return event.Errorf("composition %q not found", p.Name), nil
	}
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

func (s *Service) handleProfile(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	var p composeParams
	if err := event.DecodeParams(data, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return event.ErrorResponse("name required"), nil
	}
	resolved, err := s.resolver.ResolveName(ctx, p.Name, TypeProfile, p.Vars)
	if errors.Is(err, ErrNotFound) {
		return event.Errorf("profile %q not found", p.Name), nil
	}
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

func (s *Service) handlePrompt(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	var p composeParams
	if err := event.DecodeParams(data, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return event.ErrorResponse("name required"), nil
	}
	comp, err := s.resolver.Lookup(ctx, p.Name, TypePrompt)
	if errors.Is(err, ErrNotFound) {
		return event.Errorf("prompt %q not found", p.Name), nil
	}
	if err != nil {
		return nil, err
	}
	resolved, err := s.resolver.Resolve(ctx, comp, p.Vars)
	if err != nil {
		return nil, err
	}
	return map[string]any{"name": comp.Name, "prompt": renderPrompt(comp, resolved)}, nil
}

// renderPrompt flattens a resolved prompt composition into text:
// markdown body first, then string components in declaration order.
func renderPrompt(comp *Composition, resolved map[string]any) string {
	var parts []string
	if content, ok := resolved["content"].(string); ok && content != "" {
		parts = append(parts, content)
	}
	for _, c := range comp.Components {
		if text, ok := resolved[c.Name].(string); ok && text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n")
}

type validateParams struct {
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	Composition map[string]any `json:"composition"`
}

func (s *Service) handleValidate(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	var p validateParams
	if err := event.DecodeParams(data, &p); err != nil {
		return nil, err
	}

	var comp *Composition
	switch {
	case p.Composition != nil:
		decoded, err := decodeComposition(p.Composition)
		if err != nil {
			return event.Errorf("invalid composition definition: %v", err), nil
		}
		comp = decoded
	case p.Name != "":
		loaded, err := s.resolver.Lookup(ctx, p.Name, p.Type)
		if errors.Is(err, ErrNotFound) {
			return event.Errorf("composition %q not found", p.Name), nil
		}
		if err != nil {
			return nil, err
		}
		comp = loaded
	default:
		return event.ErrorResponse("name or composition required"), nil
	}

	issues := Validate(comp)
	if issues == nil {
		issues = []string{}
	}
	return map[string]any{"name": comp.Name, "valid": len(issues) == 0, "issues": issues}, nil
}

func (s *Service) handleCreate(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	var p validateParams
	if err := event.DecodeParams(data, &p); err != nil {
		return nil, err
	}
	definition := p.Composition
	if definition == nil {
		// Accept the definition spread at the top level too.
		definition = data
	}
	comp, err := decodeComposition(definition)
	if err != nil {
		return event.Errorf("invalid composition definition: %v", err), nil
	}
	if err := s.resolver.Create(comp); err != nil {
		return event.ErrorResponse(err.Error()), nil
	}
	return map[string]any{"status": "created", "name": comp.Name, "type": comp.Type, "ephemeral": true}, nil
}

func decodeComposition(m map[string]any) (*Composition, error) {
	var comp Composition
	if err := event.DecodeParams(m, &comp); err != nil {
		return nil, err
	}
	return &comp, nil
}
