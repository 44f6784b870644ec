package state

import (
	"context"
	"time"

	"github.com/ksi-project/ksi/pkg/event"
	"github.com/ksi-project/ksi/pkg/router"
)

// Service exposes the store over the event surface: state:* for KV and
// session scratch, async_state:* for queues.
type Service struct {
	store *Store
}

func NewService(store *Store) *Service {
	return &Service{store: store}
}

// Register wires every state handler into the router.
func (s *Service) Register(r *router.Router) error {
	nsParam := router.ParamSpec{Name: "namespace", Type: "string", Description: "defaults to \"global\""}
	keyParam := router.ParamSpec{Name: "key", Type: "string", Required: true}

	regs := []struct {
		pattern string
		handler router.HandlerFunc
		opts    router.HandlerOptions
	}{
		{"state:set", s.handleSet, router.HandlerOptions{
			Summary: "Set a value under (namespace, key)",
			Params: []router.ParamSpec{nsParam, keyParam,
				{Name: "value", Type: "any", Required: true},
				{Name: "metadata", Type: "object"}},
		}},
		{"state:get", s.handleGet, router.HandlerOptions{
			Summary: "Get a value; found=false when absent",
			Params:  []router.ParamSpec{nsParam, keyParam},
		}},
		{"state:delete", s.handleDelete, router.HandlerOptions{
			Summary: "Delete a value; idempotent",
			Params:  []router.ParamSpec{nsParam, keyParam},
		}},
		{"state:list", s.handleList, router.HandlerOptions{
			Summary: "List keys in a namespace, or all namespaces when none given",
			Params:  []router.ParamSpec{nsParam},
		}},
		{"state:clear", s.handleClear, router.HandlerOptions{
			Summary: "Remove every key in a namespace",
			Params:  []router.ParamSpec{{Name: "namespace", Type: "string", Required: true}},
		}},
		{"state:session:get", s.handleSessionGet, router.HandlerOptions{
			Summary: "Get a session's scratch data",
			Params:  []router.ParamSpec{{Name: "session_id", Type: "string", Required: true}},
		}},
		{"state:session:update", s.handleSessionUpdate, router.HandlerOptions{
			Summary: "Merge fields into a session's scratch data",
			Params: []router.ParamSpec{
				{Name: "session_id", Type: "string", Required: true},
				{Name: "data", Type: "object", Required: true}},
		}},
		{"async_state:push", s.handlePush, router.HandlerOptions{
			Summary: "Append a value to a FIFO queue",
			Params: []router.ParamSpec{nsParam, keyParam,
				{Name: "value", Type: "any", Required: true},
				{Name: "ttl_seconds", Type: "number", Description: "item expiry; 0 = never"}},
		}},
		{"async_state:pop", s.handlePop, router.HandlerOptions{
			Summary: "Remove and return the oldest live item; found=false when empty",
			Params:  []router.ParamSpec{nsParam, keyParam},
		}},
		{"async_state:get_queue", s.handleGetQueue, router.HandlerOptions{
			Summary: "Read a queue's live items without consuming them",
			Params:  []router.ParamSpec{nsParam, keyParam},
		}},
		{"async_state:queue_length", s.handleQueueLength, router.HandlerOptions{
			Summary: "Count a queue's live items",
			Params:  []router.ParamSpec{nsParam, keyParam},
		}},
		{"async_state:get_keys", s.handleQueueKeys, router.HandlerOptions{
			Summary: "List queue keys with live items in a namespace",
			Params:  []router.ParamSpec{nsParam},
		}},
		{"async_state:delete", s.handleQueueDelete, router.HandlerOptions{
			Summary: "Delete a queue atomically",
			Params:  []router.ParamSpec{nsParam, keyParam},
		}},
	}
	for _, reg := range regs {
		if err := r.Register(reg.pattern, reg.handler, reg.opts); err != nil {
			return err
		}
	}
	return nil
}

type kvParams struct {
	Namespace string         `json:"namespace"`
	Key       string         `json:"key"`
	Value     any            `json:"value"`
	Metadata  map[string]any `json:"metadata"`
}

func (s *Service) handleSet(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	var p kvParams
	if err := event.DecodeParams(data, &p); err != nil {
		return nil, err
	}
	if p.Key == "" {
		return event.ErrorResponse("key required"), nil
	}
	if err := s.store.Set(ctx, p.Namespace, p.Key, p.Value, p.Metadata); err != nil {
		return nil, err
	}
	return map[string]any{"status": "set", "namespace": orDefault(p.Namespace), "key": p.Key}, nil
}

func (s *Service) handleGet(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	var p kvParams
	if err := event.DecodeParams(data, &p); err != nil {
		return nil, err
	}
	if p.Key == "" {
		return event.ErrorResponse("key required"), nil
	}
	entry, found, err := s.store.Get(ctx, p.Namespace, p.Key)
	if err != nil {
		return nil, err
	}
	resp := map[string]any{"found": found, "namespace": orDefault(p.Namespace), "key": p.Key}
	if found {
		resp["value"] = entry.Value
		if entry.Metadata != nil {
			resp["metadata"] = entry.Metadata
		}
	}
	return resp, nil
}

func (s *Service) handleDelete(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	var p kvParams
	if err := event.DecodeParams(data, &p); err != nil {
		return nil, err
	}
	if p.Key == "" {
		return event.ErrorResponse("key required"), nil
	}
	deleted, err := s.store.Delete(ctx, p.Namespace, p.Key)
	if err != nil {
		return nil, err
	}
	return map[string]any{"deleted": deleted, "namespace": orDefault(p.Namespace), "key": p.Key}, nil
}

func (s *Service) handleList(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	var p kvParams
	if err := event.DecodeParams(data, &p); err != nil {
		return nil, err
	}
	if p.Namespace == "" {
		namespaces, err := s.store.Namespaces(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"namespaces": emptyNotNil(namespaces)}, nil
	}
	keys, err := s.store.Keys(ctx, p.Namespace)
	if err != nil {
		return nil, err
	}
	return map[string]any{"namespace": p.Namespace, "keys": emptyNotNil(keys)}, nil
}

func (s *Service) handleClear(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	var p kvParams
	if err := event.DecodeParams(data, &p); err != nil {
		return nil, err
	}
	if p.Namespace == "" {
		return event.ErrorResponse("namespace required"), nil
	}
	n, err := s.store.Clear(ctx, p.Namespace)
	if err != nil {
		return nil, err
	}
	return map[string]any{"namespace": p.Namespace, "cleared": n}, nil
}

type sessionParams struct {
	SessionID string         `json:"session_id"`
	Data      map[string]any `json:"data"`
}

func (s *Service) handleSessionGet(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	var p sessionParams
	if err := event.DecodeParams(data, &p); err != nil {
		return nil, err
	}
	if p.SessionID == "" {
		return event.ErrorResponse("session_id required"), nil
	}
	scratch, found, err := s.store.SessionGet(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	resp := map[string]any{"session_id": p.SessionID, "found": found}
	if found {
		resp["data"] = scratch
	}
	return resp, nil
}

func (s *Service) handleSessionUpdate(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	var p sessionParams
	if err := event.DecodeParams(data, &p); err != nil {
		return nil, err
	}
	if p.SessionID == "" {
		return event.ErrorResponse("session_id required"), nil
	}
	merged, err := s.store.SessionUpdate(ctx, p.SessionID, p.Data)
	if err != nil {
		return nil, err
	}
	return map[string]any{"session_id": p.SessionID, "data": merged}, nil
}

type queueParams struct {
	Namespace  string  `json:"namespace"`
	Key        string  `json:"key"`
	Value      any     `json:"value"`
	TTLSeconds float64 `json:"ttl_seconds"`
}

func (s *Service) handlePush(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	var p queueParams
	if err := event.DecodeParams(data, &p); err != nil {
		return nil, err
	}
	if p.Key == "" {
		return event.ErrorResponse("key required"), nil
	}
	length, err := s.store.Push(ctx, p.Namespace, p.Key, p.Value, time.Duration(p.TTLSeconds*float64(time.Second)))
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": "pushed", "namespace": orDefault(p.Namespace), "key": p.Key, "length": length}, nil
}

func (s *Service) handlePop(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	var p queueParams
	if err := event.DecodeParams(data, &p); err != nil {
		return nil, err
	}
	if p.Key == "" {
		return event.ErrorResponse("key required"), nil
	}
	value, found, err := s.store.Pop(ctx, p.Namespace, p.Key)
	if err != nil {
		return nil, err
	}
	resp := map[string]any{"found": found, "namespace": orDefault(p.Namespace), "key": p.Key}
	if found {
		resp["value"] = value
	}
	return resp, nil
}

func (s *Service) handleGetQueue(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	var p queueParams
	if err := event.DecodeParams(data, &p); err != nil {
		return nil, err
	}
	if p.Key == "" {
		return event.ErrorResponse("key required"), nil
	}
	items, err := s.store.GetQueue(ctx, p.Namespace, p.Key)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []any{}
	}
	return map[string]any{"namespace": orDefault(p.Namespace), "key": p.Key, "items": items, "length": len(items)}, nil
}

func (s *Service) handleQueueLength(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	var p queueParams
	if err := event.DecodeParams(data, &p); err != nil {
		return nil, err
	}
	if p.Key == "" {
		return event.ErrorResponse("key required"), nil
	}
	n, err := s.store.QueueLength(ctx, p.Namespace, p.Key)
	if err != nil {
		return nil, err
	}
	return map[string]any{"namespace": orDefault(p.Namespace), "key": p.Key, "length": n}, nil
}

func (s *Service) handleQueueKeys(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	var p queueParams
	if err := event.DecodeParams(data, &p); err != nil {
		return nil, err
	}
	keys, err := s.store.QueueKeys(ctx, p.Namespace)
	if err != nil {
		return nil, err
	}
	return map[string]any{"namespace": orDefault(p.Namespace), "keys": emptyNotNil(keys)}, nil
}

func (s *Service) handleQueueDelete(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	var p queueParams
	if err := event.DecodeParams(data, &p); err != nil {
		return nil, err
	}
	if p.Key == "" {
		return event.ErrorResponse("key required"), nil
	}
	n, err := s.store.DeleteQueue(ctx, p.Namespace, p.Key)
	if err != nil {
		return nil, err
	}
	return map[string]any{"namespace": orDefault(p.Namespace), "key": p.Key, "deleted": n}, nil
}

func orDefault(ns string) string {
	if ns == "" {
		return DefaultNamespace
	}
	return ns
}

func emptyNotNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
