package mcptools

import (
	"context"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/weaverproto/weaver-core/internal/federation"
	"github.com/weaverproto/weaver-core/internal/query"
)

func registerTools(server *sdkmcp.Server, svc *query.Service) {
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "get_entry",
		Description: "Get a notebook entry by its resource URI",
	}, getEntryHandler(svc))

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "get_notebook",
		Description: "Get a notebook by its resource URI",
	}, getNotebookHandler(svc))

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "resolve_entry",
		Description: "Resolve an entry by author, notebook path and entry path",
	}, resolveEntryHandler(svc))

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "resolve_notebook",
		Description: "Resolve a notebook by author and path",
	}, resolveNotebookHandler(svc))

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "get_profile",
		Description: "Get an actor's merged profile",
	}, getProfileHandler(svc))

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "get_draft",
		Description: "Get the resume state of an unpublished draft",
	}, getDraftHandler(svc))

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "get_edit_history",
		Description: "Get the edit DAG's known nodes and current heads for a resource",
	}, getEditHistoryHandler(svc))

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "list_actor_notebooks",
		Description: "List notebooks authored by an actor, paginated",
	}, listActorNotebooksHandler(svc))

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "list_actor_entries",
		Description: "List entries authored by an actor, paginated",
	}, listActorEntriesHandler(svc))

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "get_entry_feed",
		Description: "Get the global entry feed, paginated",
	}, getEntryFeedHandler(svc))

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "get_notebook_feed",
		Description: "Get the global notebook feed, paginated",
	}, getNotebookFeedHandler(svc))
}

type uriParams struct {
	URI string `json:"uri" jsonschema:"the proto://did/collection/rkey resource address"`
}

func parseURI(raw string) (federation.URI, error) {
	uri, err := federation.ParseURI(raw)
	if err != nil {
		return federation.URI{}, mapError(query.InvalidRequest("invalid uri", err))
	}
	return uri, nil
}

func getEntryHandler(svc *query.Service) sdkmcp.ToolHandlerFor[uriParams, query.EntryView] {
	return func(ctx context.Context, _ *sdkmcp.CallToolRequest, in uriParams) (*sdkmcp.CallToolResult, query.EntryView, error) {
		uri, err := parseURI(in.URI)
		if err != nil {
			return nil, query.EntryView{}, err
		}
		view, err := svc.GetEntry(ctx, uri)
		if err != nil {
			return nil, query.EntryView{}, mapError(err)
		}
		return nil, view, nil
	}
}

func getNotebookHandler(svc *query.Service) sdkmcp.ToolHandlerFor[uriParams, query.NotebookView] {
	return func(ctx context.Context, _ *sdkmcp.CallToolRequest, in uriParams) (*sdkmcp.CallToolResult, query.NotebookView, error) {
		uri, err := parseURI(in.URI)
		if err != nil {
			return nil, query.NotebookView{}, err
		}
		view, err := svc.GetNotebook(ctx, uri)
		if err != nil {
			return nil, query.NotebookView{}, mapError(err)
		}
		return nil, view, nil
	}
}

type resolveEntryParams struct {
	Author   string `json:"author" jsonschema:"the entry author's did"`
	Notebook string `json:"notebook" jsonschema:"the notebook's path"`
	Entry    string `json:"entry" jsonschema:"the entry's path"`
}

func resolveEntryHandler(svc *query.Service) sdkmcp.ToolHandlerFor[resolveEntryParams, query.EntryView] {
	return func(ctx context.Context, _ *sdkmcp.CallToolRequest, in resolveEntryParams) (*sdkmcp.CallToolResult, query.EntryView, error) {
		view, err := svc.ResolveEntry(ctx, in.Author, in.Notebook, in.Entry)
		if err != nil {
			return nil, query.EntryView{}, mapError(err)
		}
		return nil, view, nil
	}
}

type resolveNotebookParams struct {
	Author string `json:"author" jsonschema:"the notebook author's did"`
	Name   string `json:"name" jsonschema:"the notebook's path"`
}

func resolveNotebookHandler(svc *query.Service) sdkmcp.ToolHandlerFor[resolveNotebookParams, query.NotebookView] {
	return func(ctx context.Context, _ *sdkmcp.CallToolRequest, in resolveNotebookParams) (*sdkmcp.CallToolResult, query.NotebookView, error) {
		view, err := svc.ResolveNotebook(ctx, in.Author, in.Name)
		if err != nil {
			return nil, query.NotebookView{}, mapError(err)
		}
		return nil, view, nil
	}
}

type actorParams struct {
	Actor string `json:"actor" jsonschema:"the actor's did"`
}

func getProfileHandler(svc *query.Service) sdkmcp.ToolHandlerFor[actorParams, query.ProfileView] {
	return func(ctx context.Context, _ *sdkmcp.CallToolRequest, in actorParams) (*sdkmcp.CallToolResult, query.ProfileView, error) {
		view, err := svc.GetProfile(ctx, in.Actor)
		if err != nil {
			return nil, query.ProfileView{}, mapError(err)
		}
		return nil, view, nil
	}
}

func getDraftHandler(svc *query.Service) sdkmcp.ToolHandlerFor[uriParams, query.DraftView] {
	return func(ctx context.Context, _ *sdkmcp.CallToolRequest, in uriParams) (*sdkmcp.CallToolResult, query.DraftView, error) {
		uri, err := parseURI(in.URI)
		if err != nil {
			return nil, query.DraftView{}, err
		}
		view, err := svc.GetDraft(ctx, uri)
		if err != nil {
			return nil, query.DraftView{}, mapError(err)
		}
		return nil, view, nil
	}
}

type resourceParams struct {
	Resource string `json:"resource" jsonschema:"the proto://did/collection/rkey resource address"`
}

func getEditHistoryHandler(svc *query.Service) sdkmcp.ToolHandlerFor[resourceParams, query.EditHistoryView] {
	return func(ctx context.Context, _ *sdkmcp.CallToolRequest, in resourceParams) (*sdkmcp.CallToolResult, query.EditHistoryView, error) {
		uri, err := parseURI(in.Resource)
		if err != nil {
			return nil, query.EditHistoryView{}, err
		}
		resource := federation.ResourceRef{Did: uri.Did, Collection: uri.Collection, RKey: uri.RKey}
		view, err := svc.GetEditHistory(ctx, resource)
		if err != nil {
			return nil, query.EditHistoryView{}, mapError(err)
		}
		return nil, view, nil
	}
}

type pageParams struct {
	Actor  string `json:"actor,omitempty" jsonschema:"the actor's did, when listing per-actor results"`
	Limit  int    `json:"limit,omitempty" jsonschema:"maximum number of results, defaults to 50"`
	Cursor string `json:"cursor,omitempty" jsonschema:"opaque pagination cursor from a previous page's next_cursor"`
}

func listActorNotebooksHandler(svc *query.Service) sdkmcp.ToolHandlerFor[pageParams, query.Page[query.NotebookView]] {
	return func(ctx context.Context, _ *sdkmcp.CallToolRequest, in pageParams) (*sdkmcp.CallToolResult, query.Page[query.NotebookView], error) {
		page, err := svc.ListActorNotebooks(ctx, in.Actor, in.Limit, in.Cursor)
		if err != nil {
			return nil, query.Page[query.NotebookView]{}, mapError(err)
		}
		return nil, page, nil
	}
}

func listActorEntriesHandler(svc *query.Service) sdkmcp.ToolHandlerFor[pageParams, query.Page[query.EntryView]] {
	return func(ctx context.Context, _ *sdkmcp.CallToolRequest, in pageParams) (*sdkmcp.CallToolResult, query.Page[query.EntryView], error) {
		page, err := svc.ListActorEntries(ctx, in.Actor, in.Limit, in.Cursor)
		if err != nil {
			return nil, query.Page[query.EntryView]{}, mapError(err)
		}
		return nil, page, nil
	}
}

func getEntryFeedHandler(svc *query.Service) sdkmcp.ToolHandlerFor[pageParams, query.Page[query.EntryView]] {
	return func(ctx context.Context, _ *sdkmcp.CallToolRequest, in pageParams) (*sdkmcp.CallToolResult, query.Page[query.EntryView], error) {
		page, err := svc.GetEntryFeed(ctx, in.Limit, in.Cursor)
		if err != nil {
			return nil, query.Page[query.EntryView]{}, mapError(err)
		}
		return nil, page, nil
	}
}

func getNotebookFeedHandler(svc *query.Service) sdkmcp.ToolHandlerFor[pageParams, query.Page[query.NotebookView]] {
	return func(ctx context.Context, _ *sdkmcp.CallToolRequest, in pageParams) (*sdkmcp.CallToolResult, query.Page[query.NotebookView], error) {
		page, err := svc.GetNotebookFeed(ctx, in.Limit, in.Cursor)
		if err != nil {
			return nil, query.Page[query.NotebookView]{}, mapError(err)
		}
		return nil, page, nil
	}
}
