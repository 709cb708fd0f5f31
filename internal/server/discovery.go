package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type listResponse[T any] struct {
	Object string `json:"object"`
	Data   []T    `json:"data"`
}

type adapterEntry struct {
	ID          string   `json:"id"`
	Object      string   `json:"object"`
	Created     *int64   `json:"created"`
	OwnedBy     string   `json:"owned_by"`
	Description string   `json:"description"`
	Permission  []string `json:"permission"`
	Root        string   `json:"root"`
	Parent      *string  `json:"parent"`
}

type modelEntry struct {
	ID          string   `json:"id"`
	Show        string   `json:"show"`
	Object      string   `json:"object"`
	Created     *int64   `json:"created"`
	OwnedBy     string   `json:"owned_by"`
	Permission  []string `json:"permission"`
	Root        string   `json:"root"`
	Parent      *string  `json:"parent"`
	AllowsTools bool     `json:"allows_tools"`
}

func (s *Server) handleAdapters(c echo.Context) error {
	backends := s.catalog.ListBackends()
	resp := listResponse[adapterEntry]{Object: "list", Data: make([]adapterEntry, 0, len(backends))}
	for _, b := range backends {
		resp.Data = append(resp.Data, adapterEntry{
			ID:          b.Name(),
			Object:      "adapter",
			OwnedBy:     b.Author(),
			Description: b.Description(),
			Permission:  []string{},
			Root:        b.Name(),
		})
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleModels(c echo.Context) error {
	registered := s.catalog.ListModels()
	resp := listResponse[modelEntry]{Object: "list", Data: make([]modelEntry, 0, len(registered))}
	for _, info := range registered {
		show := info.Model.DisplayName()
		if show == "" {
			show = info.ID
		}
		resp.Data = append(resp.Data, modelEntry{
			ID:          info.ID,
			Show:        show,
			Object:      "model",
			OwnedBy:     info.Model.Backend(),
			Permission:  []string{},
			Root:        info.ID,
			AllowsTools: info.Model.AllowsTools(),
		})
	}
	return c.JSON(http.StatusOK, resp)
}
