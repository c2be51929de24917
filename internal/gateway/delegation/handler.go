package delegation

import (
	"net/http"
	"sort"
	"time"

	"github.com/labstack/echo/v4"
)

// Handler exposes the delegation snapshot to operators.
type Handler struct {
	cache *Cache
}

func NewHandler(cache *Cache) *Handler {
	return &Handler{cache: cache}
}

// RegisterRoutes mounts the delegation routes on an already authenticated
// group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/delegations/:principal", h.GetDelegates)
	g.POST("/delegations/refresh", h.Refresh)
}

type delegatesResponse struct {
	PrincipalOID string    `json:"principal_oid"`
	Delegates    []string  `json:"delegates"`
	LoadedAt     time.Time `json:"loaded_at"`
}

func (h *Handler) GetDelegates(c echo.Context) error {
	principal := c.Param("principal")
	set, ok := h.cache.GetDelegatesForPrincipal(principal)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "principal not found")
	}
	delegates := make([]string, 0, len(set))
	for d := range set {
		delegates = append(delegates, d)
	}
	sort.Strings(delegates)
	return c.JSON(http.StatusOK, delegatesResponse{
		PrincipalOID: normalize(principal),
		Delegates:    delegates,
		LoadedAt:     h.cache.LoadedAt(),
	})
}

// Refresh reloads the snapshot now instead of waiting for the next tick.
func (h *Handler) Refresh(c echo.Context) error {
	if err := h.cache.Refresh(c.Request().Context()); err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "refresh failed: "+err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"principals": h.cache.Size(),
		"loaded_at":  h.cache.LoadedAt(),
	})
}
